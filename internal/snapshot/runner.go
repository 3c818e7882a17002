// Package snapshot captures one slot of option quotes for the configured
// universe, with per-symbol error isolation.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/clean"
	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/resolve"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

// Config controls one snapshot run.
type Config struct {
	Exchange          string   // primary
	FallbackExchanges []string // tried in order, then ANY
	GenericTicks      string
	StrikesPerSide    int
	SubTimeout        time.Duration
	PollInterval      time.Duration
	RequireGreeks     bool
	RefLookbackDays   int

	Close bool // close variant: view=close, run_type=close_snapshot
}

// SymbolError is one isolated per-symbol failure.
type SymbolError struct {
	Symbol string
	Stage  string
	Err    error
}

func (e SymbolError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Symbol, e.Stage, e.Err)
}

// Result summarizes one run.
type Result struct {
	IngestID            string
	Slot                calendar.Slot
	SymbolsProcessed    int
	ContractsDiscovered int
	RowsWritten         int
	RawPaths            []string
	CleanPaths          []string
	Errors              []SymbolError
}

// Runner captures one slot for a universe.
type Runner struct {
	gw       ibgate.Gateway
	resolver *resolve.Resolver
	limits   *ratelimit.Classes
	lake     store.Config
	errlog   *runlog.ErrorLog
	logger   *slog.Logger
	cfg      Config
}

// New wires a runner. errlog may be nil.
func New(gw ibgate.Gateway, resolver *resolve.Resolver, limits *ratelimit.Classes, lake store.Config, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubTimeout <= 0 {
		cfg.SubTimeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Runner{
		gw: gw, resolver: resolver, limits: limits, lake: lake,
		errlog: errlog, cfg: cfg, logger: logger,
	}
}

// Run captures the slot for every universe entry. Per-symbol failures are
// recorded and skipped; the run fails only on storage or context errors.
func (r *Runner) Run(ctx context.Context, tradeDate time.Time, slot calendar.Slot, entries []universe.Entry, progress *runlog.ProgressLog) (*Result, error) {
	res := &Result{
		IngestID: uuid.NewString(),
		Slot:     slot,
	}
	runType := model.RunIntraday
	view := store.ViewIntraday
	if r.cfg.Close {
		runType = model.RunCloseSnapshot
		view = store.ViewClose
	}

	logger := r.logger.With("ingest_id", res.IngestID, "slot", slot.Label, "run_type", string(runType))
	logger.Info("snapshot run starting", "symbols", len(entries))

	var mu sync.Mutex
	var all []model.MarketRow

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limits.Snapshot.MaxConcurrent)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			rows, discovered, err := r.runSymbol(gctx, tradeDate, slot, entry, runType, res.IngestID)

			mu.Lock()
			defer mu.Unlock()
			res.SymbolsProcessed++
			res.ContractsDiscovered += discovered
			if err != nil {
				var symErr SymbolError
				if se, ok := err.(SymbolError); ok {
					symErr = se
				} else {
					symErr = SymbolError{Symbol: entry.Symbol, Stage: "snapshot", Err: err}
				}
				res.Errors = append(res.Errors, symErr)
				r.recordError(symErr, slot)
				r.progressLine(progress, entry.Symbol, 0, symErr.Error())
				// Context cancellation aborts the whole run.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			all = append(all, rows...)
			r.progressLine(progress, entry.Symbol, len(rows), "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if len(all) == 0 {
		logger.Warn("snapshot run produced no rows")
		r.progressLine(progress, "", 0, "no_contracts")
		return res, nil
	}

	deduped := dedupeRun(all)
	res.RowsWritten = len(deduped)

	if err := r.persist(tradeDate, view, deduped, res); err != nil {
		return res, err
	}

	logger.Info("snapshot run complete",
		"rows", res.RowsWritten,
		"contracts", res.ContractsDiscovered,
		"errors", len(res.Errors),
	)
	return res, nil
}

// runSymbol executes the per-symbol pipeline: reference price, contract
// resolution, exchange-fallback capture.
func (r *Runner) runSymbol(ctx context.Context, tradeDate time.Time, slot calendar.Slot, entry universe.Entry, runType model.RunType, ingestID string) ([]model.MarketRow, int, error) {
	stock, err := QualifyStock(ctx, r.gw, r.limits.Discovery.Bucket, entry.Symbol, entry.Conid)
	if err != nil {
		return nil, 0, SymbolError{Symbol: entry.Symbol, Stage: "qualify_stock", Err: err}
	}

	ref, err := ReferencePrice(ctx, r.gw, r.limits.Historical.Bucket, stock, tradeDate, r.cfg.RefLookbackDays)
	if err != nil {
		return nil, 0, SymbolError{Symbol: entry.Symbol, Stage: "reference_price", Err: err}
	}

	resolved, err := r.resolver.Resolve(ctx, entry.Symbol, stock.Conid, tradeDate, ref)
	if err != nil {
		return nil, 0, SymbolError{Symbol: entry.Symbol, Stage: "resolve_contracts", Err: err}
	}
	for _, d := range resolved.Dropped {
		r.recordError(SymbolError{
			Symbol: entry.Symbol,
			Stage:  "missing_conid",
			Err:    fmt.Errorf("%s: %s", d.Spec.LocalSymbol(), d.Reason),
		}, slot)
	}

	rows, err := r.captureWithFallback(ctx, tradeDate, slot, entry.Symbol, ref, resolved.Contracts, runType, ingestID)
	if err != nil {
		return nil, len(resolved.Contracts), SymbolError{Symbol: entry.Symbol, Stage: "capture", Err: err}
	}
	if len(rows) == 0 {
		return nil, len(resolved.Contracts), SymbolError{Symbol: entry.Symbol, Stage: "capture", Err: fmt.Errorf("no rows captured")}
	}
	return rows, len(resolved.Contracts), nil
}

// captureWithFallback walks primary -> fallbacks -> ANY until an exchange
// yields rows.
func (r *Runner) captureWithFallback(ctx context.Context, tradeDate time.Time, slot calendar.Slot, symbol string, ref float64, contracts []model.ContractSpec, runType model.RunType, ingestID string) ([]model.MarketRow, error) {
	exchanges := append([]string{r.cfg.Exchange}, r.cfg.FallbackExchanges...)
	exchanges = append(exchanges, "ANY")

	var lastErr error
	for i, exch := range exchanges {
		subset := filterExchange(contracts, exch)
		subset = limitStrikesPerSide(subset, ref, r.cfg.StrikesPerSide)
		if len(subset) == 0 {
			continue
		}

		rows, err := r.capture(ctx, tradeDate, slot, symbol, ref, subset, runType, ingestID, i > 0)
		if err != nil {
			lastErr = err
			continue
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// capture subscribes one exchange's contracts and polls to readiness.
func (r *Runner) capture(ctx context.Context, tradeDate time.Time, slot calendar.Slot, symbol string, ref float64, contracts []model.ContractSpec, runType model.RunType, ingestID string, isFallback bool) ([]model.MarketRow, error) {
	if err := r.limits.Snapshot.Wait(ctx); err != nil {
		return nil, err
	}

	sub, err := r.gw.SubscribeQuotes(ctx, contracts, r.cfg.GenericTicks)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	deadline := time.Now().Add(r.cfg.SubTimeout)
	timedOut := false
	var quotes map[int64]model.Quote
	for {
		quotes = sub.Quotes()
		if allReady(contracts, quotes, r.cfg.RequireGreeks) {
			break
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}

	params := rowParams{
		tradeDate:        tradeDate,
		symbol:           symbol,
		referencePrice:   ref,
		ingestID:         ingestID,
		runType:          runType,
		requireGreeks:    r.cfg.RequireGreeks,
		timedOut:         timedOut,
		exchangeFallback: isFallback,
	}
	rows := make([]model.MarketRow, 0, len(contracts))
	for _, c := range contracts {
		rows = append(rows, buildRow(c, quotes[c.Conid], slot, params))
	}
	return rows, nil
}

func allReady(contracts []model.ContractSpec, quotes map[int64]model.Quote, requireGreeks bool) bool {
	for _, c := range contracts {
		if !ready(quotes[c.Conid], requireGreeks) {
			return false
		}
	}
	return true
}

func filterExchange(contracts []model.ContractSpec, exch string) []model.ContractSpec {
	if exch == "ANY" {
		return contracts
	}
	out := make([]model.ContractSpec, 0, len(contracts))
	for _, c := range contracts {
		if strings.EqualFold(c.Exchange, exch) {
			out = append(out, c)
		}
	}
	return out
}

// dedupeRun collapses the union of all symbols' rows on (conid,
// sample_time), keeping the latest asof_ts.
func dedupeRun(rows []model.MarketRow) []model.MarketRow {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Conid != rows[j].Conid {
			return rows[i].Conid < rows[j].Conid
		}
		if !rows[i].SampleTime.Equal(rows[j].SampleTime) {
			return rows[i].SampleTime.Before(rows[j].SampleTime)
		}
		return rows[i].AsOfTS.Before(rows[j].AsOfTS)
	})

	out := rows[:0]
	for i, r := range rows {
		if i+1 < len(rows) &&
			rows[i+1].Conid == r.Conid &&
			rows[i+1].SampleTime.Equal(r.SampleTime) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// persist groups rows by (underlying, exchange) and merge-appends into
// the raw and clean roots.
func (r *Runner) persist(tradeDate time.Time, view store.View, rows []model.MarketRow, res *Result) error {
	type groupKey struct{ sym, exch string }
	groups := make(map[groupKey][]model.MarketRow)
	for _, row := range rows {
		k := groupKey{row.Underlying, row.Exchange}
		groups[k] = append(groups[k], row)
	}

	spec := store.MarketSpec(view)
	for k, group := range groups {
		// Raw keeps the captured values; the intraday raw view only exists
		// for the intraday variant.
		if view == store.ViewIntraday {
			path, _, err := store.Merge(r.lake, r.lake.RawRoot, view, tradeDate, k.sym, k.exch, group, spec)
			if err != nil {
				return fmt.Errorf("merge raw %s/%s: %w", k.sym, k.exch, err)
			}
			res.RawPaths = append(res.RawPaths, path)
		}

		cleaned := clean.Rows(append([]model.MarketRow(nil), group...))
		path, _, err := store.Merge(r.lake, r.lake.CleanRoot, view, tradeDate, k.sym, k.exch, cleaned, spec)
		if err != nil {
			return fmt.Errorf("merge clean %s/%s: %w", k.sym, k.exch, err)
		}
		res.CleanPaths = append(res.CleanPaths, path)
	}
	sort.Strings(res.RawPaths)
	sort.Strings(res.CleanPaths)
	return nil
}

func (r *Runner) recordError(e SymbolError, slot calendar.Slot) {
	if r.errlog == nil {
		return
	}
	idx := slot.Index
	r.errlog.Record(runlog.ErrorEntry{
		Component: "snapshot",
		Stage:     e.Stage,
		Symbol:    e.Symbol,
		Slot:      &idx,
		Error:     e.Err.Error(),
	})
}

func (r *Runner) progressLine(progress *runlog.ProgressLog, symbol string, rows int, errMsg string) {
	if progress == nil {
		return
	}
	line := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"symbol": symbol,
		"rows":   rows,
	}
	if errMsg != "" {
		line["error"] = errMsg
	}
	if symbol == "" && errMsg == "no_contracts" {
		line = map[string]any{
			"ts":     time.Now().UTC().Format(time.RFC3339),
			"status": "no_contracts",
		}
	}
	progress.Record(line)
}
