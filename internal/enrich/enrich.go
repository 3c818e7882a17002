// Package enrich is the T+1 pass that fills open interest the snapshot
// slots missed and re-emits the daily views.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/adjust"
	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
)

// Config controls the OI subscription pass.
type Config struct {
	GenericTicks string // must include 101 for open-interest ticks
	Timeout      time.Duration
	PollInterval time.Duration
}

// Result summarizes one enrichment run.
type Result struct {
	IngestID   string
	Partitions int
	Candidates int
	Enriched   int
	Unresolved int
}

// Runner fills open interest on the daily_clean view.
type Runner struct {
	gw       ibgate.Gateway
	bucket   *ratelimit.Bucket // historical class
	lake     store.Config
	adjuster *adjust.Adjuster
	errlog   *runlog.ErrorLog
	cfg      Config
	logger   *slog.Logger
}

// New wires an enrichment runner.
func New(gw ibgate.Gateway, bucket *ratelimit.Bucket, lake store.Config, adjuster *adjust.Adjuster, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GenericTicks == "" {
		cfg.GenericTicks = "101"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Runner{gw: gw, bucket: bucket, lake: lake, adjuster: adjuster, errlog: errlog, cfg: cfg, logger: logger}
}

// Run enriches every daily_clean partition for tradeDate. Re-running is
// a no-op for rows already enriched.
func (r *Runner) Run(ctx context.Context, tradeDate time.Time) (*Result, error) {
	res := &Result{IngestID: uuid.NewString()}
	logger := r.logger.With("ingest_id", res.IngestID, "date", tradeDate.Format("2006-01-02"))

	parts, err := store.ListPartitions(r.lake.CleanRoot, store.ViewDailyClean, tradeDate)
	if err != nil {
		return nil, err
	}

	for _, part := range parts {
		if err := r.enrichPartition(ctx, tradeDate, part, res); err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			r.recordError(part.Symbol, err)
			continue
		}
		res.Partitions++
	}

	logger.Info("enrichment complete",
		"partitions", res.Partitions,
		"candidates", res.Candidates,
		"enriched", res.Enriched,
		"unresolved", res.Unresolved,
	)
	return res, nil
}

// enrichPartition updates one (symbol, exchange) daily partition.
func (r *Runner) enrichPartition(ctx context.Context, tradeDate time.Time, part store.Partition, res *Result) error {
	rows, err := store.ReadRows[model.MarketRow](part.Path)
	if err != nil {
		return err
	}

	needIdx := make([]int, 0, len(rows))
	for i, row := range rows {
		if needsOI(row) {
			needIdx = append(needIdx, i)
		}
	}
	res.Candidates += len(needIdx)
	if len(needIdx) == 0 {
		return nil
	}

	var records []model.EnrichmentRecord
	updated := false
	for _, i := range needIdx {
		row := &rows[i]
		oi, err := r.fetchOI(ctx, *row)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Unresolved++
			continue
		}
		if oi == nil {
			res.Unresolved++
			continue
		}

		prior := row.OpenInterest
		row.OpenInterest = oi
		d := tradeDate
		row.OIAsOfDate = &d
		flags := row.Flags()
		flags.Remove(model.FlagMissingOI)
		flags.Add(model.FlagOIEnriched)
		row.SetFlags(flags)
		row.IngestID = res.IngestID
		row.IngestRunType = string(model.RunEnrichment)
		updated = true
		res.Enriched++

		records = append(records, model.EnrichmentRecord{
			TradeDate:  tradeDate,
			Conid:      row.Conid,
			Underlying: row.Underlying,
			Exchange:   row.Exchange,
			Field:      "open_interest",
			PriorValue: prior,
			NewValue:   oi,
			UpdateTS:   time.Now().UTC(),
			IngestID:   res.IngestID,
		})
	}

	if !updated {
		return nil
	}

	if _, _, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewEnrichment,
		tradeDate, part.Symbol, part.Exchange, records, store.EnrichmentSpec()); err != nil {
		return fmt.Errorf("merge enrichment records: %w", err)
	}

	if _, _, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewDailyClean,
		tradeDate, part.Symbol, part.Exchange, rows, store.MarketSpec(store.ViewDailyClean)); err != nil {
		return fmt.Errorf("rewrite daily_clean: %w", err)
	}

	adjusted := r.adjuster.Apply(append([]model.MarketRow(nil), rows...))
	if _, err := store.Replace(r.lake, r.lake.CleanRoot, store.ViewDailyAdjusted,
		tradeDate, part.Symbol, part.Exchange, adjusted); err != nil {
		return fmt.Errorf("recompute daily_adjusted: %w", err)
	}
	return nil
}

// needsOI selects rows missing open interest.
func needsOI(row model.MarketRow) bool {
	return row.OpenInterest == nil || row.HasFlag(model.FlagMissingOI)
}

// fetchOI subscribes one contract with the OI tick list and polls for a
// positive value: the side-specific field for the row's right, falling
// back to the plain open-interest field.
func (r *Runner) fetchOI(ctx context.Context, row model.MarketRow) (*float64, error) {
	if err := r.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	spec := model.ContractSpec{
		Conid:    row.Conid,
		Symbol:   row.Underlying,
		Exchange: row.Exchange,
		Right:    model.Right(row.Right),
		SecType:  "OPT",
	}
	sub, err := r.gw.SubscribeQuotes(ctx, []model.ContractSpec{spec}, r.cfg.GenericTicks)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	deadline := time.Now().Add(r.cfg.Timeout)
	for {
		if q, ok := sub.Quotes()[row.Conid]; ok {
			if oi := oiFromQuote(q, model.Right(row.Right)); oi != nil {
				return oi, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func oiFromQuote(q model.Quote, right model.Right) *float64 {
	pick := func(v *float64) *float64 {
		if v != nil && *v > 0 {
			return v
		}
		return nil
	}
	switch right {
	case model.RightCall:
		if v := pick(q.CallOpenInterest); v != nil {
			return v
		}
	case model.RightPut:
		if v := pick(q.PutOpenInterest); v != nil {
			return v
		}
	}
	return pick(q.OpenInterest)
}

func (r *Runner) recordError(symbol string, err error) {
	r.logger.Warn("enrichment partition failed", "symbol", symbol, "error", err)
	if r.errlog != nil {
		r.errlog.Record(runlog.ErrorEntry{
			Component: "enrichment",
			Symbol:    symbol,
			Error:     err.Error(),
		})
	}
}
