// Package history is the bulk historical-bars backfill. It drains a
// persistent contract queue, walks a duration ladder per contract until
// the broker accepts the request, and merge-appends the bars into the
// daily_bars view.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/queue"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
)

// Item is one queued backfill unit. The queue file carries these as
// JSONL, so a stopped or crashed run resumes where it left off.
type Item struct {
	Contract model.ContractSpec `json:"contract"`
	EndDate  string             `json:"end_date,omitempty"` // ISO date, empty = now
}

// Config controls one backfill run.
type Config struct {
	BarSize     string
	WhatToShow  string
	Duration    string // explicit first duration; empty = ladder only
	UseRTH      bool
	Timeout     time.Duration // per historical request
	ThrottleSec int           // pause between contracts
	MaxAttempts int           // duration-ladder length cap
	MaxRetries  int           // pacing retries per duration
	Incremental bool

	// Stop is polled between items. When it reports true the current
	// item goes back to the head of the queue and the run returns.
	Stop func() bool
}

// ContractError records one contract that could not be backfilled.
type ContractError struct {
	Contract model.ContractSpec
	Kind     ibgate.ErrorKind
	Err      error
}

// Result summarizes one backfill run.
type Result struct {
	IngestID    string
	Processed   int
	Skipped     int // expired contracts
	BarsWritten int
	Stopped     bool
	Errors      []ContractError
}

// Runner drains the backfill queue.
type Runner struct {
	gw     ibgate.Gateway
	bucket *ratelimit.Bucket // historical class
	lake   store.Config
	errlog *runlog.ErrorLog
	cfg    Config
	logger *slog.Logger
}

// New wires a backfill runner.
func New(gw ibgate.Gateway, bucket *ratelimit.Bucket, lake store.Config, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BarSize == "" {
		cfg.BarSize = "1 day"
	}
	if cfg.WhatToShow == "" {
		cfg.WhatToShow = "TRADES"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Runner{gw: gw, bucket: bucket, lake: lake, errlog: errlog, cfg: cfg, logger: logger}
}

// Run pops items until the queue is empty or Stop reports true. Each
// item is removed from the persisted file only after its bars are on
// disk; a crash replays at most the in-flight contract, and the
// merge-append makes the replay harmless.
func (r *Runner) Run(ctx context.Context, q *queue.Queue[Item]) (*Result, error) {
	res := &Result{IngestID: uuid.NewString()}
	logger := r.logger.With("ingest_id", res.IngestID, "bar_size", r.cfg.BarSize, "what_to_show", r.cfg.WhatToShow)
	logger.Info("backfill starting", "pending", q.Len())

	today := midnightUTC(time.Now().UTC())

	for {
		if ctx.Err() != nil {
			res.Stopped = true
			return res, q.Save()
		}
		if r.cfg.Stop != nil && r.cfg.Stop() {
			res.Stopped = true
			logger.Info("backfill stop requested", "pending", q.Len())
			return res, q.Save()
		}

		item, err := q.Pop()
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return res, err
		}

		if expired(item.Contract, today) {
			res.Skipped++
			if err := q.Save(); err != nil {
				return res, err
			}
			continue
		}

		n, err := r.backfillContract(ctx, item, res.IngestID)
		if err != nil {
			if ctx.Err() != nil {
				q.PushFront(item)
				res.Stopped = true
				return res, q.Save()
			}
			r.recordError(item.Contract, err, res)
		} else {
			res.Processed++
			res.BarsWritten += n
		}
		if err := q.Save(); err != nil {
			return res, err
		}

		if r.cfg.ThrottleSec > 0 && q.Len() > 0 {
			select {
			case <-ctx.Done():
				res.Stopped = true
				return res, q.Save()
			case <-time.After(time.Duration(r.cfg.ThrottleSec) * time.Second):
			}
		}
	}

	logger.Info("backfill complete",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"bars", res.BarsWritten,
		"errors", len(res.Errors),
	)
	return res, nil
}

// backfillContract fetches bars for one contract and persists them.
func (r *Runner) backfillContract(ctx context.Context, item Item, ingestID string) (int, error) {
	bars, duration, err := r.fetchBars(ctx, item)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	rows := r.toRows(item.Contract, bars, duration, ingestID)
	return r.persist(item.Contract, rows)
}

// fetchBars walks the duration ladder until the broker returns data.
// A duration_limit error advances the ladder; pacing violations retry
// the same rung with exponential sleeps; no_data is a clean empty
// result; anything else fails the contract.
func (r *Runner) fetchBars(ctx context.Context, item Item) ([]ibgate.Bar, string, error) {
	var endTime time.Time
	if item.EndDate != "" {
		d, err := time.Parse("2006-01-02", item.EndDate)
		if err != nil {
			return nil, "", fmt.Errorf("bad end_date %q: %w", item.EndDate, err)
		}
		endTime = d
	}

	var lastErr error
	for _, duration := range r.durations() {
		bars, err := r.request(ctx, item.Contract, endTime, duration)
		if err == nil {
			if len(bars) == 0 {
				continue
			}
			return bars, duration, nil
		}
		lastErr = err

		switch ibgate.Classify(err) {
		case ibgate.KindDurationLimit:
			r.logger.Debug("duration rejected, stepping down",
				"contract", item.Contract.LocalSymbol(), "duration", duration)
			// The rejected rung stays on record even when a shorter one
			// succeeds afterwards.
			if r.errlog != nil {
				r.errlog.Record(runlog.ErrorEntry{
					Component: "backfill",
					Stage:     string(ibgate.KindDurationLimit),
					Symbol:    item.Contract.Symbol,
					Error:     err.Error(),
					Extra:     map[string]any{"duration": duration},
				})
			}
			continue
		case ibgate.KindNoData:
			return nil, duration, nil
		default:
			return nil, "", err
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", nil
}

// request issues one historical call, retrying pacing violations.
func (r *Runner) request(ctx context.Context, c model.ContractSpec, end time.Time, duration string) ([]ibgate.Bar, error) {
	req := ibgate.HistoricalRequest{
		Contract:    c,
		EndDateTime: end,
		Duration:    duration,
		BarSize:     r.cfg.BarSize,
		WhatToShow:  r.cfg.WhatToShow,
		UseRTH:      r.cfg.UseRTH,
		Timeout:     r.cfg.Timeout,
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.bucket.Wait(ctx); err != nil {
			return nil, err
		}
		bars, err := r.gw.HistoricalBars(ctx, req)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if ibgate.Classify(err) != ibgate.KindPacing {
			return nil, err
		}

		sleep := pacingBase << attempt
		r.logger.Warn("pacing violation, backing off",
			"contract", c.LocalSymbol(), "attempt", attempt+1, "sleep", sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

const pacingBase = 2 * time.Second

// durations returns the ladder for the configured bar size, with an
// explicit configured duration tried first, capped at MaxAttempts.
func (r *Runner) durations() []string {
	ladder := durationLadder(r.cfg.BarSize)
	if r.cfg.Duration != "" {
		out := []string{r.cfg.Duration}
		for _, d := range ladder {
			if d != r.cfg.Duration {
				out = append(out, d)
			}
		}
		ladder = out
	}
	if len(ladder) > r.cfg.MaxAttempts {
		ladder = ladder[:r.cfg.MaxAttempts]
	}
	return ladder
}

// durationLadder orders candidate durations largest-first for a bar
// size. Finer bars get shorter ladders since the broker caps the span
// a single request may cover.
func durationLadder(barSize string) []string {
	s := strings.ToLower(barSize)
	switch {
	case strings.Contains(s, "sec"):
		return []string{"2 D", "1 D"}
	case s == "1 min":
		return []string{"1 M", "1 W", "2 D"}
	case strings.Contains(s, "min"):
		return []string{"6 M", "3 M", "1 M", "1 W"}
	case strings.Contains(s, "hour"):
		return []string{"1 Y", "6 M", "3 M", "1 M"}
	case strings.Contains(s, "week"), strings.Contains(s, "month"):
		return []string{"10 Y", "5 Y"}
	default: // daily
		return []string{"10 Y", "5 Y", "2 Y", "1 Y"}
	}
}

// toRows normalizes broker bars into the daily_bars schema.
func (r *Runner) toRows(c model.ContractSpec, bars []ibgate.Bar, duration, ingestID string) []model.BarRow {
	rows := make([]model.BarRow, 0, len(bars))
	for _, b := range bars {
		ts := b.TS.UTC()
		rows = append(rows, model.BarRow{
			TS:            ts,
			TradeDate:     midnightUTC(ts),
			Conid:         c.Conid,
			Symbol:        c.Symbol,
			Exchange:      c.Exchange,
			BarSize:       r.cfg.BarSize,
			WhatToShow:    r.cfg.WhatToShow,
			Open:          b.Open,
			High:          b.High,
			Low:           b.Low,
			Close:         b.Close,
			Volume:        b.Volume,
			WAP:           b.WAP,
			Count:         b.Count,
			UsedDuration:  duration,
			IngestID:      ingestID,
			IngestRunType: string(model.RunBackfill),
			Source:        "IBKR",
		})
	}
	return rows
}

// persist writes rows into per-date daily_bars partitions. In
// incremental mode only bars strictly newer than the newest already on
// disk are written; the merge dedup keeps a full re-run harmless either
// way.
func (r *Runner) persist(c model.ContractSpec, rows []model.BarRow) (int, error) {
	if r.cfg.Incremental {
		cutoff, err := r.maxExistingTS(c)
		if err != nil {
			return 0, err
		}
		if !cutoff.IsZero() {
			kept := rows[:0]
			for _, row := range rows {
				if row.TS.After(cutoff) {
					kept = append(kept, row)
				}
			}
			rows = kept
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	byDate := make(map[time.Time][]model.BarRow)
	for _, row := range rows {
		byDate[row.TradeDate] = append(byDate[row.TradeDate], row)
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	written := 0
	for _, d := range dates {
		_, n, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewDailyBars,
			d, c.Symbol, c.Exchange, byDate[d], store.BarSpec())
		if err != nil {
			return written, fmt.Errorf("merge daily_bars %s %s: %w", c.Symbol, d.Format("2006-01-02"), err)
		}
		written += n
	}
	return written, nil
}

// maxExistingTS finds the newest bar timestamp already stored for the
// contract's symbol, scanning the latest date partition that exists.
func (r *Runner) maxExistingTS(c model.ContractSpec) (time.Time, error) {
	viewDir := filepath.Join(r.lake.CleanRoot, "view="+string(store.ViewDailyBars))
	entries, err := os.ReadDir(viewDir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "date=") {
			dates = append(dates, strings.TrimPrefix(e.Name(), "date="))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, ds := range dates {
		d, err := time.Parse("2006-01-02", ds)
		if err != nil {
			continue
		}
		path := store.PartitionPath(r.lake.CleanRoot, store.ViewDailyBars, d, c.Symbol, c.Exchange)
		rows, err := store.ReadRows[model.BarRow](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return time.Time{}, err
		}
		var max time.Time
		for _, row := range rows {
			if row.Conid == c.Conid && row.BarSize == r.cfg.BarSize &&
				row.WhatToShow == r.cfg.WhatToShow && row.TS.After(max) {
				max = row.TS
			}
		}
		if !max.IsZero() {
			return max, nil
		}
	}
	return time.Time{}, nil
}

// expired reports whether an option contract's expiry has passed.
func expired(c model.ContractSpec, today time.Time) bool {
	if c.SecType != "OPT" || c.Expiry == "" {
		return false
	}
	d, err := time.Parse("2006-01-02", c.Expiry)
	if err != nil {
		return false
	}
	return d.Before(today)
}

func (r *Runner) recordError(c model.ContractSpec, err error, res *Result) {
	kind := ibgate.Classify(err)
	res.Errors = append(res.Errors, ContractError{Contract: c, Kind: kind, Err: err})
	r.logger.Warn("contract backfill failed",
		"contract", c.LocalSymbol(), "kind", string(kind), "error", err)
	if r.errlog != nil {
		r.errlog.Record(runlog.ErrorEntry{
			Component: "backfill",
			Stage:     string(kind),
			Symbol:    c.Symbol,
			Error:     err.Error(),
		})
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
