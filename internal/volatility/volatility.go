// Package volatility captures per-symbol implied and historical
// volatility, either as a live snapshot or as a multi-day backfill of
// the broker's volatility bars.
package volatility

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/snapshot"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

// Config controls the volatility capture.
type Config struct {
	GenericTicks string        // must include 106 for the IV tick
	Timeout      time.Duration // IV poll budget per symbol
	PollInterval time.Duration
	Exchange     string // partition label, default SMART
}

// Result summarizes one run.
type Result struct {
	IngestID string
	Rows     int
	Errors   []error
}

// Runner captures volatility rows.
type Runner struct {
	gw         ibgate.Gateway
	snapBucket *ratelimit.Bucket // market-data subscriptions
	histBucket *ratelimit.Bucket // historical bars
	lake       store.Config
	errlog     *runlog.ErrorLog
	cfg        Config
	logger     *slog.Logger
}

// New wires a volatility runner.
func New(gw ibgate.Gateway, snapBucket, histBucket *ratelimit.Bucket, lake store.Config, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GenericTicks == "" {
		cfg.GenericTicks = "106"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "SMART"
	}
	return &Runner{gw: gw, snapBucket: snapBucket, histBucket: histBucket,
		lake: lake, errlog: errlog, cfg: cfg, logger: logger}
}

// RunSnapshot captures one (iv_30d, hv_30d) row per symbol for
// tradeDate: IV from a live subscription with the volatility tick, HV
// from the broker's historical-volatility bars.
func (r *Runner) RunSnapshot(ctx context.Context, tradeDate time.Time, symbols []universe.Entry) (*Result, error) {
	res := &Result{IngestID: uuid.NewString()}
	logger := r.logger.With("ingest_id", res.IngestID, "date", tradeDate.Format("2006-01-02"))

	for _, entry := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row, err := r.snapshotSymbol(ctx, tradeDate, entry)
		if err != nil {
			r.recordError(entry.Symbol, "snapshot", err, res)
			continue
		}
		row.IngestID = res.IngestID
		if err := r.persist(tradeDate, entry.Symbol, []model.VolRow{*row}); err != nil {
			return res, err
		}
		res.Rows++
	}

	logger.Info("volatility snapshot complete", "rows", res.Rows, "errors", len(res.Errors))
	return res, nil
}

func (r *Runner) snapshotSymbol(ctx context.Context, tradeDate time.Time, entry universe.Entry) (*model.VolRow, error) {
	stock, err := snapshot.QualifyStock(ctx, r.gw, r.snapBucket, entry.Symbol, entry.Conid)
	if err != nil {
		return nil, err
	}

	iv, err := r.pollIV(ctx, stock)
	if err != nil {
		return nil, err
	}
	hv, err := r.historicalVol(ctx, stock, tradeDate)
	if err != nil {
		return nil, err
	}
	if iv == nil && hv == nil {
		return nil, fmt.Errorf("no volatility data for %s", entry.Symbol)
	}

	return &model.VolRow{
		TradeDate:     midnightUTC(tradeDate),
		Symbol:        stock.Symbol,
		Exchange:      r.cfg.Exchange,
		IV30D:         iv,
		HV30D:         hv,
		AsOfTS:        time.Now().UTC(),
		IngestRunType: string(model.RunVolatility),
		Source:        "IBKR",
	}, nil
}

// pollIV subscribes with the volatility tick and waits for a numeric
// implied volatility. Timeout yields nil rather than an error so a dead
// IV feed still produces the HV half of the row.
func (r *Runner) pollIV(ctx context.Context, stock model.ContractSpec) (*float64, error) {
	if err := r.snapBucket.Wait(ctx); err != nil {
		return nil, err
	}
	sub, err := r.gw.SubscribeQuotes(ctx, []model.ContractSpec{stock}, r.cfg.GenericTicks)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	deadline := time.Now().Add(r.cfg.Timeout)
	for {
		if q, ok := sub.Quotes()[stock.Conid]; ok {
			if q.IV != nil && !math.IsNaN(*q.IV) {
				return q.IV, nil
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

// historicalVol fetches two days of historical-volatility bars and
// picks the one matching tradeDate.
func (r *Runner) historicalVol(ctx context.Context, stock model.ContractSpec, tradeDate time.Time) (*float64, error) {
	bars, err := r.volBars(ctx, stock, tradeDate, "2 D", "HISTORICAL_VOLATILITY")
	if err != nil {
		if ibgate.Classify(err) == ibgate.KindNoData {
			return nil, nil
		}
		return nil, err
	}
	want := midnightUTC(tradeDate)
	for _, b := range bars {
		if midnightUTC(b.TS).Equal(want) {
			v := b.Close
			return &v, nil
		}
	}
	return nil, nil
}

// RunBackfill fills days of IV and HV rows ending at endDate.
func (r *Runner) RunBackfill(ctx context.Context, endDate time.Time, days int, symbols []universe.Entry) (*Result, error) {
	if days <= 0 {
		days = 30
	}
	res := &Result{IngestID: uuid.NewString()}
	logger := r.logger.With("ingest_id", res.IngestID, "end", endDate.Format("2006-01-02"), "days", days)
	duration := fmt.Sprintf("%d D", days)

	for _, entry := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		stock, err := snapshot.QualifyStock(ctx, r.gw, r.snapBucket, entry.Symbol, entry.Conid)
		if err != nil {
			r.recordError(entry.Symbol, "backfill", err, res)
			continue
		}

		ivBars, err := r.volBars(ctx, stock, endDate, duration, "OPTION_IMPLIED_VOLATILITY")
		if err != nil && ibgate.Classify(err) != ibgate.KindNoData {
			r.recordError(entry.Symbol, "backfill", err, res)
			continue
		}
		hvBars, err := r.volBars(ctx, stock, endDate, duration, "HISTORICAL_VOLATILITY")
		if err != nil && ibgate.Classify(err) != ibgate.KindNoData {
			r.recordError(entry.Symbol, "backfill", err, res)
			continue
		}

		rows := mergeVolBars(stock.Symbol, r.cfg.Exchange, ivBars, hvBars, res.IngestID)
		for _, row := range rows {
			if err := r.persist(row.TradeDate, stock.Symbol, []model.VolRow{row}); err != nil {
				return res, err
			}
		}
		res.Rows += len(rows)
	}

	logger.Info("volatility backfill complete", "rows", res.Rows, "errors", len(res.Errors))
	return res, nil
}

func (r *Runner) volBars(ctx context.Context, stock model.ContractSpec, end time.Time, duration, whatToShow string) ([]ibgate.Bar, error) {
	if err := r.histBucket.Wait(ctx); err != nil {
		return nil, err
	}
	return r.gw.HistoricalBars(ctx, ibgate.HistoricalRequest{
		Contract:    stock,
		EndDateTime: end,
		Duration:    duration,
		BarSize:     "1 day",
		WhatToShow:  whatToShow,
		UseRTH:      true,
	})
}

// mergeVolBars joins IV and HV daily bars on trade date.
func mergeVolBars(symbol, exchange string, ivBars, hvBars []ibgate.Bar, ingestID string) []model.VolRow {
	byDate := make(map[time.Time]*model.VolRow)
	order := make([]time.Time, 0, len(ivBars)+len(hvBars))

	row := func(d time.Time) *model.VolRow {
		if r, ok := byDate[d]; ok {
			return r
		}
		r := &model.VolRow{
			TradeDate:     d,
			Symbol:        symbol,
			Exchange:      exchange,
			AsOfTS:        time.Now().UTC(),
			IngestID:      ingestID,
			IngestRunType: string(model.RunVolatility),
			Source:        "IBKR",
		}
		byDate[d] = r
		order = append(order, d)
		return r
	}

	for _, b := range ivBars {
		v := b.Close
		row(midnightUTC(b.TS)).IV30D = &v
	}
	for _, b := range hvBars {
		v := b.Close
		row(midnightUTC(b.TS)).HV30D = &v
	}

	out := make([]model.VolRow, 0, len(order))
	for _, d := range order {
		out = append(out, *byDate[d])
	}
	return out
}

func (r *Runner) persist(tradeDate time.Time, symbol string, rows []model.VolRow) error {
	_, _, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewVolatility,
		tradeDate, symbol, r.cfg.Exchange, rows, store.VolSpec())
	if err != nil {
		return fmt.Errorf("merge volatility %s: %w", symbol, err)
	}
	return nil
}

func (r *Runner) recordError(symbol, stage string, err error, res *Result) {
	res.Errors = append(res.Errors, fmt.Errorf("%s: %w", symbol, err))
	r.logger.Warn("volatility capture failed", "symbol", symbol, "stage", stage, "error", err)
	if r.errlog != nil {
		r.errlog.Record(runlog.ErrorEntry{
			Component: "volatility",
			Stage:     stage,
			Symbol:    symbol,
			Error:     err.Error(),
		})
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
