// Package stream is the long-running subscription daemon: options
// around the money, spot quotes, and sampled spot bars, buffered per
// kind and flushed to the streaming lake on an interval or size
// threshold.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/snapshot"
	"github.com/optlake/optlake/internal/store"
)

// Config controls the streaming daemon.
type Config struct {
	Underlyings    []string // option subscriptions
	SpotSymbols    []string // quote subscriptions
	BarsSymbols    []string // sampled-bar subscriptions
	Rights         []string
	StrikesPerSide int

	// Rebalance the option window when the spot has moved at least
	// RebalanceSteps * StrikeStep from the last rebalance point.
	RebalanceSteps float64
	StrikeStep     float64

	GenericTicks    string
	BarsInterval    time.Duration // bar width
	SampleInterval  time.Duration // quote poll cadence
	FlushInterval   time.Duration
	FlushBufferSize int
	RefLookbackDays int
	Exchange        string
}

// Stats is a point-in-time view of the daemon.
type Stats struct {
	IngestID    string
	OptionRows  int64
	SpotRows    int64
	BarRows     int64
	Flushes     int
	Rebalances  int
	FlushErrors int
}

// Runner is the streaming daemon. Run blocks until the context is
// cancelled, then flushes and cancels every subscription.
type Runner struct {
	gw     ibgate.Gateway
	bucket *ratelimit.Bucket // market-data class
	lake   store.Config
	errlog *runlog.ErrorLog
	cfg    Config
	logger *slog.Logger

	optBuf  *flushBuffer[model.MarketRow]
	spotBuf *flushBuffer[model.MarketRow]
	barBuf  *flushBuffer[model.BarRow]

	mu         sync.Mutex
	optSubs    map[string]*optionWindow // by underlying
	spotSub    ibgate.QuoteSubscription
	spotConids map[string]int64 // symbol -> conid
	stats      Stats
}

// optionWindow is one underlying's live option subscription and the
// spot level it was centered on.
type optionWindow struct {
	stock     model.ContractSpec
	contracts []model.ContractSpec
	sub       ibgate.QuoteSubscription
	center    float64
	lastAsOf  map[int64]time.Time
}

// New wires a streaming runner.
func New(gw ibgate.Gateway, bucket *ratelimit.Bucket, lake store.Config, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Rights) == 0 {
		cfg.Rights = []string{"C", "P"}
	}
	if cfg.StrikesPerSide <= 0 {
		cfg.StrikesPerSide = 5
	}
	if cfg.RebalanceSteps <= 0 {
		cfg.RebalanceSteps = 2
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = 1
	}
	if cfg.BarsInterval <= 0 {
		cfg.BarsInterval = 5 * time.Second
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.FlushBufferSize <= 0 {
		cfg.FlushBufferSize = 5000
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "SMART"
	}
	return &Runner{
		gw:         gw,
		bucket:     bucket,
		lake:       lake,
		errlog:     errlog,
		cfg:        cfg,
		logger:     logger,
		optBuf:     newFlushBuffer[model.MarketRow](1024),
		spotBuf:    newFlushBuffer[model.MarketRow](256),
		barBuf:     newFlushBuffer[model.BarRow](256),
		optSubs:    make(map[string]*optionWindow),
		spotConids: make(map[string]int64),
	}
}

// Run subscribes everything and pumps samples until ctx is cancelled.
// Cancellation (SIGINT in the daemon) triggers a final flush before
// the subscriptions are torn down.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	r.stats.IngestID = uuid.NewString()
	logger := r.logger.With("ingest_id", r.stats.IngestID)

	if err := r.subscribeSpot(ctx); err != nil {
		return r.snapshotStats(), err
	}
	if err := r.subscribeOptions(ctx); err != nil {
		r.teardown()
		return r.snapshotStats(), err
	}
	logger.Info("streaming started",
		"underlyings", len(r.optSubs),
		"spot_symbols", len(r.cfg.SpotSymbols),
		"bars_symbols", len(r.cfg.BarsSymbols),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.sampleLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.flushLoop(ctx)
	}()
	wg.Wait()

	// Final flush after the loops stop.
	r.closeBuffers()
	if err := r.flushAll(time.Now().UTC()); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	r.teardown()

	st := r.snapshotStats()
	logger.Info("streaming stopped",
		"option_rows", st.OptionRows,
		"spot_rows", st.SpotRows,
		"bar_rows", st.BarRows,
		"flushes", st.Flushes,
		"rebalances", st.Rebalances,
	)
	return st, nil
}

// subscribeSpot qualifies and subscribes the spot and bars symbols in
// one subscription.
func (r *Runner) subscribeSpot(ctx context.Context) error {
	symbols := unionSymbols(r.cfg.SpotSymbols, r.cfg.BarsSymbols, r.cfg.Underlyings)
	if len(symbols) == 0 {
		return fmt.Errorf("streaming requires at least one symbol")
	}

	specs := make([]model.ContractSpec, 0, len(symbols))
	for _, sym := range symbols {
		stock, err := snapshot.QualifyStock(ctx, r.gw, r.bucket, sym, nil)
		if err != nil {
			return fmt.Errorf("qualify %s: %w", sym, err)
		}
		specs = append(specs, stock)
		r.spotConids[stock.Symbol] = stock.Conid
	}

	if err := r.bucket.Wait(ctx); err != nil {
		return err
	}
	sub, err := r.gw.SubscribeQuotes(ctx, specs, r.cfg.GenericTicks)
	if err != nil {
		return err
	}
	r.spotSub = sub
	return nil
}

// subscribeOptions builds and subscribes each underlying's window.
func (r *Runner) subscribeOptions(ctx context.Context) error {
	for _, sym := range r.cfg.Underlyings {
		stock, err := snapshot.QualifyStock(ctx, r.gw, r.bucket, sym, nil)
		if err != nil {
			return fmt.Errorf("qualify %s: %w", sym, err)
		}
		spot, err := snapshot.ReferencePrice(ctx, r.gw, r.bucket, stock, time.Now().UTC(), r.cfg.RefLookbackDays)
		if err != nil {
			return fmt.Errorf("reference price %s: %w", sym, err)
		}
		if err := r.openWindow(ctx, stock, spot); err != nil {
			return err
		}
	}
	return nil
}

// openWindow (re)subscribes one underlying's option window centered on
// spot. An existing window is cancelled first.
func (r *Runner) openWindow(ctx context.Context, stock model.ContractSpec, spot float64) error {
	contracts, err := r.buildOptionContracts(ctx, stock, spot)
	if err != nil {
		return fmt.Errorf("option universe %s: %w", stock.Symbol, err)
	}

	var sub ibgate.QuoteSubscription
	if len(contracts) > 0 {
		if err := r.bucket.Wait(ctx); err != nil {
			return err
		}
		sub, err = r.gw.SubscribeQuotes(ctx, contracts, r.cfg.GenericTicks)
		if err != nil {
			return fmt.Errorf("subscribe options %s: %w", stock.Symbol, err)
		}
	}

	r.mu.Lock()
	if old := r.optSubs[stock.Symbol]; old != nil && old.sub != nil {
		old.sub.Cancel()
	}
	r.optSubs[stock.Symbol] = &optionWindow{
		stock:     stock,
		contracts: contracts,
		sub:       sub,
		center:    spot,
		lastAsOf:  make(map[int64]time.Time),
	}
	r.mu.Unlock()
	return nil
}

// sampleLoop turns live quotes into rows on the sample cadence and
// closes spot bars on the bar cadence.
func (r *Runner) sampleLoop(ctx context.Context) {
	sample := time.NewTicker(r.cfg.SampleInterval)
	defer sample.Stop()
	bars := time.NewTicker(r.cfg.BarsInterval)
	defer bars.Stop()

	builders := make(map[string]*barBuilder)
	for _, sym := range r.cfg.BarsSymbols {
		builders[sym] = &barBuilder{}
	}

	for {
		select {
		case <-ctx.Done():
			r.closeBars(builders, time.Now().UTC())
			return
		case now := <-sample.C:
			r.sampleSpot(ctx, now.UTC(), builders)
			r.sampleOptions(now.UTC())
		case now := <-bars.C:
			r.closeBars(builders, now.UTC())
		}
	}
}

// sampleSpot emits spot rows, feeds bar builders, and checks the
// rebalance trigger.
func (r *Runner) sampleSpot(ctx context.Context, now time.Time, builders map[string]*barBuilder) {
	if r.spotSub == nil {
		return
	}
	quotes := r.spotSub.Quotes()

	for _, sym := range r.cfg.SpotSymbols {
		q, ok := quotes[r.spotConids[sym]]
		if !ok || !q.PriceReady() {
			continue
		}
		if r.spotBuf.Add(r.spotRow(sym, q, now)) {
			r.bumpStat(func(s *Stats) { s.SpotRows++ })
		}
	}

	for _, sym := range r.cfg.BarsSymbols {
		q, ok := quotes[r.spotConids[sym]]
		if !ok {
			continue
		}
		if price, ok := lastOrMid(q); ok {
			builders[sym].observe(price, volumeOf(q), now)
		}
	}

	r.maybeRebalance(ctx, quotes)
}

// sampleOptions emits one row per option whose quote advanced since the
// last sample.
func (r *Runner) sampleOptions(now time.Time) {
	r.mu.Lock()
	windows := make([]*optionWindow, 0, len(r.optSubs))
	for _, w := range r.optSubs {
		windows = append(windows, w)
	}
	r.mu.Unlock()

	for _, w := range windows {
		if w.sub == nil {
			continue
		}
		quotes := w.sub.Quotes()
		for _, c := range w.contracts {
			q, ok := quotes[c.Conid]
			if !ok || !q.PriceReady() {
				continue
			}
			asof := q.ServerTime
			if asof.IsZero() {
				// No broker timestamp: emit the first observation only,
				// there is nothing to tell updates apart by.
				if _, seen := w.lastAsOf[c.Conid]; seen {
					continue
				}
				asof = now
			} else if prev, seen := w.lastAsOf[c.Conid]; seen && !asof.After(prev) {
				continue
			}
			w.lastAsOf[c.Conid] = asof
			if r.optBuf.Add(r.optionRow(c, q, now, asof)) {
				r.bumpStat(func(s *Stats) { s.OptionRows++ })
			}
		}
	}
}

// maybeRebalance re-centers option windows that drifted too far from
// their subscription spot.
func (r *Runner) maybeRebalance(ctx context.Context, quotes map[int64]model.Quote) {
	threshold := r.cfg.RebalanceSteps * r.cfg.StrikeStep

	r.mu.Lock()
	type move struct {
		stock model.ContractSpec
		spot  float64
	}
	var moves []move
	for sym, w := range r.optSubs {
		q, ok := quotes[r.spotConids[sym]]
		if !ok {
			continue
		}
		price, ok := lastOrMid(q)
		if !ok {
			continue
		}
		if math.Abs(price-w.center) >= threshold {
			moves = append(moves, move{stock: w.stock, spot: price})
		}
	}
	r.mu.Unlock()

	for _, m := range moves {
		r.logger.Info("rebalancing option window",
			"underlying", m.stock.Symbol, "spot", m.spot)
		if err := r.openWindow(ctx, m.stock, m.spot); err != nil {
			r.recordError(m.stock.Symbol, "rebalance", err)
			continue
		}
		r.bumpStat(func(s *Stats) { s.Rebalances++ })
	}
}

// closeBars emits the finished bar for each bars symbol.
func (r *Runner) closeBars(builders map[string]*barBuilder, now time.Time) {
	for _, sym := range r.cfg.BarsSymbols {
		b := builders[sym]
		if b == nil {
			continue
		}
		bar, ok := b.close()
		if !ok {
			continue
		}
		if r.barBuf.Add(r.barRow(sym, bar, now)) {
			r.bumpStat(func(s *Stats) { s.BarRows++ })
		}
	}
}

// flushLoop drains the buffers on the flush interval, or earlier when
// any buffer crosses the size threshold.
func (r *Runner) flushLoop(ctx context.Context) {
	interval := r.cfg.FlushInterval
	check := interval / 10
	if check < time.Second {
		check = time.Second
	}
	if check > interval {
		check = interval
	}

	ticker := time.NewTicker(check)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := now.Sub(last) >= interval
			full := r.optBuf.Len() >= r.cfg.FlushBufferSize ||
				r.spotBuf.Len() >= r.cfg.FlushBufferSize ||
				r.barBuf.Len() >= r.cfg.FlushBufferSize
			if !due && !full {
				continue
			}
			last = now
			if err := r.flushAll(now.UTC()); err != nil {
				r.logger.Error("flush failed", "error", err)
				r.bumpStat(func(s *Stats) { s.FlushErrors++ })
			}
		}
	}
}

// flushAll writes every buffered row to the streaming lake.
func (r *Runner) flushAll(now time.Time) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(flushMarketRows(r.lake, "options", r.optBuf.Drain()))
	record(flushMarketRows(r.lake, "spot", r.spotBuf.Drain()))
	record(flushBarRows(r.lake, r.barBuf.Drain()))

	r.bumpStat(func(s *Stats) { s.Flushes++ })
	return firstErr
}

func flushMarketRows(lake store.Config, kind string, rows []model.MarketRow) error {
	type partKey struct {
		date     time.Time
		symbol   string
		exchange string
	}
	groups := make(map[partKey][]model.MarketRow)
	for _, row := range rows {
		k := partKey{midnightUTC(row.TradeDate), row.Underlying, row.Exchange}
		groups[k] = append(groups[k], row)
	}
	for k, group := range groups {
		if _, _, err := store.Merge(lake, lake.StreamingRoot, store.StreamingView(kind),
			k.date, k.symbol, k.exchange, group, store.StreamingMarketSpec()); err != nil {
			return fmt.Errorf("flush %s %s: %w", kind, k.symbol, err)
		}
	}
	return nil
}

func flushBarRows(lake store.Config, rows []model.BarRow) error {
	type partKey struct {
		date     time.Time
		symbol   string
		exchange string
	}
	groups := make(map[partKey][]model.BarRow)
	for _, row := range rows {
		k := partKey{midnightUTC(row.TradeDate), row.Symbol, row.Exchange}
		groups[k] = append(groups[k], row)
	}
	for k, group := range groups {
		if _, _, err := store.Merge(lake, lake.StreamingRoot, store.StreamingView("bars"),
			k.date, k.symbol, k.exchange, group, store.BarSpec()); err != nil {
			return fmt.Errorf("flush bars %s: %w", k.symbol, err)
		}
	}
	return nil
}

// spotRow converts a spot quote into a streaming row.
func (r *Runner) spotRow(symbol string, q model.Quote, now time.Time) model.MarketRow {
	asof := q.ServerTime
	if asof.IsZero() {
		asof = now
	}
	return model.MarketRow{
		TradeDate:      midnightUTC(now),
		Conid:          q.Conid,
		Underlying:     symbol,
		Exchange:       r.cfg.Exchange,
		Bid:            q.Bid,
		Ask:            q.Ask,
		Last:           q.Last,
		Volume:         q.Volume,
		MarketDataType: int32(q.MarketDataType),
		AsOfTS:         asof,
		SampleTime:     now,
		IngestID:       r.stats.IngestID,
		IngestRunType:  string(model.RunStreaming),
		Source:         "IBKR",
	}
}

// optionRow converts an option quote into a streaming row.
func (r *Runner) optionRow(c model.ContractSpec, q model.Quote, now, asof time.Time) model.MarketRow {
	row := model.MarketRow{
		TradeDate:      midnightUTC(now),
		Bid:            q.Bid,
		Ask:            q.Ask,
		Last:           q.Last,
		Volume:         q.Volume,
		IV:             q.IV,
		Delta:          q.Delta,
		Gamma:          q.Gamma,
		Theta:          q.Theta,
		Vega:           q.Vega,
		OpenInterest:   q.OpenInterest,
		MarketDataType: int32(q.MarketDataType),
		AsOfTS:         asof,
		SampleTime:     now,
		IngestID:       r.stats.IngestID,
		IngestRunType:  string(model.RunStreaming),
		Source:         "IBKR",
	}
	row.ApplyContract(c)
	if q.Bid != nil && q.Ask != nil {
		mid := (*q.Bid + *q.Ask) / 2
		row.Mid = &mid
	}
	return row
}

func (r *Runner) barRow(symbol string, b closedBar, now time.Time) model.BarRow {
	return model.BarRow{
		TS:            b.start,
		TradeDate:     midnightUTC(b.start),
		Conid:         r.spotConids[symbol],
		Symbol:        symbol,
		Exchange:      r.cfg.Exchange,
		BarSize:       fmt.Sprintf("%d secs", int(r.cfg.BarsInterval.Seconds())),
		WhatToShow:    "TRADES",
		Open:          b.open,
		High:          b.high,
		Low:           b.low,
		Close:         b.close,
		Volume:        b.volume,
		IngestID:      r.stats.IngestID,
		IngestRunType: string(model.RunStreaming),
		Source:        "IBKR",
	}
}

func (r *Runner) closeBuffers() {
	r.optBuf.Close()
	r.spotBuf.Close()
	r.barBuf.Close()
}

func (r *Runner) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spotSub != nil {
		r.spotSub.Cancel()
		r.spotSub = nil
	}
	for _, w := range r.optSubs {
		if w.sub != nil {
			w.sub.Cancel()
		}
	}
	r.optSubs = make(map[string]*optionWindow)
}

func (r *Runner) bumpStat(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Runner) snapshotStats() *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	return &st
}

func (r *Runner) recordError(symbol, stage string, err error) {
	r.logger.Warn("streaming error", "symbol", symbol, "stage", stage, "error", err)
	if r.errlog != nil {
		r.errlog.Record(runlog.ErrorEntry{
			Component: "streaming",
			Stage:     stage,
			Symbol:    symbol,
			Error:     err.Error(),
		})
	}
}

// lastOrMid extracts a price for bar building and rebalance checks.
func lastOrMid(q model.Quote) (float64, bool) {
	if q.Last != nil {
		return *q.Last, true
	}
	if q.Bid != nil && q.Ask != nil {
		return (*q.Bid + *q.Ask) / 2, true
	}
	return 0, false
}

func volumeOf(q model.Quote) float64 {
	if q.Volume == nil {
		return 0
	}
	return float64(*q.Volume)
}

func unionSymbols(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, sym := range list {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
