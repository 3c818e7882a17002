package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/adjust"
	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/enrich"
	"github.com/optlake/optlake/internal/fundamentals"
	"github.com/optlake/optlake/internal/history"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/qa"
	"github.com/optlake/optlake/internal/queue"
	"github.com/optlake/optlake/internal/resolve"
	"github.com/optlake/optlake/internal/rollup"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/schedule"
	"github.com/optlake/optlake/internal/snapshot"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
	"github.com/optlake/optlake/internal/volatility"
)

// tradeDateArg parses -date, defaulting to today in exchange time.
func tradeDateArg(s string) (time.Time, error) {
	if s == "" {
		now := time.Now().In(calendar.Eastern)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return calendar.ParseDate(s)
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "optlake:", err)
	return exitRuntime
}

func cmdSnapshot(args []string, closeRun bool) int {
	name := "snapshot"
	if closeRun {
		name = "close"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	slotArg := fs.String("slot", "now", `slot: "HH:MM", "now" or "next"`)
	universePath := fs.String("universe", "", "override universe CSV")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}
	if !calendar.IsTradingDay(tradeDate) {
		a.logger.Info("not a trading day, nothing to capture", "date", tradeDate.Format("2006-01-02"))
		return exitOK
	}

	grid := calendar.BuildSlotGrid(tradeDate, a.cfg.Snapshot.SlotMinutes)
	var slot calendar.Slot
	if closeRun {
		slot = grid.Slots[grid.CloseSlot()]
	} else {
		grace := time.Duration(a.cfg.CLI.SnapshotGraceSeconds) * time.Second
		slot, err = grid.Resolve(*slotArg, time.Now(), grace)
		if err != nil {
			fmt.Fprintln(os.Stderr, "optlake: bad -slot:", err)
			return exitUsage
		}
	}

	path := *universePath
	if path == "" {
		if closeRun {
			path = a.cfg.Universe.ClosePath()
		} else {
			path = a.cfg.Universe.IntradayPath()
		}
	}
	entries, err := universe.Load(path)
	if err != nil {
		return fail(err)
	}

	session, err := a.connect(true)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	if closeRun && a.cfg.Snapshot.ForceFrozenData {
		if err := session.Gateway.SetMarketDataType(a.ctx, model.MarketDataFrozen); err != nil {
			a.logger.Warn("could not switch to frozen data", "error", err)
		}
	}

	resolver := resolve.New(session.Gateway, a.limits.Discovery.Bucket, resolve.Config{
		CacheDir:            a.cfg.Paths.ContractsCache,
		PrimaryExchange:     a.cfg.Snapshot.Exchange,
		MoneynessPct:        a.cfg.Filters.MoneynessPct,
		ExpiryTypes:         a.cfg.Filters.ExpiryTypes,
		ExpiryMonthsAhead:   a.cfg.Filters.ExpiryMonthsAhead,
		MaxStrikesPerExpiry: a.cfg.Filters.MaxStrikesPerExpiry,
	}, a.logger)

	progress, err := runlog.NewProgressLog(a.cfg.Paths.RunLogs, tradeDate, slot.Label, start)
	if err != nil {
		return fail(err)
	}
	defer progress.Close()

	runner := snapshot.New(session.Gateway, resolver, a.limits, a.lake, a.errlog, snapshot.Config{
		Exchange:          a.cfg.Snapshot.Exchange,
		FallbackExchanges: a.cfg.Snapshot.FallbackExchanges,
		GenericTicks:      a.cfg.Snapshot.GenericTicks,
		StrikesPerSide:    a.cfg.Snapshot.StrikesPerSide,
		SubTimeout:        a.cfg.Snapshot.SubscriptionTimeout,
		PollInterval:      a.cfg.Snapshot.SubscriptionPollIntv,
		RequireGreeks:     a.cfg.Snapshot.RequireGreeks,
		RefLookbackDays:   a.cfg.Reference.MaxLookbackDays,
		Close:             closeRun,
	}, a.logger)

	res, err := runner.Run(a.ctx, tradeDate, slot, entries, progress)
	if err != nil {
		return fail(err)
	}

	runType := model.RunIntraday
	if closeRun {
		runType = model.RunCloseSnapshot
	}
	a.record(runType, res.IngestID, tradeDate, start, res.RowsWritten, res.SymbolsProcessed, len(res.Errors))

	a.logger.Info("snapshot finished",
		"slot", slot.Label,
		"symbols", res.SymbolsProcessed,
		"contracts", res.ContractsDiscovered,
		"rows", res.RowsWritten,
		"errors", len(res.Errors),
	)
	for i, e := range res.Errors {
		if i >= a.cfg.CLI.MaxErrorsShown {
			a.logger.Warn("more errors suppressed", "total", len(res.Errors))
			break
		}
		a.logger.Error("symbol failed", "symbol", e.Symbol, "stage", e.Stage, "error", e.Err)
	}
	return exitOK
}

func cmdRollup(args []string) int {
	fs := flag.NewFlagSet("rollup", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}

	entries, err := universe.Load(a.cfg.Universe.ClosePath())
	if err != nil {
		return fail(err)
	}
	adjuster, err := adjust.Load(a.cfg.Paths.CorporateActions)
	if err != nil {
		return fail(err)
	}

	runner := rollup.New(a.lake, adjuster, rollup.Config{
		CloseSlot:    a.cfg.Rollup.CloseSlot,
		FallbackSlot: a.cfg.Rollup.FallbackSlot,
		SlotMinutes:  a.cfg.Snapshot.SlotMinutes,
	}, a.logger)

	res, err := runner.Run(tradeDate, universe.Symbols(entries))
	if err != nil {
		return fail(err)
	}

	a.record(model.RunEODRollup, res.IngestID, tradeDate, start, res.Contracts, len(entries), 0)
	a.logger.Info("rollup finished",
		"contracts", res.Contracts,
		"strategies", fmt.Sprintf("%v", res.StrategyCounts),
		"clean_partitions", len(res.CleanPaths),
		"adjusted_partitions", len(res.AdjustedPaths),
	)
	return exitOK
}

func cmdEnrich(args []string) int {
	fs := flag.NewFlagSet("enrich", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default previous trading day)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	var tradeDate time.Time
	if *dateStr == "" {
		today, _ := tradeDateArg("")
		tradeDate = calendar.PrevTradingDay(today)
	} else {
		tradeDate, err = calendar.ParseDate(*dateStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
			return exitUsage
		}
	}

	adjuster, err := adjust.Load(a.cfg.Paths.CorporateActions)
	if err != nil {
		return fail(err)
	}

	session, err := a.connect(true)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	runner := enrich.New(session.Gateway, a.limits.Historical.Bucket, a.lake, adjuster, a.errlog, enrich.Config{
		GenericTicks: a.cfg.CLI.GenericTicks,
		Timeout:      a.cfg.Enrichment.OIDuration,
		PollInterval: a.cfg.Snapshot.SubscriptionPollIntv,
	}, a.logger)

	res, err := runner.Run(a.ctx, tradeDate)
	if err != nil {
		return fail(err)
	}

	a.record(model.RunEnrichment, res.IngestID, tradeDate, start, res.Enriched, res.Partitions, res.Unresolved)
	a.logger.Info("enrichment finished",
		"partitions", res.Partitions,
		"candidates", res.Candidates,
		"enriched", res.Enriched,
		"unresolved", res.Unresolved,
	)
	return exitOK
}

func cmdBackfill(args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	queuePath := fs.String("queue", "", "queue file (default <paths.state>/backfill_queue.jsonl)")
	seed := fs.Bool("seed", false, "seed the queue with the universe's stock contracts")
	endStr := fs.String("end", "", "end date YYYY-MM-DD for seeded items (default now)")
	universePath := fs.String("universe", "", "override universe CSV")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	qpath := *queuePath
	if qpath == "" {
		qpath = filepath.Join(a.cfg.Paths.State, "backfill_queue.jsonl")
	}
	q, err := queue.Load[history.Item](qpath)
	if err != nil {
		return fail(err)
	}

	session, err := a.connect(false)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	if *seed {
		path := *universePath
		if path == "" {
			path = a.cfg.Universe.IntradayPath()
		}
		entries, err := universe.Load(path)
		if err != nil {
			return fail(err)
		}
		for _, e := range entries {
			spec, err := snapshot.QualifyStock(a.ctx, session.Gateway, a.limits.Discovery.Bucket, e.Symbol, e.Conid)
			if err != nil {
				a.logger.Error("seed qualify failed", "symbol", e.Symbol, "error", err)
				continue
			}
			q.Push(history.Item{Contract: spec, EndDate: *endStr})
		}
		if err := q.Save(); err != nil {
			return fail(err)
		}
		a.logger.Info("queue seeded", "items", q.Len(), "queue", qpath)
	}

	acq := a.cfg.Acquisition
	runner := history.New(session.Gateway, a.limits.Historical.Bucket, a.lake, a.errlog, history.Config{
		BarSize:     acq.BarSize,
		WhatToShow:  acq.WhatToShow,
		Duration:    acq.Duration,
		UseRTH:      acq.UseRTH,
		Timeout:     acq.HistoricalTimeout,
		ThrottleSec: acq.ThrottleSec,
		MaxAttempts: acq.MaxDurationAttempts,
		MaxRetries:  acq.MaxRetries,
		Incremental: acq.Incremental,
	}, a.logger)

	res, err := runner.Run(a.ctx, q)
	if err != nil {
		return fail(err)
	}

	today, _ := tradeDateArg("")
	a.record(model.RunBackfill, res.IngestID, today, start, res.BarsWritten, res.Processed, len(res.Errors))
	a.logger.Info("backfill finished",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"bars", res.BarsWritten,
		"stopped", res.Stopped,
		"errors", len(res.Errors),
		"remaining", q.Len(),
	)
	for i, e := range res.Errors {
		if i >= a.cfg.CLI.MaxErrorsShown {
			a.logger.Warn("more errors suppressed", "total", len(res.Errors))
			break
		}
		a.logger.Error("contract failed", "contract", e.Contract.LocalSymbol(), "kind", string(e.Kind), "error", e.Err)
	}
	return exitOK
}

func cmdSchedule(args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	mode := fs.String("mode", "simulate", `"simulate" or "live"`)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *mode != "simulate" && *mode != "live" {
		fmt.Fprintf(os.Stderr, "optlake: bad -mode %q\n", *mode)
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}

	sched := schedule.New(schedule.Config{
		SlotMinutes:  a.cfg.Snapshot.SlotMinutes,
		MisfireGrace: time.Duration(a.cfg.CLI.SnapshotGraceSeconds) * time.Second,
	}, a.logger)

	entries, err := universe.Load(a.cfg.Universe.IntradayPath())
	if err != nil {
		return fail(err)
	}
	closeEntries, err := universe.Load(a.cfg.Universe.ClosePath())
	if err != nil {
		return fail(err)
	}

	jobs := sched.PlanDay(tradeDate, universe.Symbols(entries), nil)
	if len(jobs) == 0 {
		a.logger.Info("non-trading day, no jobs planned", "date", tradeDate.Format("2006-01-02"))
		return exitOK
	}

	adjuster, err := adjust.Load(a.cfg.Paths.CorporateActions)
	if err != nil {
		return fail(err)
	}

	session, err := a.connect(true)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	resolver := resolve.New(session.Gateway, a.limits.Discovery.Bucket, resolve.Config{
		CacheDir:            a.cfg.Paths.ContractsCache,
		PrimaryExchange:     a.cfg.Snapshot.Exchange,
		MoneynessPct:        a.cfg.Filters.MoneynessPct,
		ExpiryTypes:         a.cfg.Filters.ExpiryTypes,
		ExpiryMonthsAhead:   a.cfg.Filters.ExpiryMonthsAhead,
		MaxStrikesPerExpiry: a.cfg.Filters.MaxStrikesPerExpiry,
	}, a.logger)

	snapCfg := snapshot.Config{
		Exchange:          a.cfg.Snapshot.Exchange,
		FallbackExchanges: a.cfg.Snapshot.FallbackExchanges,
		GenericTicks:      a.cfg.Snapshot.GenericTicks,
		StrikesPerSide:    a.cfg.Snapshot.StrikesPerSide,
		SubTimeout:        a.cfg.Snapshot.SubscriptionTimeout,
		PollInterval:      a.cfg.Snapshot.SubscriptionPollIntv,
		RequireGreeks:     a.cfg.Snapshot.RequireGreeks,
		RefLookbackDays:   a.cfg.Reference.MaxLookbackDays,
	}
	closeCfg := snapCfg
	closeCfg.Close = true

	snapRunner := snapshot.New(session.Gateway, resolver, a.limits, a.lake, a.errlog, snapCfg, a.logger)
	closeRunner := snapshot.New(session.Gateway, resolver, a.limits, a.lake, a.errlog, closeCfg, a.logger)
	rollupRunner := rollup.New(a.lake, adjuster, rollup.Config{
		CloseSlot:    a.cfg.Rollup.CloseSlot,
		FallbackSlot: a.cfg.Rollup.FallbackSlot,
		SlotMinutes:  a.cfg.Snapshot.SlotMinutes,
	}, a.logger)
	enrichRunner := enrich.New(session.Gateway, a.limits.Historical.Bucket, a.lake, adjuster, a.errlog, enrich.Config{
		GenericTicks: a.cfg.CLI.GenericTicks,
		Timeout:      a.cfg.Enrichment.OIDuration,
		PollInterval: a.cfg.Snapshot.SubscriptionPollIntv,
	}, a.logger)

	grid := calendar.BuildSlotGrid(tradeDate, a.cfg.Snapshot.SlotMinutes)

	runSlot := func(ctx context.Context, runner *snapshot.Runner, slot calendar.Slot, entries []universe.Entry, rt model.RunType) error {
		start := time.Now().UTC()
		progress, err := runlog.NewProgressLog(a.cfg.Paths.RunLogs, tradeDate, slot.Label, start)
		if err != nil {
			return err
		}
		res, err := runner.Run(ctx, tradeDate, slot, entries, progress)
		progress.Close()
		if err != nil {
			return err
		}
		a.record(rt, res.IngestID, tradeDate, start, res.RowsWritten, res.SymbolsProcessed, len(res.Errors))
		return nil
	}

	handler := func(ctx context.Context, job schedule.Job) error {
		switch job.Kind {
		case schedule.KindSnapshot:
			return runSlot(ctx, snapRunner, grid.Slots[job.Slot], entries, model.RunIntraday)

		case schedule.KindCloseSnapshotRollup:
			if a.cfg.Snapshot.ForceFrozenData {
				if err := session.Gateway.SetMarketDataType(ctx, model.MarketDataFrozen); err != nil {
					a.logger.Warn("could not switch to frozen data", "error", err)
				}
				defer func() {
					if err := session.Gateway.SetMarketDataType(ctx, model.MarketDataType(a.cfg.IB.MarketDataType)); err != nil {
						a.logger.Warn("could not restore market data type", "error", err)
					}
				}()
			}
			if err := runSlot(ctx, closeRunner, grid.Slots[grid.CloseSlot()], closeEntries, model.RunCloseSnapshot); err != nil {
				return err
			}
			start := time.Now().UTC()
			res, err := rollupRunner.Run(tradeDate, universe.Symbols(closeEntries))
			if err != nil {
				return err
			}
			a.record(model.RunEODRollup, res.IngestID, tradeDate, start, res.Contracts, len(closeEntries), 0)
			return nil

		case schedule.KindEnrichment:
			start := time.Now().UTC()
			res, err := enrichRunner.Run(ctx, tradeDate)
			if err != nil {
				return err
			}
			a.record(model.RunEnrichment, res.IngestID, tradeDate, start, res.Enriched, res.Partitions, res.Unresolved)
			return nil
		}
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}

	var outcome *schedule.Outcome
	if *mode == "live" {
		outcome, err = sched.Live(a.ctx, jobs, handler)
	} else {
		outcome, err = sched.Simulate(a.ctx, jobs, handler)
	}
	if outcome != nil {
		a.logger.Info("day finished",
			"planned", outcome.Planned,
			"executed", outcome.Executed,
			"skipped", outcome.Skipped,
			"failed", len(outcome.Errors),
		)
	}
	if err != nil {
		return fail(err)
	}
	return exitOK
}

func cmdQA(args []string) int {
	fs := flag.NewFlagSet("qa", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}

	checker := qa.New(a.lake, qa.Thresholds{
		SlotCoverageMin:   a.cfg.QA.SlotCoverageMin,
		DelayedRatioMax:   a.cfg.QA.DelayedRatioMax,
		FallbackRatioMax:  a.cfg.QA.FallbackRatioMax,
		OICoverageMin:     a.cfg.QA.OICoverageMin,
		ExpectedSlotCount: a.cfg.QA.ExpectedSlotCount,
		SlotMinutes:       a.cfg.Snapshot.SlotMinutes,
	}, a.logger)

	rep, err := checker.Run(tradeDate, a.cfg.Paths.RunLogs)
	if err != nil {
		return fail(err)
	}

	for _, m := range rep.Metrics {
		a.logger.Info("metric",
			"name", m.Name,
			"value", fmt.Sprintf("%.4f", m.Value),
			"threshold", m.Threshold,
			"comparator", m.Comparator,
			"pass", m.Pass,
		)
	}
	a.logger.Info("self-check finished",
		"date", tradeDate.Format("2006-01-02"),
		"status", rep.Status,
		"intraday_rows", rep.IntradayRows,
		"daily_rows", rep.DailyRows,
		"breaches", len(rep.Breaches),
	)
	if rep.Status != "PASS" {
		for _, b := range rep.Breaches {
			a.logger.Error("threshold breached", "metric", b)
		}
		return exitRuntime
	}
	return exitOK
}

func cmdFundamentals(args []string) int {
	fs := flag.NewFlagSet("fundamentals", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	universePath := fs.String("universe", "", "override universe CSV")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	if a.cfg.Fundamentals.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "optlake: fundamentals.base_url is not configured")
		return exitUsage
	}

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}

	path := *universePath
	if path == "" {
		path = a.cfg.Universe.IntradayPath()
	}
	entries, err := universe.Load(path)
	if err != nil {
		return fail(err)
	}

	client := fundamentals.NewClient(a.cfg.Fundamentals.BaseURL)
	runner := fundamentals.New(client, a.lake, a.errlog, fundamentals.Config{
		CacheDir:    a.cfg.Fundamentals.CacheDir,
		CacheTTL:    a.cfg.Fundamentals.CacheTTL,
		ReportTypes: a.cfg.Fundamentals.ReportTypes,
	}, a.logger)

	res, err := runner.Run(a.ctx, tradeDate, entries)
	if err != nil {
		return fail(err)
	}

	a.record(model.RunFundamentals, res.IngestID, tradeDate, start, res.Rows, len(entries), len(res.Errors))
	a.logger.Info("fundamentals finished",
		"fetched", res.Fetched,
		"cache_hits", res.CacheHits,
		"rows", res.Rows,
		"errors", len(res.Errors),
	)
	for i, e := range res.Errors {
		if i >= a.cfg.CLI.MaxErrorsShown {
			a.logger.Warn("more errors suppressed", "total", len(res.Errors))
			break
		}
		a.logger.Error("report failed", "error", e)
	}
	return exitOK
}

func cmdVolatility(args []string) int {
	fs := flag.NewFlagSet("volatility", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	dateStr := fs.String("date", "", "trade date YYYY-MM-DD (default today ET)")
	mode := fs.String("mode", "snapshot", `"snapshot" or "backfill"`)
	days := fs.Int("days", 0, "backfill lookback days (default volatility.backfill_days)")
	universePath := fs.String("universe", "", "override universe CSV")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *mode != "snapshot" && *mode != "backfill" {
		fmt.Fprintf(os.Stderr, "optlake: bad -mode %q\n", *mode)
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	tradeDate, err := tradeDateArg(*dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "optlake: bad -date:", err)
		return exitUsage
	}

	path := *universePath
	if path == "" {
		path = a.cfg.Universe.IntradayPath()
	}
	entries, err := universe.Load(path)
	if err != nil {
		return fail(err)
	}

	session, err := a.connect(*mode == "snapshot")
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	runner := volatility.New(session.Gateway, a.limits.Snapshot.Bucket, a.limits.Historical.Bucket, a.lake, a.errlog, volatility.Config{
		Timeout:      a.cfg.Volatility.Timeout,
		PollInterval: a.cfg.Snapshot.SubscriptionPollIntv,
	}, a.logger)

	var res *volatility.Result
	if *mode == "snapshot" {
		res, err = runner.RunSnapshot(a.ctx, tradeDate, entries)
	} else {
		n := *days
		if n <= 0 {
			n = a.cfg.Volatility.BackfillDays
		}
		res, err = runner.RunBackfill(a.ctx, tradeDate, n, entries)
	}
	if err != nil {
		return fail(err)
	}

	a.record(model.RunVolatility, res.IngestID, tradeDate, start, res.Rows, len(entries), len(res.Errors))
	a.logger.Info("volatility finished", "mode", *mode, "rows", res.Rows, "errors", len(res.Errors))
	for i, e := range res.Errors {
		if i >= a.cfg.CLI.MaxErrorsShown {
			a.logger.Warn("more errors suppressed", "total", len(res.Errors))
			break
		}
		a.logger.Error("symbol failed", "error", e)
	}
	return exitOK
}

func cmdAdjust(args []string) int {
	fs := flag.NewFlagSet("adjust", flag.ContinueOnError)
	configPath := fs.String("config", "configs/optlake.yaml", "path to config file")
	actionsPath := fs.String("actions", "", "corporate-actions CSV (default paths.corporate_actions)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	start := time.Now().UTC()

	path := *actionsPath
	if path == "" {
		path = a.cfg.Paths.CorporateActions
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "optlake: no corporate-actions CSV configured, pass -actions")
		return exitUsage
	}

	adjuster, err := adjust.Load(path)
	if err != nil {
		return fail(err)
	}
	for _, d := range adjuster.Dropped() {
		a.logger.Warn("dropped actions row", "line", d.Line, "reason", d.Reason)
	}

	ingestID := uuid.New().String()
	rows := adjuster.Rows(ingestID)
	if len(rows) == 0 {
		a.logger.Info("no corporate actions to persist", "file", path)
		return exitOK
	}

	// One partition per (symbol, event date).
	type partKey struct {
		symbol string
		date   time.Time
	}
	groups := make(map[partKey][]model.CorporateActionRow)
	for _, r := range rows {
		k := partKey{symbol: r.Symbol, date: r.EventDate}
		groups[k] = append(groups[k], r)
	}

	written := 0
	for k, g := range groups {
		_, n, err := store.Merge(a.lake, a.lake.CleanRoot, store.ViewCorporateActions, k.date, k.symbol, "SMART", g, store.CorporateActionSpec())
		if err != nil {
			return fail(err)
		}
		written += n
	}

	today, _ := tradeDateArg("")
	a.record(model.RunType("corporate_actions"), ingestID, today, start, written, len(groups), len(adjuster.Dropped()))
	a.logger.Info("corporate actions persisted", "events", len(rows), "partitions", len(groups), "rows", written)
	return exitOK
}
