// Command optlake is the operator CLI for the ingestion pipeline. Each
// subcommand drives one runner: slot snapshots, the close capture, the
// end-of-day rollup, open-interest enrichment, historical backfill, the
// day scheduler, the QA self-check, fundamentals, volatility, and the
// corporate-actions load.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optlake/optlake/internal/clientid"
	"github.com/optlake/optlake/internal/config"
	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/version"
)

const usageText = `usage: optlake <command> [flags]

commands:
  snapshot      capture one intraday slot for the universe
  close         capture the 16:00 close snapshot (frozen data)
  rollup        build daily_clean and daily_adjusted from the day's slots
  enrich        fill open interest on daily_clean (T+1)
  backfill      drain the historical-bars queue
  schedule      plan and run a full trading day (simulate or live)
  qa            run the four-metric self-check for a trade date
  fundamentals  fetch and persist company report rows
  volatility    capture IV/HV rows (snapshot or backfill)
  adjust        load the corporate-actions CSV into the lake

run "optlake <command> -h" for command flags.
`

// Exit codes: 0 success, 1 runtime failure, 2 bad flags or arguments.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "snapshot":
		return cmdSnapshot(rest, false)
	case "close":
		return cmdSnapshot(rest, true)
	case "rollup":
		return cmdRollup(rest)
	case "enrich":
		return cmdEnrich(rest)
	case "backfill":
		return cmdBackfill(rest)
	case "schedule":
		return cmdSchedule(rest)
	case "qa":
		return cmdQA(rest)
	case "fundamentals":
		return cmdFundamentals(rest)
	case "volatility":
		return cmdVolatility(rest)
	case "adjust":
		return cmdAdjust(rest)
	case "version":
		fmt.Println(version.String())
		return exitOK
	case "help", "-h", "-help", "--help":
		fmt.Print(usageText)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		return exitUsage
	}
}

// app bundles the plumbing every subcommand needs: validated config, the
// default logger, the lake layout, rate-limit classes, the error log and
// the optional run ledger, all under a signal-cancelled context.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	lake   store.Config
	limits *ratelimit.Classes
	errlog *runlog.ErrorLog
	ledger *runlog.Ledger

	ctx    context.Context
	cancel context.CancelFunc
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting optlake",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	ledger, err := runlog.OpenLedger(ctx, cfg.Ledger.DSN, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		lake: store.Config{
			RawRoot:       cfg.Paths.Raw,
			CleanRoot:     cfg.Paths.Clean,
			StreamingRoot: cfg.Paths.Streaming,
			HotDays:       cfg.Storage.HotDays,
			HotCodec:      cfg.Storage.HotCodec,
			ColdCodec:     cfg.Storage.ColdCodec,
			ColdLevel:     cfg.Storage.ColdCodecLevel,
		},
		limits: ratelimit.NewClasses(
			classConfig(cfg.RateLimits.Discovery),
			classConfig(cfg.RateLimits.Snapshot),
			classConfig(cfg.RateLimits.Historical),
		),
		errlog: runlog.NewErrorLog(cfg.Paths.RunLogs),
		ledger: ledger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (a *app) close() {
	a.ledger.Close()
	if a.errlog != nil {
		a.errlog.Close()
	}
	a.cancel()
}

// connect opens a broker session. withStream dials the websocket quote
// stream; historical-only commands skip it.
func (a *app) connect(withStream bool) (*ibgate.Session, error) {
	ib := a.cfg.IB
	return ibgate.Connect(a.ctx, ibgate.SessionConfig{
		Host:     ib.Host,
		Port:     ib.Port,
		ClientID: ib.ClientID,
		Pool: clientid.Config{
			Role:      ib.ClientIDPool.Role,
			Min:       ib.ClientIDPool.Min,
			Max:       ib.ClientIDPool.Max,
			Randomize: ib.ClientIDPool.Randomize,
			StateDir:  ib.ClientIDPool.StateDir,
			LockTTL:   ib.ClientIDPool.LockTTL,
		},
		MarketDataType: model.MarketDataType(ib.MarketDataType),
		ConnectTimeout: ib.ConnectTimeout,
		MaxRetries:     ib.MaxRetries,
		WithStream:     withStream,
	}, a.logger)
}

// record writes one row to the run ledger. A disabled ledger is a no-op.
func (a *app) record(runType model.RunType, ingestID string, tradeDate, startedAt time.Time, rows, symbols, errCount int) {
	err := a.ledger.Record(a.ctx, runlog.RunRecord{
		IngestID:    ingestID,
		RunType:     string(runType),
		TradeDate:   tradeDate,
		StartedAt:   startedAt,
		FinishedAt:  time.Now().UTC(),
		RowsWritten: rows,
		Symbols:     symbols,
		Errors:      errCount,
	})
	if err != nil {
		a.logger.Warn("ledger record failed", "error", err, "ingest_id", ingestID)
	}
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func classConfig(rc config.RateClass) ratelimit.ClassConfig {
	return ratelimit.ClassConfig{
		PerMinute:     rc.PerMinute,
		Burst:         rc.Burst,
		MaxConcurrent: rc.MaxConcurrent,
	}
}
