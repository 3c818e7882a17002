// Command streamer is the long-running subscription daemon: it holds
// option, spot and bar subscriptions for the configured universe and
// flushes buffered rows into the streaming lake until it receives
// SIGINT or SIGTERM, at which point it drains the buffers and exits.
package main

import (
	"context"
	"flag"
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
	"github.com/optlake/optlake/internal/stream"
	"github.com/optlake/optlake/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/optlake.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, flushing", "signal", sig)
		cancel()
	}()

	session, err := ibgate.Connect(ctx, ibgate.SessionConfig{
		Host:     cfg.IB.Host,
		Port:     cfg.IB.Port,
		ClientID: cfg.IB.ClientID,
		Pool: clientid.Config{
			Role:      cfg.IB.ClientIDPool.Role,
			Min:       cfg.IB.ClientIDPool.Min,
			Max:       cfg.IB.ClientIDPool.Max,
			Randomize: cfg.IB.ClientIDPool.Randomize,
			StateDir:  cfg.IB.ClientIDPool.StateDir,
			LockTTL:   cfg.IB.ClientIDPool.LockTTL,
		},
		MarketDataType: model.MarketDataType(cfg.IB.MarketDataType),
		ConnectTimeout: cfg.IB.ConnectTimeout,
		MaxRetries:     cfg.IB.MaxRetries,
		WithStream:     true,
	}, logger)
	if err != nil {
		logger.Error("broker connect failed", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	lake := store.Config{
		RawRoot:       cfg.Paths.Raw,
		CleanRoot:     cfg.Paths.Clean,
		StreamingRoot: cfg.Paths.Streaming,
		HotDays:       cfg.Storage.HotDays,
		HotCodec:      cfg.Storage.HotCodec,
		ColdCodec:     cfg.Storage.ColdCodec,
		ColdLevel:     cfg.Storage.ColdCodecLevel,
	}
	errlog := runlog.NewErrorLog(cfg.Paths.RunLogs)
	defer errlog.Close()

	ledger, err := runlog.OpenLedger(ctx, cfg.Ledger.DSN, logger)
	if err != nil {
		logger.Error("ledger open failed", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	bucket := ratelimit.NewBucket("snapshot", cfg.RateLimits.Snapshot.PerMinute, cfg.RateLimits.Snapshot.Burst)

	runner := stream.New(session.Gateway, bucket, lake, errlog, stream.Config{
		Underlyings:     cfg.Streaming.Underlyings,
		SpotSymbols:     cfg.Streaming.SpotSymbols,
		BarsSymbols:     cfg.Streaming.BarsSymbols,
		Rights:          cfg.Streaming.Rights,
		StrikesPerSide:  cfg.Streaming.StrikesPerSide,
		RebalanceSteps:  cfg.Streaming.RebalanceThresholdSteps,
		StrikeStep:      cfg.Streaming.StrikeStep,
		GenericTicks:    cfg.CLI.GenericTicks,
		BarsInterval:    time.Duration(cfg.Streaming.BarsIntervalSec) * time.Second,
		FlushInterval:   cfg.Streaming.FlushInterval,
		FlushBufferSize: cfg.Streaming.FlushBufferSize,
		RefLookbackDays: cfg.Reference.MaxLookbackDays,
		Exchange:        cfg.Snapshot.Exchange,
	}, logger)

	start := time.Now().UTC()
	stats, err := runner.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("streamer failed", "error", err)
		os.Exit(1)
	}

	if stats != nil {
		now := time.Now().In(time.UTC)
		recordErr := ledger.Record(context.Background(), runlog.RunRecord{
			IngestID:    stats.IngestID,
			RunType:     string(model.RunStreaming),
			TradeDate:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
			StartedAt:   start,
			FinishedAt:  now,
			RowsWritten: int(stats.OptionRows + stats.SpotRows + stats.BarRows),
			Symbols:     len(cfg.Streaming.Underlyings),
			Errors:      stats.FlushErrors,
		})
		if recordErr != nil {
			logger.Warn("ledger record failed", "error", recordErr)
		}
		logger.Info("streamer stopped",
			"option_rows", stats.OptionRows,
			"spot_rows", stats.SpotRows,
			"bar_rows", stats.BarRows,
			"flushes", stats.Flushes,
			"rebalances", stats.Rebalances,
			"flush_errors", stats.FlushErrors,
		)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
