package config

import (
	"path/filepath"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultIBHost          = "127.0.0.1"
	DefaultIBPort          = 4001
	DefaultMarketDataType  = 1
	DefaultConnectTimeout  = 15 * time.Second
	DefaultConnectRetries  = 3
	DefaultPoolRole        = "ingest"
	DefaultPoolMin         = 10
	DefaultPoolMax         = 39
	DefaultLockTTL         = 30 * time.Minute
	DefaultTimezone        = "America/New_York"
	DefaultMoneynessPct    = 0.30
	DefaultMaxLookbackDays = 3

	DefaultDiscoveryPerMin    = 5
	DefaultDiscoveryBurst     = 5
	DefaultSnapshotPerMin     = 20
	DefaultSnapshotBurst      = 10
	DefaultSnapshotConcurrent = 4
	DefaultHistoricalPerMin   = 20
	DefaultHistoricalBurst    = 10

	DefaultHotDays        = 7
	DefaultHotCodec       = "snappy"
	DefaultColdCodec      = "zstd"
	DefaultColdCodecLevel = 7

	DefaultGenericTicks      = "100,101,106"
	DefaultGraceSeconds      = 120
	DefaultMaxErrorsShown    = 10
	DefaultSnapshotExchange  = "SMART"
	DefaultSubTimeout        = 20 * time.Second
	DefaultSubPollInterval   = 500 * time.Millisecond
	DefaultSlotMinutes       = 30
	DefaultStreamStrikes     = 5
	DefaultRebalanceSteps    = 2
	DefaultBarsIntervalSec   = 5
	DefaultFlushInterval     = 30 * time.Second
	DefaultFlushBufferSize   = 500
	DefaultOIDuration        = 30 * time.Second
	DefaultEnrichmentRunTime = "04:00"

	DefaultSlotCoverageMin  = 0.90
	DefaultDelayedRatioMax  = 0.10
	DefaultFallbackRatioMax = 0.05
	DefaultOICoverageMin    = 0.95

	DefaultFundamentalsTTL   = 7 * 24 * time.Hour
	DefaultFundamentalsTypes = "info"
	DefaultVolTimeout        = 20 * time.Second
	DefaultVolBackfillDays   = 30

	DefaultBarSize             = "1 day"
	DefaultWhatToShow          = "TRADES"
	DefaultHistoricalTimeout   = 30 * time.Second
	DefaultMaxDurationAttempts = 4
	DefaultBackfillMaxRetries  = 3

	// DefaultRollupCloseSlot of -1 derives close_slot from the day's grid
	// (len(grid)-1), which is 13 on a regular 30-minute session.
	DefaultRollupCloseSlot    = -1
	DefaultRollupFallbackSlot = 12
)

func (c *Config) applyDefaults() {
	if c.IB.Host == "" {
		c.IB.Host = DefaultIBHost
	}
	if c.IB.Port == 0 {
		c.IB.Port = DefaultIBPort
	}
	if c.IB.MarketDataType == 0 {
		c.IB.MarketDataType = DefaultMarketDataType
	}
	if c.IB.ConnectTimeout == 0 {
		c.IB.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IB.MaxRetries == 0 {
		c.IB.MaxRetries = DefaultConnectRetries
	}
	if c.IB.ClientIDPool.Role == "" {
		c.IB.ClientIDPool.Role = DefaultPoolRole
	}
	if c.IB.ClientIDPool.Min == 0 && c.IB.ClientIDPool.Max == 0 {
		c.IB.ClientIDPool.Min = DefaultPoolMin
		c.IB.ClientIDPool.Max = DefaultPoolMax
	}
	if c.IB.ClientIDPool.LockTTL == 0 {
		c.IB.ClientIDPool.LockTTL = DefaultLockTTL
	}
	if c.IB.ClientIDPool.StateDir == "" {
		c.IB.ClientIDPool.StateDir = c.Paths.State
	}

	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}

	if c.Reference.MaxLookbackDays == 0 {
		c.Reference.MaxLookbackDays = DefaultMaxLookbackDays
	}

	if c.Filters.MoneynessPct == 0 {
		c.Filters.MoneynessPct = DefaultMoneynessPct
	}
	if len(c.Filters.ExpiryTypes) == 0 {
		c.Filters.ExpiryTypes = []string{"monthly", "quarterly"}
	}

	applyRateDefaults(&c.RateLimits.Discovery, DefaultDiscoveryPerMin, DefaultDiscoveryBurst, 1)
	applyRateDefaults(&c.RateLimits.Snapshot, DefaultSnapshotPerMin, DefaultSnapshotBurst, DefaultSnapshotConcurrent)
	applyRateDefaults(&c.RateLimits.Historical, DefaultHistoricalPerMin, DefaultHistoricalBurst, 1)

	if c.Storage.HotDays == 0 {
		c.Storage.HotDays = DefaultHotDays
	}
	if c.Storage.HotCodec == "" {
		c.Storage.HotCodec = DefaultHotCodec
	}
	if c.Storage.ColdCodec == "" {
		c.Storage.ColdCodec = DefaultColdCodec
	}
	if c.Storage.ColdCodecLevel == 0 {
		c.Storage.ColdCodecLevel = DefaultColdCodecLevel
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.CLI.GenericTicks == "" {
		c.CLI.GenericTicks = DefaultGenericTicks
	}
	if c.CLI.SnapshotGraceSeconds == 0 {
		c.CLI.SnapshotGraceSeconds = DefaultGraceSeconds
	}
	if c.CLI.MaxErrorsShown == 0 {
		c.CLI.MaxErrorsShown = DefaultMaxErrorsShown
	}

	if c.Snapshot.Exchange == "" {
		c.Snapshot.Exchange = DefaultSnapshotExchange
	}
	if c.Snapshot.GenericTicks == "" {
		c.Snapshot.GenericTicks = c.CLI.GenericTicks
	}
	if c.Snapshot.SubscriptionTimeout == 0 {
		c.Snapshot.SubscriptionTimeout = DefaultSubTimeout
	}
	if c.Snapshot.SubscriptionPollIntv == 0 {
		c.Snapshot.SubscriptionPollIntv = DefaultSubPollInterval
	}
	if c.Snapshot.SlotMinutes == 0 {
		c.Snapshot.SlotMinutes = DefaultSlotMinutes
	}

	if c.Streaming.StrikesPerSide == 0 {
		c.Streaming.StrikesPerSide = DefaultStreamStrikes
	}
	if c.Streaming.RebalanceThresholdSteps == 0 {
		c.Streaming.RebalanceThresholdSteps = DefaultRebalanceSteps
	}
	if c.Streaming.BarsIntervalSec == 0 {
		c.Streaming.BarsIntervalSec = DefaultBarsIntervalSec
	}
	if c.Streaming.FlushInterval == 0 {
		c.Streaming.FlushInterval = DefaultFlushInterval
	}
	if c.Streaming.FlushBufferSize == 0 {
		c.Streaming.FlushBufferSize = DefaultFlushBufferSize
	}
	if len(c.Streaming.Rights) == 0 {
		c.Streaming.Rights = []string{"C", "P"}
	}
	if c.Streaming.ExpiriesPolicy == "" {
		c.Streaming.ExpiriesPolicy = "friday_and_monthly"
	}

	if len(c.Enrichment.Fields) == 0 {
		c.Enrichment.Fields = []string{"open_interest"}
	}
	if c.Enrichment.OIDuration == 0 {
		c.Enrichment.OIDuration = DefaultOIDuration
	}
	if c.Enrichment.RunTime == "" {
		c.Enrichment.RunTime = DefaultEnrichmentRunTime
	}

	if c.QA.SlotCoverageMin == 0 {
		c.QA.SlotCoverageMin = DefaultSlotCoverageMin
	}
	if c.QA.DelayedRatioMax == 0 {
		c.QA.DelayedRatioMax = DefaultDelayedRatioMax
	}
	if c.QA.FallbackRatioMax == 0 {
		c.QA.FallbackRatioMax = DefaultFallbackRatioMax
	}
	if c.QA.OICoverageMin == 0 {
		c.QA.OICoverageMin = DefaultOICoverageMin
	}

	if c.Acquisition.BarSize == "" {
		c.Acquisition.BarSize = DefaultBarSize
	}
	if c.Acquisition.WhatToShow == "" {
		c.Acquisition.WhatToShow = DefaultWhatToShow
	}
	if c.Acquisition.HistoricalTimeout == 0 {
		c.Acquisition.HistoricalTimeout = DefaultHistoricalTimeout
	}
	if c.Acquisition.MaxDurationAttempts == 0 {
		c.Acquisition.MaxDurationAttempts = DefaultMaxDurationAttempts
	}
	if c.Acquisition.MaxRetries == 0 {
		c.Acquisition.MaxRetries = DefaultBackfillMaxRetries
	}

	if c.Fundamentals.CacheDir == "" && c.Paths.State != "" {
		c.Fundamentals.CacheDir = filepath.Join(c.Paths.State, "fundamentals")
	}
	if c.Fundamentals.CacheTTL == 0 {
		c.Fundamentals.CacheTTL = DefaultFundamentalsTTL
	}
	if len(c.Fundamentals.ReportTypes) == 0 {
		c.Fundamentals.ReportTypes = []string{DefaultFundamentalsTypes}
	}

	if c.Volatility.Timeout == 0 {
		c.Volatility.Timeout = DefaultVolTimeout
	}
	if c.Volatility.BackfillDays == 0 {
		c.Volatility.BackfillDays = DefaultVolBackfillDays
	}

	if c.Rollup.CloseSlot == 0 {
		c.Rollup.CloseSlot = DefaultRollupCloseSlot
	}
	if c.Rollup.FallbackSlot == 0 {
		c.Rollup.FallbackSlot = DefaultRollupFallbackSlot
	}
}

func applyRateDefaults(rc *RateClass, perMin, burst, concurrent int) {
	if rc.PerMinute == 0 {
		rc.PerMinute = perMin
	}
	if rc.Burst == 0 {
		rc.Burst = burst
	}
	if rc.MaxConcurrent == 0 {
		rc.MaxConcurrent = concurrent
	}
}
