// Package config defines the pipeline configuration tree and its loader.
//
// Configuration comes from a single YAML file. ${VAR} references are
// expanded from the environment at load time, and any key can be
// overridden with a SECTION_KEY environment variable (see overrides.go).
package config

import "time"

// Config is the root configuration for the ingestion pipeline.
type Config struct {
	IB           IBConfig           `yaml:"ib"`
	Timezone     string             `yaml:"timezone"`
	Paths        PathsConfig        `yaml:"paths"`
	Universe     UniverseConfig     `yaml:"universe"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Filters      FiltersConfig      `yaml:"filters"`
	RateLimits   RateLimitsConfig   `yaml:"rate_limits"`
	Storage      StorageConfig      `yaml:"storage"`
	Compaction   CompactionConfig   `yaml:"compaction"`
	Logging      LoggingConfig      `yaml:"logging"`
	CLI          CLIConfig          `yaml:"cli"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	Enrichment   EnrichmentConfig   `yaml:"enrichment"`
	QA           QAConfig           `yaml:"qa"`
	Acquisition  AcquisitionConfig  `yaml:"acquisition"`
	Fundamentals FundamentalsConfig `yaml:"fundamentals"`
	Volatility   VolatilityConfig   `yaml:"volatility"`
	Rollup       RollupConfig       `yaml:"rollup"`
	Ledger       LedgerConfig       `yaml:"ledger"`
}

// IBConfig holds broker gateway connection settings.
type IBConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientID       int           `yaml:"client_id"` // 0 = lease from the pool
	ClientIDPool   ClientIDPool  `yaml:"client_id_pool"`
	MarketDataType int           `yaml:"market_data_type"` // 1 Live .. 4 Delayed-Frozen
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// ClientIDPool configures the filesystem-leased client-id range.
type ClientIDPool struct {
	Role      string        `yaml:"role"`
	Min       int           `yaml:"min"`
	Max       int           `yaml:"max"`
	Randomize bool          `yaml:"randomize"`
	StateDir  string        `yaml:"state_dir"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// PathsConfig holds the data lake roots and state directories.
type PathsConfig struct {
	Raw              string `yaml:"raw"`
	Clean            string `yaml:"clean"`
	Streaming        string `yaml:"streaming"`
	ContractsCache   string `yaml:"contracts_cache"`
	RunLogs          string `yaml:"run_logs"`
	State            string `yaml:"state"`
	CorporateActions string `yaml:"corporate_actions"` // CSV, optional
}

// UniverseConfig points at the symbol universe files.
//
// IntradayFile and CloseFile both fall back to File when unset; this
// mirrors the historical behavior operators depend on.
type UniverseConfig struct {
	File         string `yaml:"file"`
	IntradayFile string `yaml:"intraday_file"`
	CloseFile    string `yaml:"close_file"`
}

// IntradayPath returns the universe file for intraday runs.
func (u UniverseConfig) IntradayPath() string {
	if u.IntradayFile != "" {
		return u.IntradayFile
	}
	return u.File
}

// ClosePath returns the universe file for close-snapshot runs.
func (u UniverseConfig) ClosePath() string {
	if u.CloseFile != "" {
		return u.CloseFile
	}
	return u.File
}

// ReferenceConfig controls underlying reference-price lookups.
type ReferenceConfig struct {
	MaxLookbackDays int `yaml:"max_lookback_days"` // calendar days to walk back for a valid close
}

// FiltersConfig bounds the option contract universe per symbol.
type FiltersConfig struct {
	MoneynessPct        float64  `yaml:"moneyness_pct"`
	ExpiryTypes         []string `yaml:"expiry_types"` // subset of monthly, quarterly, weekly
	ExpiryMonthsAhead   int      `yaml:"expiry_months_ahead"`
	MaxStrikesPerExpiry int      `yaml:"max_strikes_per_expiry"`
}

// RateLimitsConfig holds the three independent request classes.
type RateLimitsConfig struct {
	Discovery  RateClass `yaml:"discovery"`
	Snapshot   RateClass `yaml:"snapshot"`
	Historical RateClass `yaml:"historical"`
}

// RateClass is one token-bucket definition.
type RateClass struct {
	PerMinute     int `yaml:"per_minute"`
	Burst         int `yaml:"burst"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// StorageConfig controls the partition writer codec policy.
type StorageConfig struct {
	HotDays        int    `yaml:"hot_days"`
	HotCodec       string `yaml:"hot_codec"`
	ColdCodec      string `yaml:"cold_codec"`
	ColdCodecLevel int    `yaml:"cold_codec_level"`
}

// CompactionConfig reserves knobs for the partition compactor.
type CompactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// CLIConfig holds operator-facing defaults.
type CLIConfig struct {
	GenericTicks         string `yaml:"generic_ticks"`
	SnapshotGraceSeconds int    `yaml:"snapshot_grace_seconds"`
	MaxErrorsShown       int    `yaml:"max_errors_shown"`
}

// SnapshotConfig controls the intraday slot capture runner.
type SnapshotConfig struct {
	Exchange             string        `yaml:"exchange"`
	FallbackExchanges    []string      `yaml:"fallback_exchanges"`
	GenericTicks         string        `yaml:"generic_ticks"`
	StrikesPerSide       int           `yaml:"strikes_per_side"`
	SubscriptionTimeout  time.Duration `yaml:"subscription_timeout"`
	SubscriptionPollIntv time.Duration `yaml:"subscription_poll_interval"`
	RequireGreeks        bool          `yaml:"require_greeks"`
	ForceFrozenData      bool          `yaml:"force_frozen_data"`
	FetchMode            string        `yaml:"fetch_mode"`
	BatchSize            int           `yaml:"batch_size"`
	SlotMinutes          int           `yaml:"slot_minutes"`
}

// StreamingConfig controls the long-running subscription daemon.
type StreamingConfig struct {
	Underlyings             []string      `yaml:"underlyings"`
	SpotSymbols             []string      `yaml:"spot_symbols"`
	BarsSymbols             []string      `yaml:"bars_symbols"`
	ExpiriesPolicy          string        `yaml:"expiries_policy"`
	StrikesPerSide          int           `yaml:"strikes_per_side"`
	RebalanceThresholdSteps float64       `yaml:"rebalance_threshold_steps"`
	StrikeStep              float64       `yaml:"strike_step"`
	Rights                  []string      `yaml:"rights"`
	Fields                  []string      `yaml:"fields"`
	BarsIntervalSec         int           `yaml:"bars_interval"`
	FlushInterval           time.Duration `yaml:"flush_interval"`
	FlushBufferSize         int           `yaml:"flush_buffer_size"`
}

// EnrichmentConfig controls the T+1 open-interest pass.
type EnrichmentConfig struct {
	Fields     []string      `yaml:"fields"`
	OIDuration time.Duration `yaml:"oi_duration"` // per-contract poll budget
	OIUseRTH   bool          `yaml:"oi_use_rth"`
	RunTime    string        `yaml:"run_time"` // "HH:MM" ET, next day
}

// QAConfig holds the four self-check thresholds, all in [0,1].
type QAConfig struct {
	SlotCoverageMin   float64 `yaml:"slot_coverage_min"`
	DelayedRatioMax   float64 `yaml:"delayed_ratio_max"`
	FallbackRatioMax  float64 `yaml:"fallback_ratio_max"`
	OICoverageMin     float64 `yaml:"oi_coverage_min"`
	ExpectedSlotCount int     `yaml:"expected_slot_count"` // 0 = derive from the grid
}

// AcquisitionConfig controls the historical bar backfill runner.
type AcquisitionConfig struct {
	Mode                string        `yaml:"mode"`
	Duration            string        `yaml:"duration"`
	BarSize             string        `yaml:"bar_size"`
	WhatToShow          string        `yaml:"what_to_show"`
	UseRTH              bool          `yaml:"use_rth"`
	MaxStrikesPerExpiry int           `yaml:"max_strikes_per_expiry"`
	HistoricalTimeout   time.Duration `yaml:"historical_timeout"`
	ThrottleSec         int           `yaml:"throttle_sec"`
	MaxDurationAttempts int           `yaml:"max_duration_attempts"`
	MaxRetries          int           `yaml:"max_retries"`
	Incremental         bool          `yaml:"incremental"`
}

// FundamentalsConfig points at the company-reports API and its
// write-once disk cache.
type FundamentalsConfig struct {
	BaseURL     string        `yaml:"base_url"`
	CacheDir    string        `yaml:"cache_dir"` // default <paths.state>/fundamentals
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	ReportTypes []string      `yaml:"report_types"`
}

// VolatilityConfig controls IV/HV capture.
type VolatilityConfig struct {
	Timeout      time.Duration `yaml:"timeout"` // IV poll budget per symbol
	BackfillDays int           `yaml:"backfill_days"`
}

// RollupConfig controls end-of-day row selection.
//
// CloseSlot < 0 means "derive from the grid": the final slot of the day's
// grid is the close, which keeps early-close sessions correct.
type RollupConfig struct {
	CloseSlot             int  `yaml:"close_slot"`
	FallbackSlot          int  `yaml:"fallback_slot"`
	AllowIntradayFallback bool `yaml:"allow_intraday_fallback"`
}

// LedgerConfig points at the optional Postgres run ledger.
type LedgerConfig struct {
	DSN string `yaml:"dsn"` // empty disables the ledger
}
