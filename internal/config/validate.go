package config

import (
	"errors"
	"fmt"
	"strings"
)

var allowedCodecs = map[string]bool{
	"snappy":       true,
	"zstd":         true,
	"gzip":         true,
	"uncompressed": true,
}

// Validate checks every section and returns all problems at once so a bad
// config fails startup with the full list of reasons.
func (c *Config) Validate() error {
	var problems []string

	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.IB.Port < 1 || c.IB.Port > 65535 {
		add("ib.port must be between 1 and 65535, got %d", c.IB.Port)
	}
	if c.IB.MarketDataType < 1 || c.IB.MarketDataType > 4 {
		add("ib.market_data_type must be in 1..4, got %d", c.IB.MarketDataType)
	}
	if c.IB.ClientID == 0 {
		pool := c.IB.ClientIDPool
		if pool.Min < 0 || pool.Max < pool.Min {
			add("ib.client_id_pool range [%d,%d] is invalid", pool.Min, pool.Max)
		}
		if pool.StateDir == "" {
			add("ib.client_id_pool.state_dir is required when no fixed client_id is set")
		}
	}

	if c.Paths.Raw == "" {
		add("paths.raw is required")
	}
	if c.Paths.Clean == "" {
		add("paths.clean is required")
	}
	if c.Paths.RunLogs == "" {
		add("paths.run_logs is required")
	}

	if c.Universe.File == "" && c.Universe.IntradayFile == "" && c.Universe.CloseFile == "" {
		add("universe.file (or intraday_file/close_file) is required")
	}

	if c.Filters.MoneynessPct <= 0 || c.Filters.MoneynessPct > 1 {
		add("filters.moneyness_pct must be in (0,1], got %v", c.Filters.MoneynessPct)
	}
	for _, et := range c.Filters.ExpiryTypes {
		switch et {
		case "monthly", "quarterly", "weekly":
		default:
			add("filters.expiry_types contains unknown type %q", et)
		}
	}

	validateRate := func(name string, rc RateClass) {
		if rc.PerMinute < 1 {
			add("rate_limits.%s.per_minute must be >= 1", name)
		}
		if rc.Burst < 1 {
			add("rate_limits.%s.burst must be >= 1", name)
		}
		if rc.MaxConcurrent < 1 {
			add("rate_limits.%s.max_concurrent must be >= 1", name)
		}
	}
	validateRate("discovery", c.RateLimits.Discovery)
	validateRate("snapshot", c.RateLimits.Snapshot)
	validateRate("historical", c.RateLimits.Historical)

	if c.Storage.HotDays < 0 {
		add("storage.hot_days must be >= 0")
	}
	if !allowedCodecs[c.Storage.HotCodec] {
		add("storage.hot_codec %q not in allowed set", c.Storage.HotCodec)
	}
	if !allowedCodecs[c.Storage.ColdCodec] {
		add("storage.cold_codec %q not in allowed set", c.Storage.ColdCodec)
	}
	if c.Storage.ColdCodecLevel < 1 || c.Storage.ColdCodecLevel > 22 {
		add("storage.cold_codec_level must be in 1..22, got %d", c.Storage.ColdCodecLevel)
	}

	threshold := func(name string, v float64) {
		if v < 0 || v > 1 {
			add("qa.%s must be in [0,1], got %v", name, v)
		}
	}
	threshold("slot_coverage_min", c.QA.SlotCoverageMin)
	threshold("delayed_ratio_max", c.QA.DelayedRatioMax)
	threshold("fallback_ratio_max", c.QA.FallbackRatioMax)
	threshold("oi_coverage_min", c.QA.OICoverageMin)

	if c.Snapshot.SubscriptionTimeout <= 0 {
		add("snapshot.subscription_timeout must be positive")
	}
	if c.Snapshot.SubscriptionPollIntv <= 0 {
		add("snapshot.subscription_poll_interval must be positive")
	}
	if c.Snapshot.SlotMinutes < 1 || c.Snapshot.SlotMinutes > 390 {
		add("snapshot.slot_minutes must be in 1..390, got %d", c.Snapshot.SlotMinutes)
	}

	if c.Fundamentals.CacheTTL < 0 {
		add("fundamentals.cache_ttl must be >= 0")
	}
	if c.Volatility.BackfillDays < 1 {
		add("volatility.backfill_days must be >= 1, got %d", c.Volatility.BackfillDays)
	}

	if c.Rollup.FallbackSlot < 0 {
		add("rollup.fallback_slot must be >= 0")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration:\n  - " + strings.Join(problems, "\n  - "))
}
