package config

import (
	"fmt"
	"strconv"
)

// applyEnvOverrides applies SECTION_KEY environment variables on top of the
// file values. All overridable keys live in this one table; sections never
// read the environment on their own.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"IB_HOST", setString(&c.IB.Host)},
		{"IB_PORT", setInt(&c.IB.Port)},
		{"IB_CLIENT_ID", setInt(&c.IB.ClientID)},
		{"IB_MARKET_DATA_TYPE", setInt(&c.IB.MarketDataType)},
		{"TIMEZONE", setString(&c.Timezone)},
		{"PATHS_RAW", setString(&c.Paths.Raw)},
		{"PATHS_CLEAN", setString(&c.Paths.Clean)},
		{"PATHS_STREAMING", setString(&c.Paths.Streaming)},
		{"PATHS_CONTRACTS_CACHE", setString(&c.Paths.ContractsCache)},
		{"PATHS_RUN_LOGS", setString(&c.Paths.RunLogs)},
		{"PATHS_STATE", setString(&c.Paths.State)},
		{"PATHS_CORPORATE_ACTIONS", setString(&c.Paths.CorporateActions)},
		{"UNIVERSE_FILE", setString(&c.Universe.File)},
		{"UNIVERSE_INTRADAY_FILE", setString(&c.Universe.IntradayFile)},
		{"UNIVERSE_CLOSE_FILE", setString(&c.Universe.CloseFile)},
		{"FILTERS_MONEYNESS_PCT", setFloat(&c.Filters.MoneynessPct)},
		{"FILTERS_EXPIRY_MONTHS_AHEAD", setInt(&c.Filters.ExpiryMonthsAhead)},
		{"STORAGE_HOT_DAYS", setInt(&c.Storage.HotDays)},
		{"STORAGE_HOT_CODEC", setString(&c.Storage.HotCodec)},
		{"STORAGE_COLD_CODEC", setString(&c.Storage.ColdCodec)},
		{"STORAGE_COLD_CODEC_LEVEL", setInt(&c.Storage.ColdCodecLevel)},
		{"LOGGING_LEVEL", setString(&c.Logging.Level)},
		{"LOGGING_FORMAT", setString(&c.Logging.Format)},
		{"SNAPSHOT_EXCHANGE", setString(&c.Snapshot.Exchange)},
		{"SNAPSHOT_STRIKES_PER_SIDE", setInt(&c.Snapshot.StrikesPerSide)},
		{"SNAPSHOT_REQUIRE_GREEKS", setBool(&c.Snapshot.RequireGreeks)},
		{"SNAPSHOT_FORCE_FROZEN_DATA", setBool(&c.Snapshot.ForceFrozenData)},
		{"ENRICHMENT_RUN_TIME", setString(&c.Enrichment.RunTime)},
		{"QA_SLOT_COVERAGE_MIN", setFloat(&c.QA.SlotCoverageMin)},
		{"QA_DELAYED_RATIO_MAX", setFloat(&c.QA.DelayedRatioMax)},
		{"QA_FALLBACK_RATIO_MAX", setFloat(&c.QA.FallbackRatioMax)},
		{"QA_OI_COVERAGE_MIN", setFloat(&c.QA.OICoverageMin)},
		{"ROLLUP_CLOSE_SLOT", setInt(&c.Rollup.CloseSlot)},
		{"ROLLUP_FALLBACK_SLOT", setInt(&c.Rollup.FallbackSlot)},
		{"FUNDAMENTALS_BASE_URL", setString(&c.Fundamentals.BaseURL)},
		{"VOLATILITY_BACKFILL_DAYS", setInt(&c.Volatility.BackfillDays)},
		{"LEDGER_DSN", setString(&c.Ledger.DSN)},
	}

	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("env override %s: %w", o.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}
