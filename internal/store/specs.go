package store

import (
	"fmt"
	"strings"

	"github.com/optlake/optlake/internal/model"
)

// normalizeMarketRow applies the merge-time canonicalization: dates to
// midnight UTC, timestamps to UTC, uppercase identity, canonical flags.
func normalizeMarketRow(r *model.MarketRow) {
	r.TradeDate = midnightUTC(r.TradeDate)
	r.SampleTime = r.SampleTime.UTC()
	r.AsOfTS = r.AsOfTS.UTC()
	if r.OIAsOfDate != nil {
		d := midnightUTC(*r.OIAsOfDate)
		r.OIAsOfDate = &d
	}
	r.Underlying = strings.ToUpper(r.Underlying)
	r.Exchange = strings.ToUpper(r.Exchange)
	r.DataQualityFlag = model.NormalizeFlagTokens(r.DataQualityFlag)
}

func marketLess(a, b *model.MarketRow) bool {
	if a.Conid != b.Conid {
		return a.Conid < b.Conid
	}
	if !a.SampleTime.Equal(b.SampleTime) {
		return a.SampleTime.Before(b.SampleTime)
	}
	return a.AsOfTS.Before(b.AsOfTS)
}

// MarketSpec returns the merge semantics for a MarketRow view. Intraday
// keys include the sample time, so one contract yields one row per slot;
// daily views collapse to one row per contract per date.
func MarketSpec(view View) MergeSpec[model.MarketRow] {
	key := func(r *model.MarketRow) string {
		return fmt.Sprintf("%d|%d", r.TradeDate.Unix(), r.Conid)
	}
	if view == ViewIntraday {
		key = func(r *model.MarketRow) string {
			return fmt.Sprintf("%d|%d|%d", r.TradeDate.Unix(), r.Conid, r.SampleTime.UnixMicro())
		}
	}
	return MergeSpec[model.MarketRow]{
		Key:       key,
		Less:      marketLess,
		Normalize: normalizeMarketRow,
	}
}

// StreamingMarketSpec keys on the broker timestamp so streaming option
// rows are append-only.
func StreamingMarketSpec() MergeSpec[model.MarketRow] {
	return MergeSpec[model.MarketRow]{
		Key: func(r *model.MarketRow) string {
			return fmt.Sprintf("%d|%d|%d", r.TradeDate.Unix(), r.Conid, r.AsOfTS.UnixMicro())
		},
		Less:      marketLess,
		Normalize: normalizeMarketRow,
	}
}

// BarSpec keys bars on (ts, conid, bar_size, what_to_show) so incremental
// history fetches merge instead of duplicating.
func BarSpec() MergeSpec[model.BarRow] {
	return MergeSpec[model.BarRow]{
		Key: func(r *model.BarRow) string {
			return fmt.Sprintf("%d|%d|%s|%s", r.TS.UnixMilli(), r.Conid, r.BarSize, r.WhatToShow)
		},
		Less: func(a, b *model.BarRow) bool {
			if !a.TS.Equal(b.TS) {
				return a.TS.Before(b.TS)
			}
			return a.Conid < b.Conid
		},
		Normalize: func(r *model.BarRow) {
			r.TS = r.TS.UTC()
			r.TradeDate = midnightUTC(r.TradeDate)
			r.Symbol = strings.ToUpper(r.Symbol)
			r.Exchange = strings.ToUpper(r.Exchange)
		},
	}
}

// EnrichmentSpec keeps one record per contract.
func EnrichmentSpec() MergeSpec[model.EnrichmentRecord] {
	return MergeSpec[model.EnrichmentRecord]{
		Key: func(r *model.EnrichmentRecord) string {
			return fmt.Sprintf("%d|%d", r.TradeDate.Unix(), r.Conid)
		},
		Less: func(a, b *model.EnrichmentRecord) bool {
			if a.Conid != b.Conid {
				return a.Conid < b.Conid
			}
			return a.UpdateTS.Before(b.UpdateTS)
		},
		Normalize: func(r *model.EnrichmentRecord) {
			r.TradeDate = midnightUTC(r.TradeDate)
			r.Underlying = strings.ToUpper(r.Underlying)
			r.Exchange = strings.ToUpper(r.Exchange)
		},
	}
}

// VolSpec keeps one volatility row per (trade_date, symbol).
func VolSpec() MergeSpec[model.VolRow] {
	return MergeSpec[model.VolRow]{
		Key: func(r *model.VolRow) string {
			return fmt.Sprintf("%d|%s", r.TradeDate.Unix(), r.Symbol)
		},
		Less: func(a, b *model.VolRow) bool {
			if !a.TradeDate.Equal(b.TradeDate) {
				return a.TradeDate.Before(b.TradeDate)
			}
			return a.Symbol < b.Symbol
		},
		Normalize: func(r *model.VolRow) {
			r.TradeDate = midnightUTC(r.TradeDate)
			r.Symbol = strings.ToUpper(r.Symbol)
			r.Exchange = strings.ToUpper(r.Exchange)
		},
	}
}

// FundamentalsSpec keeps one row per (trade_date, symbol, report_type).
func FundamentalsSpec() MergeSpec[model.FundamentalsRow] {
	return MergeSpec[model.FundamentalsRow]{
		Key: func(r *model.FundamentalsRow) string {
			return fmt.Sprintf("%d|%s|%s", r.TradeDate.Unix(), r.Symbol, r.ReportType)
		},
		Less: func(a, b *model.FundamentalsRow) bool {
			if a.Symbol != b.Symbol {
				return a.Symbol < b.Symbol
			}
			return a.ReportType < b.ReportType
		},
		Normalize: func(r *model.FundamentalsRow) {
			r.TradeDate = midnightUTC(r.TradeDate)
			r.Symbol = strings.ToUpper(r.Symbol)
			r.Exchange = strings.ToUpper(r.Exchange)
		},
	}
}

// CorporateActionSpec keys events on (symbol, event_date, event_type).
func CorporateActionSpec() MergeSpec[model.CorporateActionRow] {
	return MergeSpec[model.CorporateActionRow]{
		Key: func(r *model.CorporateActionRow) string {
			return fmt.Sprintf("%s|%d|%s", r.Symbol, r.EventDate.Unix(), r.EventType)
		},
		Less: func(a, b *model.CorporateActionRow) bool {
			if a.Symbol != b.Symbol {
				return a.Symbol < b.Symbol
			}
			return a.EventDate.Before(b.EventDate)
		},
		Normalize: func(r *model.CorporateActionRow) {
			r.Symbol = strings.ToUpper(r.Symbol)
			r.EventDate = midnightUTC(r.EventDate)
		},
	}
}
