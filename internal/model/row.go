package model

import "time"

// MarketRow is one contract-time observation. It is both the in-memory
// record passed between pipeline stages and the parquet schema for the
// intraday, close, daily_clean and daily_adjusted views.
//
// Optional columns are pointers; nil serializes as null.
type MarketRow struct {
	TradeDate time.Time `parquet:"trade_date,timestamp(millisecond)"`
	Conid     int64     `parquet:"conid"`

	// Contract identity (denormalized for research convenience)
	Underlying   string  `parquet:"underlying"`
	Expiry       string  `parquet:"expiry,optional"`
	Strike       float64 `parquet:"strike"`
	Right        string  `parquet:"right,optional"`
	Exchange     string  `parquet:"exchange"`
	Currency     string  `parquet:"currency,optional"`
	TradingClass string  `parquet:"trading_class,optional"`
	Multiplier   float64 `parquet:"multiplier,optional"`

	// Quote
	Bid    *float64 `parquet:"bid,optional"`
	Ask    *float64 `parquet:"ask,optional"`
	Mid    *float64 `parquet:"mid,optional"`
	Last   *float64 `parquet:"last,optional"`
	Open   *float64 `parquet:"open,optional"`
	High   *float64 `parquet:"high,optional"`
	Low    *float64 `parquet:"low,optional"`
	Close  *float64 `parquet:"close,optional"`
	Volume *int64   `parquet:"volume,optional"`

	// Greeks
	IV    *float64 `parquet:"iv,optional"`
	Delta *float64 `parquet:"delta,optional"`
	Gamma *float64 `parquet:"gamma,optional"`
	Theta *float64 `parquet:"theta,optional"`
	Vega  *float64 `parquet:"vega,optional"`

	OpenInterest *float64   `parquet:"open_interest,optional"`
	OIAsOfDate   *time.Time `parquet:"oi_asof_date,optional,timestamp(millisecond)"`

	MarketDataType int32     `parquet:"market_data_type"`
	AsOfTS         time.Time `parquet:"asof_ts,timestamp(microsecond)"`
	SampleTime     time.Time `parquet:"sample_time,timestamp(millisecond)"`
	SampleTimeET   string    `parquet:"sample_time_et,optional"`
	Slot30m        int32     `parquet:"slot_30m"`
	FirstSeenSlot  int32     `parquet:"first_seen_slot"`

	UnderlyingClose *float64 `parquet:"underlying_close,optional"`
	MoneynessPct    *float64 `parquet:"moneyness_pct,optional"`
	StrikePer100    *float64 `parquet:"strike_per_100,optional"`

	// Adjusted view columns (daily_adjusted only; null elsewhere)
	UnderlyingCloseAdj *float64 `parquet:"underlying_close_adj,optional"`
	StrikeAdj          *float64 `parquet:"strike_adj,optional"`
	MoneynessPctAdj    *float64 `parquet:"moneyness_pct_adj,optional"`

	// Rollup provenance (daily views only)
	RollupStrategy   string     `parquet:"rollup_strategy,optional"`
	RollupSourceSlot *int32     `parquet:"rollup_source_slot,optional"`
	RollupSourceTime *time.Time `parquet:"rollup_source_time,optional,timestamp(millisecond)"`

	DataQualityFlag []string `parquet:"data_quality_flag,list,optional"`

	// Lineage
	IngestID      string `parquet:"ingest_id"`
	IngestRunType string `parquet:"ingest_run_type"`
	Source        string `parquet:"source,optional"`
}

// Flags decodes the serialized quality tokens into a bitset.
func (r *MarketRow) Flags() FlagSet { return ParseFlags(r.DataQualityFlag) }

// SetFlags stores the bitset back as ordered tokens.
func (r *MarketRow) SetFlags(s FlagSet) { r.DataQualityFlag = s.Tokens() }

// AddFlag sets a single flag, keeping the serialized form canonical.
func (r *MarketRow) AddFlag(f Flag) {
	s := r.Flags()
	s.Add(f)
	r.SetFlags(s)
}

// HasFlag reports whether the row carries the flag.
func (r *MarketRow) HasFlag(f Flag) bool { return r.Flags().Has(f) }

// ApplyContract copies contract identity onto the row.
func (r *MarketRow) ApplyContract(c ContractSpec) {
	r.Conid = c.Conid
	r.Underlying = c.Symbol
	r.Expiry = c.Expiry
	r.Strike = c.Strike
	r.Right = string(c.Right)
	r.Exchange = c.Exchange
	r.Currency = c.Currency
	r.TradingClass = c.TradingClass
	r.Multiplier = c.Multiplier
}

// BarRow is one historical or streaming bar. Schema for the daily_bars view
// and the history backfill outputs.
type BarRow struct {
	TS           time.Time `parquet:"ts,timestamp(millisecond)"`
	TradeDate    time.Time `parquet:"trade_date,timestamp(millisecond)"`
	Conid        int64     `parquet:"conid"`
	Symbol       string    `parquet:"symbol"`
	Exchange     string    `parquet:"exchange,optional"`
	BarSize      string    `parquet:"bar_size"`
	WhatToShow   string    `parquet:"what_to_show"`
	Open         float64   `parquet:"open"`
	High         float64   `parquet:"high"`
	Low          float64   `parquet:"low"`
	Close        float64   `parquet:"close"`
	Volume       float64   `parquet:"volume"`
	WAP          *float64  `parquet:"wap,optional"`
	Count        *int64    `parquet:"count,optional"`
	UsedDuration string    `parquet:"used_duration,optional"`

	IngestID      string `parquet:"ingest_id"`
	IngestRunType string `parquet:"ingest_run_type"`
	Source        string `parquet:"source,optional"`
}

// EnrichmentRecord documents one successful T+1 field update.
type EnrichmentRecord struct {
	TradeDate  time.Time `parquet:"trade_date,timestamp(millisecond)"`
	Conid      int64     `parquet:"conid"`
	Underlying string    `parquet:"underlying"`
	Exchange   string    `parquet:"exchange"`
	Field      string    `parquet:"field"`
	PriorValue *float64  `parquet:"prior_value,optional"`
	NewValue   *float64  `parquet:"new_value,optional"`
	UpdateTS   time.Time `parquet:"update_ts,timestamp(microsecond)"`
	IngestID   string    `parquet:"ingest_id"`
}

// VolRow is one daily volatility observation per symbol.
type VolRow struct {
	TradeDate time.Time `parquet:"trade_date,timestamp(millisecond)"`
	Symbol    string    `parquet:"symbol"`
	Exchange  string    `parquet:"exchange"`
	IV30D     *float64  `parquet:"iv_30d,optional"`
	HV30D     *float64  `parquet:"hv_30d,optional"`
	AsOfTS    time.Time `parquet:"asof_ts,timestamp(microsecond)"`

	IngestID      string `parquet:"ingest_id"`
	IngestRunType string `parquet:"ingest_run_type"`
	Source        string `parquet:"source,optional"`
}

// FundamentalsRow is one report snapshot per (symbol, date, report type).
type FundamentalsRow struct {
	TradeDate  time.Time `parquet:"trade_date,timestamp(millisecond)"`
	Symbol     string    `parquet:"symbol"`
	Exchange   string    `parquet:"exchange"`
	ReportType string    `parquet:"report_type"`
	MarketCap  *float64  `parquet:"market_cap,optional"`
	PETTM      *float64  `parquet:"pe_ttm,optional"`
	EPSTTM     *float64  `parquet:"eps_ttm,optional"`
	Sector     string    `parquet:"sector,optional"`
	Industry   string    `parquet:"industry,optional"`
	CachedAt   time.Time `parquet:"cached_at,timestamp(microsecond)"`

	IngestID      string `parquet:"ingest_id"`
	IngestRunType string `parquet:"ingest_run_type"`
	Source        string `parquet:"source,optional"`
}

// CorporateActionRow is the stored form of one corporate action event.
type CorporateActionRow struct {
	Symbol     string    `parquet:"symbol"`
	EventDate  time.Time `parquet:"event_date,timestamp(millisecond)"`
	EventType  string    `parquet:"event_type"`
	Ratio      float64   `parquet:"ratio"`
	CashAmount *float64  `parquet:"cash_amount,optional"`
	Notes      string    `parquet:"notes,optional"`
	IngestID   string    `parquet:"ingest_id"`
}
