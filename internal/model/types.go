package model

import (
	"fmt"
	"time"
)

// Right is the option right: call or put.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// ExpiryType classifies an option expiry within its chain.
type ExpiryType string

const (
	ExpiryMonthly   ExpiryType = "monthly"
	ExpiryQuarterly ExpiryType = "quarterly"
	ExpiryWeekly    ExpiryType = "weekly"
)

// MarketDataType is the broker's market-data classification.
type MarketDataType int

const (
	MarketDataLive          MarketDataType = 1
	MarketDataFrozen        MarketDataType = 2
	MarketDataDelayed       MarketDataType = 3
	MarketDataDelayedFrozen MarketDataType = 4
)

// RunType identifies which pipeline stage produced a row.
type RunType string

const (
	RunIntraday      RunType = "intraday"
	RunCloseSnapshot RunType = "close_snapshot"
	RunEODRollup     RunType = "eod_rollup"
	RunEnrichment    RunType = "enrichment"
	RunBackfill      RunType = "backfill"
	RunVolatility    RunType = "volatility"
	RunFundamentals  RunType = "fundamentals"
	RunStreaming     RunType = "streaming"
)

// RollupStrategy tags how the daily row for a contract was chosen.
type RollupStrategy string

const (
	RollupClose    RollupStrategy = "close"
	RollupSlot1530 RollupStrategy = "slot_1530"
	RollupLastGood RollupStrategy = "last_good"
)

// ContractSpec identifies one option (or stock) contract.
//
// Conid is the broker-assigned identifier and is the only stable key;
// everything else is descriptive and immutable once a conid is observed.
type ContractSpec struct {
	Conid        int64      `json:"conid"`
	Symbol       string     `json:"symbol"`
	Expiry       string     `json:"expiry,omitempty"` // ISO date, empty for stock
	Strike       float64    `json:"strike,omitempty"`
	Right        Right      `json:"right,omitempty"`
	Exchange     string     `json:"exchange"`
	Currency     string     `json:"currency"`
	TradingClass string     `json:"trading_class,omitempty"`
	Multiplier   float64    `json:"multiplier,omitempty"`
	ExpiryType   ExpiryType `json:"expiry_type,omitempty"`
	SecType      string     `json:"sec_type"` // "OPT" or "STK"
}

// LocalSymbol returns a human-readable contract label for logs.
func (c ContractSpec) LocalSymbol() string {
	if c.SecType == "STK" || c.Expiry == "" {
		return c.Symbol
	}
	return fmt.Sprintf("%s %s %s%.2f", c.Symbol, c.Expiry, c.Right, c.Strike)
}

// ExpiryDate parses the ISO expiry. Zero time for stock contracts.
func (c ContractSpec) ExpiryDate() time.Time {
	if c.Expiry == "" {
		return time.Time{}
	}
	d, err := time.Parse("2006-01-02", c.Expiry)
	if err != nil {
		return time.Time{}
	}
	return d
}

// Expired reports whether the contract's expiry is strictly before today.
func (c ContractSpec) Expired(today time.Time) bool {
	d := c.ExpiryDate()
	if d.IsZero() {
		return false
	}
	y, m, dd := today.UTC().Date()
	return d.Before(time.Date(y, m, dd, 0, 0, 0, 0, time.UTC))
}

// Quote is one observation for a contract as delivered by the gateway.
type Quote struct {
	Conid            int64
	Bid              *float64
	Ask              *float64
	Last             *float64
	Volume           *int64
	IV               *float64
	Delta            *float64
	Gamma            *float64
	Theta            *float64
	Vega             *float64
	OpenInterest     *float64
	CallOpenInterest *float64
	PutOpenInterest  *float64
	MarketDataType   MarketDataType
	ServerTime       time.Time // broker wall clock, UTC; zero if not reported
}

// PriceReady reports whether the quote has a usable price.
func (q Quote) PriceReady() bool {
	if q.Bid != nil && q.Ask != nil {
		return true
	}
	return q.Last != nil
}

// GreeksReady reports whether the model greeks have arrived.
func (q Quote) GreeksReady() bool {
	return q.IV != nil && q.Delta != nil
}

// Float returns a pointer to v; convenience for optional columns.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }
