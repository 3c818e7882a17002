package ibgate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/optlake/optlake/internal/model"
)

var (
	ErrNotConnected    = errors.New("gateway not connected")
	ErrAlreadyClosed   = errors.New("gateway client already closed")
	ErrStaleConnection = errors.New("no heartbeat from gateway")
	ErrTimeout         = errors.New("gateway request timed out")
)

// Chain is one option chain (trading class) for an underlying on one
// exchange, as returned by the option-parameter lookup.
type Chain struct {
	Exchange        string    `json:"exchange"`
	TradingClass    string    `json:"trading_class"`
	UnderlyingConid int64     `json:"underlying_conid"`
	Multiplier      float64   `json:"multiplier"`
	Expirations     []string  `json:"expirations"` // ISO dates
	Strikes         []float64 `json:"strikes"`
}

// HistoricalRequest describes one historical-bars call.
type HistoricalRequest struct {
	Contract    model.ContractSpec
	EndDateTime time.Time // zero = now
	Duration    string    // e.g. "1 M", "2 D"
	BarSize     string    // e.g. "1 min", "1 day"
	WhatToShow  string    // TRADES, MIDPOINT, OPTION_IMPLIED_VOLATILITY, HISTORICAL_VOLATILITY
	UseRTH      bool
	Timeout     time.Duration
}

// Bar is one historical bar.
type Bar struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	WAP    *float64
	Count  *int64
}

// QuoteSubscription is a live market-data subscription over a set of
// contracts. Quotes returns the current accumulated state; callers poll
// it until their readiness condition holds, then Cancel.
type QuoteSubscription interface {
	Quotes() map[int64]model.Quote
	Cancel()
}

// Gateway is the broker RPC surface the runners consume. The production
// implementation is *Portal; tests substitute fakes.
type Gateway interface {
	// QualifyContracts resolves stable conids for the given specs,
	// returning only the contracts the broker recognized.
	QualifyContracts(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, error)

	// OptionParams returns the option chains for an underlying.
	OptionParams(ctx context.Context, symbol string, underlyingConid int64) ([]Chain, error)

	// HistoricalBars fetches bars for one contract.
	HistoricalBars(ctx context.Context, req HistoricalRequest) ([]Bar, error)

	// SubscribeQuotes opens a market-data subscription for the contracts
	// with the given generic tick list.
	SubscribeQuotes(ctx context.Context, contracts []model.ContractSpec, genericTicks string) (QuoteSubscription, error)

	// SetMarketDataType switches the session's market-data mode (1-4).
	SetMarketDataType(ctx context.Context, mdt model.MarketDataType) error
}

// GatewayError is a structured broker error.
type GatewayError struct {
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return "gateway error " + itoa(e.Code) + ": " + e.Message
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// ErrorKind buckets broker errors for retry policy.
type ErrorKind string

const (
	KindDurationLimit ErrorKind = "duration_limit"
	KindPacing        ErrorKind = "pacing"
	KindTimeout       ErrorKind = "timeout"
	KindNoData        ErrorKind = "no_data"
	KindOther         ErrorKind = "other"
)

// Classify maps an error to its retry-policy kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		msg := strings.ToLower(ge.Message)
		switch {
		case ge.Code == 162 || strings.Contains(msg, "too much data"):
			return KindDurationLimit
		case ge.Code == 1100:
			return KindTimeout
		case strings.Contains(msg, "pacing violation"):
			return KindPacing
		case strings.Contains(msg, "no data"):
			return KindNoData
		}
	}
	return KindOther
}
