package ibgate

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/optlake/optlake/internal/model"
)

// Portal is the production Gateway implementation: REST for discovery and
// history, websocket for market-data subscriptions.
type Portal struct {
	client *Client
	stream *StreamConn
}

// NewPortal wraps a REST client and a stream connection into a Gateway.
// The stream may be nil for runners that never subscribe to quotes.
func NewPortal(client *Client, stream *StreamConn) *Portal {
	return &Portal{client: client, stream: stream}
}

type secdefContract struct {
	Conid        int64   `json:"conid"`
	Symbol       string  `json:"symbol"`
	MaturityDate string  `json:"maturity_date"`
	Strike       float64 `json:"strike"`
	Right        string  `json:"right"`
	Exchange     string  `json:"exchange"`
	Currency     string  `json:"currency"`
	TradingClass string  `json:"trading_class"`
	Multiplier   float64 `json:"multiplier"`
	SecType      string  `json:"sec_type"`
}

type qualifyResponse struct {
	Contracts []secdefContract `json:"contracts"`
}

// QualifyContracts resolves conids for the given specs. Contracts the
// broker does not recognize are absent from the result; the caller
// accounts for the drops.
func (p *Portal) QualifyContracts(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	req := struct {
		Contracts []secdefContract `json:"contracts"`
	}{}
	for _, s := range specs {
		req.Contracts = append(req.Contracts, secdefContract{
			Conid:        s.Conid,
			Symbol:       s.Symbol,
			MaturityDate: s.Expiry,
			Strike:       s.Strike,
			Right:        string(s.Right),
			Exchange:     s.Exchange,
			Currency:     s.Currency,
			TradingClass: s.TradingClass,
			SecType:      s.SecType,
		})
	}

	var resp qualifyResponse
	if err := p.client.post(ctx, "/iserver/secdef/qualify", req, &resp); err != nil {
		return nil, fmt.Errorf("qualify contracts: %w", err)
	}

	out := make([]model.ContractSpec, 0, len(resp.Contracts))
	for _, c := range resp.Contracts {
		if c.Conid == 0 {
			continue
		}
		out = append(out, model.ContractSpec{
			Conid:        c.Conid,
			Symbol:       c.Symbol,
			Expiry:       c.MaturityDate,
			Strike:       c.Strike,
			Right:        model.Right(c.Right),
			Exchange:     c.Exchange,
			Currency:     c.Currency,
			TradingClass: c.TradingClass,
			Multiplier:   c.Multiplier,
			SecType:      c.SecType,
		})
	}
	return out, nil
}

type optParamsResponse struct {
	Chains []Chain `json:"chains"`
}

// OptionParams returns the option chains for an underlying.
func (p *Portal) OptionParams(ctx context.Context, symbol string, underlyingConid int64) ([]Chain, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if underlyingConid != 0 {
		q.Set("conid", strconv.FormatInt(underlyingConid, 10))
	}

	var resp optParamsResponse
	if err := p.client.get(ctx, "/iserver/secdef/optparams", q, &resp); err != nil {
		return nil, fmt.Errorf("option params for %s: %w", symbol, err)
	}
	return resp.Chains, nil
}

type historyResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Data []struct {
		T int64    `json:"t"` // epoch millis
		O float64  `json:"o"`
		H float64  `json:"h"`
		L float64  `json:"l"`
		C float64  `json:"c"`
		V float64  `json:"v"`
		W *float64 `json:"w"`
		N *int64   `json:"n"`
	} `json:"data"`
}

// HistoricalBars fetches bars for one contract. Broker-level errors
// (pacing, duration limits) arrive in-band and surface as *GatewayError.
func (p *Portal) HistoricalBars(ctx context.Context, req HistoricalRequest) ([]Bar, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("conid", strconv.FormatInt(req.Contract.Conid, 10))
	q.Set("period", req.Duration)
	q.Set("bar", req.BarSize)
	q.Set("what", req.WhatToShow)
	q.Set("outsideRth", strconv.FormatBool(!req.UseRTH))
	if !req.EndDateTime.IsZero() {
		q.Set("endTime", req.EndDateTime.UTC().Format("20060102-15:04:05"))
	}

	var resp historyResponse
	if err := p.client.get(ctx, "/iserver/marketdata/history", q, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &GatewayError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	bars := make([]Bar, 0, len(resp.Data))
	for _, d := range resp.Data {
		bars = append(bars, Bar{
			TS:     time.UnixMilli(d.T).UTC(),
			Open:   d.O,
			High:   d.H,
			Low:    d.L,
			Close:  d.C,
			Volume: d.V,
			WAP:    d.W,
			Count:  d.N,
		})
	}
	return bars, nil
}

// SetMarketDataType switches the session's market-data mode.
func (p *Portal) SetMarketDataType(ctx context.Context, mdt model.MarketDataType) error {
	body := struct {
		Type int `json:"type"`
	}{Type: int(mdt)}
	if err := p.client.post(ctx, "/iserver/marketdata/type", body, nil); err != nil {
		return fmt.Errorf("set market data type %d: %w", mdt, err)
	}
	return nil
}

// SubscribeQuotes opens a streaming subscription for the contracts.
func (p *Portal) SubscribeQuotes(ctx context.Context, contracts []model.ContractSpec, genericTicks string) (QuoteSubscription, error) {
	if p.stream == nil {
		return nil, ErrNotConnected
	}
	conids := make([]int64, 0, len(contracts))
	for _, c := range contracts {
		conids = append(conids, c.Conid)
	}
	return p.stream.Subscribe(ctx, conids, genericTicks)
}

var _ Gateway = (*Portal)(nil)
