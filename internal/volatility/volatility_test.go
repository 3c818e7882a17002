package volatility

import (
	"context"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

type fakeSub struct {
	quotes map[int64]model.Quote
}

func (s *fakeSub) Quotes() map[int64]model.Quote { return s.quotes }
func (s *fakeSub) Cancel()                       {}

// volGateway serves IV quotes and volatility bars keyed by whatToShow.
type volGateway struct {
	iv   map[int64]*float64
	bars map[string][]ibgate.Bar
}

func (g *volGateway) QualifyContracts(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, error) {
	out := make([]model.ContractSpec, len(specs))
	for i, s := range specs {
		s.Conid = int64(100 + i)
		out[i] = s
	}
	return out, nil
}

func (g *volGateway) SubscribeQuotes(ctx context.Context, contracts []model.ContractSpec, ticks string) (ibgate.QuoteSubscription, error) {
	quotes := map[int64]model.Quote{}
	for _, c := range contracts {
		if iv, ok := g.iv[c.Conid]; ok {
			quotes[c.Conid] = model.Quote{Conid: c.Conid, IV: iv}
		}
	}
	return &fakeSub{quotes: quotes}, nil
}

func (g *volGateway) HistoricalBars(ctx context.Context, req ibgate.HistoricalRequest) ([]ibgate.Bar, error) {
	return g.bars[req.WhatToShow], nil
}

func (g *volGateway) OptionParams(ctx context.Context, symbol string, conid int64) ([]ibgate.Chain, error) {
	return nil, nil
}
func (g *volGateway) SetMarketDataType(ctx context.Context, mdt model.MarketDataType) error {
	return nil
}

func testRunner(t *testing.T, gw ibgate.Gateway) (*Runner, store.Config) {
	t.Helper()
	lake := store.Config{
		RawRoot:   t.TempDir(),
		CleanRoot: t.TempDir(),
		HotDays:   30,
		HotCodec:  "snappy",
		ColdCodec: "zstd",
	}
	snap := ratelimit.NewBucket("snapshot", 600, 100)
	hist := ratelimit.NewBucket("historical", 600, 100)
	cfg := Config{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	return New(gw, snap, hist, lake, nil, cfg, nil), lake
}

func TestSnapshotEmitsIVAndHV(t *testing.T) {
	d := date("2025-10-06")
	gw := &volGateway{
		iv: map[int64]*float64{100: model.Float(0.31)},
		bars: map[string][]ibgate.Bar{
			"HISTORICAL_VOLATILITY": {
				{TS: d.AddDate(0, 0, -1), Close: 0.27},
				{TS: d, Close: 0.29},
			},
		},
	}
	r, lake := testRunner(t, gw)

	res, err := r.RunSnapshot(context.Background(), d, []universe.Entry{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rows != 1 || len(res.Errors) != 0 {
		t.Fatalf("rows=%d errors=%v", res.Rows, res.Errors)
	}

	rows, err := store.ReadRows[model.VolRow](store.PartitionPath(lake.CleanRoot, store.ViewVolatility, d, "AAPL", "SMART"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.IV30D == nil || *row.IV30D != 0.31 {
		t.Errorf("iv_30d = %v", row.IV30D)
	}
	if row.HV30D == nil || *row.HV30D != 0.29 {
		t.Errorf("hv_30d = %v, want the trade-date bar", row.HV30D)
	}
	if row.IngestRunType != "volatility" {
		t.Errorf("run_type = %s", row.IngestRunType)
	}
}

func TestSnapshotIVTimeoutStillWritesHV(t *testing.T) {
	d := date("2025-10-06")
	gw := &volGateway{
		bars: map[string][]ibgate.Bar{
			"HISTORICAL_VOLATILITY": {{TS: d, Close: 0.29}},
		},
	}
	r, lake := testRunner(t, gw)

	res, err := r.RunSnapshot(context.Background(), d, []universe.Entry{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 {
		t.Fatalf("rows = %d, errors = %v", res.Rows, res.Errors)
	}

	rows, _ := store.ReadRows[model.VolRow](store.PartitionPath(lake.CleanRoot, store.ViewVolatility, d, "AAPL", "SMART"))
	if rows[0].IV30D != nil {
		t.Error("iv must be null on poll timeout")
	}
	if rows[0].HV30D == nil {
		t.Error("hv must survive an iv timeout")
	}
}

func TestSnapshotNoDataAtAllIsAnError(t *testing.T) {
	gw := &volGateway{}
	r, _ := testRunner(t, gw)

	res, err := r.RunSnapshot(context.Background(), date("2025-10-06"), []universe.Entry{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 0 || len(res.Errors) != 1 {
		t.Errorf("rows=%d errors=%v", res.Rows, res.Errors)
	}
}

func TestBackfillJoinsIVAndHVByDate(t *testing.T) {
	end := date("2025-10-08")
	gw := &volGateway{
		bars: map[string][]ibgate.Bar{
			"OPTION_IMPLIED_VOLATILITY": {
				{TS: date("2025-10-06"), Close: 0.30},
				{TS: date("2025-10-07"), Close: 0.32},
			},
			"HISTORICAL_VOLATILITY": {
				{TS: date("2025-10-07"), Close: 0.28},
				{TS: date("2025-10-08"), Close: 0.27},
			},
		},
	}
	r, lake := testRunner(t, gw)

	res, err := r.RunBackfill(context.Background(), end, 3, []universe.Entry{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 {
		t.Fatalf("rows = %d, want 3 distinct dates", res.Rows)
	}

	// 10-07 has both halves.
	rows, err := store.ReadRows[model.VolRow](store.PartitionPath(lake.CleanRoot, store.ViewVolatility, date("2025-10-07"), "AAPL", "SMART"))
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].IV30D == nil || *rows[0].IV30D != 0.32 || rows[0].HV30D == nil || *rows[0].HV30D != 0.28 {
		t.Errorf("joined row = %+v", rows[0])
	}

	// 10-06 is IV-only.
	rows, _ = store.ReadRows[model.VolRow](store.PartitionPath(lake.CleanRoot, store.ViewVolatility, date("2025-10-06"), "AAPL", "SMART"))
	if rows[0].IV30D == nil || rows[0].HV30D != nil {
		t.Errorf("iv-only row = %+v", rows[0])
	}
}

func TestMergeVolBarsPreservesDateOrder(t *testing.T) {
	iv := []ibgate.Bar{{TS: date("2025-10-06"), Close: 0.1}, {TS: date("2025-10-07"), Close: 0.2}}
	hv := []ibgate.Bar{{TS: date("2025-10-07"), Close: 0.3}}
	rows := mergeVolBars("AAPL", "SMART", iv, hv, "run")
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if !rows[0].TradeDate.Equal(date("2025-10-06")) || !rows[1].TradeDate.Equal(date("2025-10-07")) {
		t.Errorf("order = %v, %v", rows[0].TradeDate, rows[1].TradeDate)
	}
}
