package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/queue"
	"github.com/optlake/optlake/internal/ratelimit"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
)

// barGateway scripts HistoricalBars responses keyed by duration.
type barGateway struct {
	byDuration map[string][]ibgate.Bar
	errs       map[string]error
	calls      []string // durations in request order
}

func (g *barGateway) HistoricalBars(ctx context.Context, req ibgate.HistoricalRequest) ([]ibgate.Bar, error) {
	g.calls = append(g.calls, req.Duration)
	if err, ok := g.errs[req.Duration]; ok {
		return nil, err
	}
	return g.byDuration[req.Duration], nil
}

func (g *barGateway) QualifyContracts(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, error) {
	return specs, nil
}
func (g *barGateway) OptionParams(ctx context.Context, symbol string, conid int64) ([]ibgate.Chain, error) {
	return nil, nil
}
func (g *barGateway) SubscribeQuotes(ctx context.Context, contracts []model.ContractSpec, ticks string) (ibgate.QuoteSubscription, error) {
	return nil, nil
}
func (g *barGateway) SetMarketDataType(ctx context.Context, mdt model.MarketDataType) error {
	return nil
}

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func dayBar(s string, close float64) ibgate.Bar {
	d := date(s)
	return ibgate.Bar{TS: d, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 1000}
}

func stockSpec() model.ContractSpec {
	return model.ContractSpec{Conid: 265598, Symbol: "AAPL", Exchange: "SMART", Currency: "USD", SecType: "STK"}
}

func testLake(t *testing.T) store.Config {
	t.Helper()
	return store.Config{
		RawRoot:   t.TempDir(),
		CleanRoot: t.TempDir(),
		HotDays:   30,
		HotCodec:  "snappy",
		ColdCodec: "zstd",
	}
}

func testRunner(t *testing.T, gw ibgate.Gateway, cfg Config) (*Runner, store.Config) {
	t.Helper()
	lake := testLake(t)
	bucket := ratelimit.NewBucket("historical", 600, 100)
	return New(gw, bucket, lake, nil, cfg, nil), lake
}

func loadQueue(t *testing.T, items ...Item) *queue.Queue[Item] {
	t.Helper()
	q, err := queue.Load[Item](filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		q.Push(item)
	}
	if err := q.Save(); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestRunWritesDailyBarsPerDate(t *testing.T) {
	gw := &barGateway{byDuration: map[string][]ibgate.Bar{
		"10 Y": {dayBar("2025-10-06", 172), dayBar("2025-10-07", 173)},
	}}
	r, lake := testRunner(t, gw, Config{BarSize: "1 day", WhatToShow: "TRADES"})

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 1 || res.BarsWritten != 2 {
		t.Fatalf("processed=%d bars=%d, want 1/2", res.Processed, res.BarsWritten)
	}

	for _, day := range []string{"2025-10-06", "2025-10-07"} {
		path := store.PartitionPath(lake.CleanRoot, store.ViewDailyBars, date(day), "AAPL", "SMART")
		rows, err := store.ReadRows[model.BarRow](path)
		if err != nil {
			t.Fatalf("read %s: %v", day, err)
		}
		if len(rows) != 1 {
			t.Fatalf("%s rows = %d, want 1", day, len(rows))
		}
		row := rows[0]
		if row.Conid != 265598 || row.BarSize != "1 day" || row.WhatToShow != "TRADES" {
			t.Errorf("row identity = %+v", row)
		}
		if row.UsedDuration != "10 Y" {
			t.Errorf("used_duration = %s", row.UsedDuration)
		}
		if row.IngestRunType != "backfill" {
			t.Errorf("run_type = %s", row.IngestRunType)
		}
		if !row.TradeDate.Equal(date(day)) {
			t.Errorf("trade_date = %v", row.TradeDate)
		}
	}
}

func TestDurationLimitAdvancesLadder(t *testing.T) {
	gw := &barGateway{
		errs: map[string]error{
			"10 Y": &ibgate.GatewayError{Code: 162, Message: "requesting too much data"},
			"5 Y":  &ibgate.GatewayError{Code: 162, Message: "requesting too much data"},
		},
		byDuration: map[string][]ibgate.Bar{
			"2 Y": {dayBar("2025-10-06", 172)},
		},
	}
	r, _ := testRunner(t, gw, Config{BarSize: "1 day"})

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 || res.BarsWritten != 1 {
		t.Fatalf("errors=%v bars=%d", res.Errors, res.BarsWritten)
	}
	want := []string{"10 Y", "5 Y", "2 Y"}
	if len(gw.calls) != len(want) {
		t.Fatalf("calls = %v", gw.calls)
	}
	for i, d := range want {
		if gw.calls[i] != d {
			t.Errorf("call %d = %s, want %s", i, gw.calls[i], d)
		}
	}
}

func TestDurationLimitLeavesErrorLogEntry(t *testing.T) {
	gw := &barGateway{
		errs: map[string]error{
			"1 M": &ibgate.GatewayError{Code: 162, Message: "requesting too much data"},
		},
		byDuration: map[string][]ibgate.Bar{
			"1 W": {dayBar("2025-10-06", 172)},
		},
	}
	lake := testLake(t)
	runLogs := t.TempDir()
	errlog := runlog.NewErrorLog(runLogs)
	defer errlog.Close()
	bucket := ratelimit.NewBucket("historical", 600, 100)
	r := New(gw, bucket, lake, errlog, Config{BarSize: "1 min"}, nil)

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.BarsWritten != 1 || len(res.Errors) != 0 {
		t.Fatalf("processed=%d bars=%d errors=%v", res.Processed, res.BarsWritten, res.Errors)
	}

	// The rejected 1 M rung must be on record even though 1 W succeeded.
	day := time.Now().UTC().Format("20060102")
	data, err := os.ReadFile(filepath.Join(runLogs, "errors", fmt.Sprintf("errors_%s.log", day)))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e runlog.ErrorEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad error-log line %q: %v", line, err)
		}
		if e.Component == "backfill" && e.Stage == "duration_limit" && e.Symbol == "AAPL" {
			found = true
		}
	}
	if !found {
		t.Error("no duration_limit entry in the error log")
	}
}

func TestExplicitDurationTriedFirst(t *testing.T) {
	gw := &barGateway{byDuration: map[string][]ibgate.Bar{
		"3 M": {dayBar("2025-10-06", 172)},
	}}
	r, _ := testRunner(t, gw, Config{BarSize: "1 day", Duration: "3 M"})

	if _, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()})); err != nil {
		t.Fatal(err)
	}
	if len(gw.calls) != 1 || gw.calls[0] != "3 M" {
		t.Errorf("calls = %v, want [3 M]", gw.calls)
	}
}

func TestMaxAttemptsCapsLadder(t *testing.T) {
	limit := &ibgate.GatewayError{Code: 162, Message: "requesting too much data"}
	gw := &barGateway{errs: map[string]error{
		"10 Y": limit, "5 Y": limit, "2 Y": limit, "1 Y": limit,
	}}
	r, _ := testRunner(t, gw, Config{BarSize: "1 day", MaxAttempts: 2})

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if len(gw.calls) != 2 {
		t.Errorf("calls = %v, want 2 attempts", gw.calls)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != ibgate.KindDurationLimit {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestPacingRetriesSameDuration(t *testing.T) {
	// First call paces, the retry succeeds: the fake pops the error.
	gw := &pacingOnceGateway{bars: []ibgate.Bar{dayBar("2025-10-06", 172)}}
	lake := testLake(t)
	bucket := ratelimit.NewBucket("historical", 600, 100)
	r := New(gw, bucket, lake, nil, Config{BarSize: "1 day"}, nil)
	r.cfg.MaxRetries = 1

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if res.BarsWritten != 1 || len(res.Errors) != 0 {
		t.Errorf("bars=%d errors=%v", res.BarsWritten, res.Errors)
	}
	if gw.calls != 2 {
		t.Errorf("calls = %d, want 2", gw.calls)
	}
}

type pacingOnceGateway struct {
	barGateway
	bars  []ibgate.Bar
	calls int
}

func (g *pacingOnceGateway) HistoricalBars(ctx context.Context, req ibgate.HistoricalRequest) ([]ibgate.Bar, error) {
	g.calls++
	if g.calls == 1 {
		return nil, &ibgate.GatewayError{Code: 420, Message: "pacing violation"}
	}
	return g.bars, nil
}

func TestExpiredContractSkipped(t *testing.T) {
	gw := &barGateway{}
	r, _ := testRunner(t, gw, Config{BarSize: "1 day"})

	expired := model.ContractSpec{
		Conid: 1, Symbol: "AAPL", Exchange: "SMART", SecType: "OPT",
		Expiry: "2020-01-17", Strike: 150, Right: model.RightCall,
	}
	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: expired}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Processed != 0 {
		t.Errorf("skipped=%d processed=%d", res.Skipped, res.Processed)
	}
	if len(gw.calls) != 0 {
		t.Error("expired contract must not reach the broker")
	}
}

func TestStopRequeuesAndSaves(t *testing.T) {
	gw := &barGateway{byDuration: map[string][]ibgate.Bar{
		"10 Y": {dayBar("2025-10-06", 172)},
	}}
	stopped := false
	cfg := Config{BarSize: "1 day", Stop: func() bool { return stopped }}
	lake := testLake(t)
	bucket := ratelimit.NewBucket("historical", 600, 100)
	r := New(gw, bucket, lake, nil, cfg, nil)

	qpath := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := queue.Load[Item](qpath)
	if err != nil {
		t.Fatal(err)
	}
	q.Push(Item{Contract: stockSpec()})
	second := stockSpec()
	second.Conid = 8314
	second.Symbol = "IBM"
	q.Push(Item{Contract: second})
	if err := q.Save(); err != nil {
		t.Fatal(err)
	}

	// Stop after the first item completes: the runner checks the
	// predicate before each pop.
	gw2 := &stopAfterGateway{inner: gw, flag: &stopped}
	r.gw = gw2

	res, err := r.Run(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || res.Processed != 1 {
		t.Fatalf("stopped=%v processed=%d", res.Stopped, res.Processed)
	}

	reloaded, err := queue.Load[Item](qpath)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("persisted queue len = %d, want 1", reloaded.Len())
	}
	head, _ := reloaded.Peek()
	if head.Contract.Symbol != "IBM" {
		t.Errorf("remaining item = %s, want IBM", head.Contract.Symbol)
	}
}

type stopAfterGateway struct {
	inner *barGateway
	flag  *bool
}

func (g *stopAfterGateway) HistoricalBars(ctx context.Context, req ibgate.HistoricalRequest) ([]ibgate.Bar, error) {
	defer func() { *g.flag = true }()
	return g.inner.HistoricalBars(ctx, req)
}
func (g *stopAfterGateway) QualifyContracts(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, error) {
	return specs, nil
}
func (g *stopAfterGateway) OptionParams(ctx context.Context, symbol string, conid int64) ([]ibgate.Chain, error) {
	return nil, nil
}
func (g *stopAfterGateway) SubscribeQuotes(ctx context.Context, contracts []model.ContractSpec, ticks string) (ibgate.QuoteSubscription, error) {
	return nil, nil
}
func (g *stopAfterGateway) SetMarketDataType(ctx context.Context, mdt model.MarketDataType) error {
	return nil
}

func TestIncrementalKeepsOnlyNewerBars(t *testing.T) {
	gw := &barGateway{byDuration: map[string][]ibgate.Bar{
		"10 Y": {dayBar("2025-10-06", 172), dayBar("2025-10-07", 173), dayBar("2025-10-08", 174)},
	}}
	r, lake := testRunner(t, gw, Config{BarSize: "1 day", Incremental: true})

	// Seed existing data through 10-07.
	seed := r.toRows(stockSpec(), []ibgate.Bar{dayBar("2025-10-06", 172), dayBar("2025-10-07", 173)}, "10 Y", "seed-run")
	if _, err := r.persist(stockSpec(), seed); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if res.BarsWritten != 1 {
		t.Fatalf("bars written = %d, want only the 10-08 bar", res.BarsWritten)
	}

	rows, err := store.ReadRows[model.BarRow](store.PartitionPath(lake.CleanRoot, store.ViewDailyBars, date("2025-10-07"), "AAPL", "SMART"))
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].IngestID != "seed-run" {
		t.Error("incremental run must not rewrite existing bars")
	}
}

func TestNoDataIsCleanEmptyResult(t *testing.T) {
	gw := &barGateway{errs: map[string]error{
		"10 Y": &ibgate.GatewayError{Code: 200, Message: "No data of requested type"},
	}}
	r, _ := testRunner(t, gw, Config{BarSize: "1 day"})

	res, err := r.Run(context.Background(), loadQueue(t, Item{Contract: stockSpec()}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 || res.Processed != 1 || res.BarsWritten != 0 {
		t.Errorf("no_data should not error: %+v", res)
	}
}

func TestDurationLadderByBarSize(t *testing.T) {
	cases := []struct {
		barSize string
		first   string
		n       int
	}{
		{"1 day", "10 Y", 4},
		{"1 min", "1 M", 3},
		{"5 mins", "6 M", 4},
		{"1 hour", "1 Y", 4},
		{"30 secs", "2 D", 2},
		{"1 week", "10 Y", 2},
	}
	for _, tc := range cases {
		got := durationLadder(tc.barSize)
		if len(got) != tc.n || got[0] != tc.first {
			t.Errorf("durationLadder(%q) = %v, want %d entries starting %s", tc.barSize, got, tc.n, tc.first)
		}
	}
}
