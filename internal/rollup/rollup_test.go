package rollup

import (
	"testing"
	"time"

	"github.com/optlake/optlake/internal/adjust"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/store"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func intradayRow(conid int64, slot int32, bid float64) model.MarketRow {
	d := date("2025-10-06")
	return model.MarketRow{
		TradeDate:       d,
		Conid:           conid,
		Underlying:      "AAPL",
		Exchange:        "SMART",
		Strike:          150,
		Right:           "C",
		Bid:             model.Float(bid),
		Ask:             model.Float(bid + 0.1),
		UnderlyingClose: model.Float(172),
		MarketDataType:  1,
		AsOfTS:          d.Add(time.Duration(slot) * 30 * time.Minute),
		SampleTime:      d.Add(13*time.Hour + 30*time.Minute + time.Duration(slot)*30*time.Minute),
		Slot30m:         slot,
		IngestID:        "intraday-run",
		IngestRunType:   "intraday",
	}
}

func seedIntraday(t *testing.T, lake store.Config, rows []model.MarketRow) {
	t.Helper()
	codec, _ := lake.CodecFor(time.Now(), time.Now())
	path := store.PartitionPath(lake.CleanRoot, store.ViewIntraday, date("2025-10-06"), "AAPL", "SMART")
	if _, err := store.MergeAppend(path, codec, rows, store.MarketSpec(store.ViewIntraday)); err != nil {
		t.Fatal(err)
	}
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

func TestRollupStrategySelection(t *testing.T) {
	lake := testLake(t)
	seedIntraday(t, lake, []model.MarketRow{
		// conid 1: has the close slot (13).
		intradayRow(1, 0, 1.0),
		intradayRow(1, 13, 2.0),
		// conid 2: only the fallback slot (12).
		intradayRow(2, 0, 3.0),
		intradayRow(2, 12, 4.0),
		// conid 3: neither; last row wins.
		intradayRow(3, 0, 5.0),
		intradayRow(3, 4, 6.0),
	})

	r := New(lake, adjust.New(nil), Config{CloseSlot: 13, FallbackSlot: 12}, nil)
	res, err := r.Run(date("2025-10-06"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Contracts != 3 {
		t.Fatalf("contracts = %d, want 3", res.Contracts)
	}
	if res.StrategyCounts[model.RollupClose] != 1 ||
		res.StrategyCounts[model.RollupSlot1530] != 1 ||
		res.StrategyCounts[model.RollupLastGood] != 1 {
		t.Errorf("strategy counts = %v", res.StrategyCounts)
	}

	daily, err := store.ReadRows[model.MarketRow](store.PartitionPath(lake.CleanRoot, store.ViewDailyClean, date("2025-10-06"), "AAPL", "SMART"))
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 3 {
		t.Fatalf("daily rows = %d, want 3", len(daily))
	}

	byConid := map[int64]model.MarketRow{}
	for _, row := range daily {
		byConid[row.Conid] = row
	}
	if got := byConid[1]; got.RollupStrategy != "close" || *got.Bid != 2.0 || *got.RollupSourceSlot != 13 {
		t.Errorf("conid 1 rollup = %+v", got)
	}
	if got := byConid[2]; got.RollupStrategy != "slot_1530" || *got.Bid != 4.0 {
		t.Errorf("conid 2 rollup strategy = %s bid = %v", got.RollupStrategy, *got.Bid)
	}
	if got := byConid[3]; got.RollupStrategy != "last_good" || *got.Bid != 6.0 || *got.RollupSourceSlot != 4 {
		t.Errorf("conid 3 rollup = %s bid %v", got.RollupStrategy, *got.Bid)
	}
	for _, row := range daily {
		if row.IngestRunType != "eod_rollup" {
			t.Errorf("run_type = %s", row.IngestRunType)
		}
		if row.IngestID != res.IngestID {
			t.Error("daily rows must carry the fresh ingest id")
		}
		if row.RollupSourceTime == nil {
			t.Error("rollup_source_time not set")
		}
	}
}

func TestRollupEmitsAdjustedView(t *testing.T) {
	lake := testLake(t)
	seedIntraday(t, lake, []model.MarketRow{intradayRow(1, 13, 2.0)})

	adj := adjust.New([]adjust.Action{
		{Symbol: "AAPL", EventDate: date("2020-08-31"), EventType: "split", Ratio: 4},
	})
	r := New(lake, adj, Config{CloseSlot: 13, FallbackSlot: 12}, nil)
	if _, err := r.Run(date("2025-10-06"), nil); err != nil {
		t.Fatal(err)
	}

	adjusted, err := store.ReadRows[model.MarketRow](store.PartitionPath(lake.CleanRoot, store.ViewDailyAdjusted, date("2025-10-06"), "AAPL", "SMART"))
	if err != nil {
		t.Fatal(err)
	}
	if len(adjusted) != 1 {
		t.Fatalf("adjusted rows = %d", len(adjusted))
	}
	if adjusted[0].StrikeAdj == nil || *adjusted[0].StrikeAdj != 150.0/4 {
		t.Errorf("strike_adj = %v, want 37.5", adjusted[0].StrikeAdj)
	}

	// The clean view must stay unadjusted.
	daily, _ := store.ReadRows[model.MarketRow](store.PartitionPath(lake.CleanRoot, store.ViewDailyClean, date("2025-10-06"), "AAPL", "SMART"))
	if daily[0].StrikeAdj != nil {
		t.Error("daily_clean should not carry adjusted columns")
	}
}

func TestRollupDerivesCloseSlotFromGrid(t *testing.T) {
	lake := testLake(t)
	// 2025-07-03 is a 13:00 early close: 8 slots, close slot 7.
	d := date("2025-07-03")
	row := intradayRow(1, 7, 9.0)
	row.TradeDate = d
	codec, _ := lake.CodecFor(time.Now(), time.Now())
	path := store.PartitionPath(lake.CleanRoot, store.ViewIntraday, d, "AAPL", "SMART")
	if _, err := store.MergeAppend(path, codec, []model.MarketRow{row}, store.MarketSpec(store.ViewIntraday)); err != nil {
		t.Fatal(err)
	}

	r := New(lake, adjust.New(nil), Config{CloseSlot: -1, FallbackSlot: 12, SlotMinutes: 30}, nil)
	res, err := r.Run(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StrategyCounts[model.RollupClose] != 1 {
		t.Errorf("early-close slot 7 should count as close: %v", res.StrategyCounts)
	}
}

func TestRollupSymbolFilterAndEmptyDay(t *testing.T) {
	lake := testLake(t)
	seedIntraday(t, lake, []model.MarketRow{intradayRow(1, 13, 2.0)})

	r := New(lake, adjust.New(nil), Config{CloseSlot: 13, FallbackSlot: 12}, nil)

	res, err := r.Run(date("2025-10-06"), []string{"MSFT"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Contracts != 0 {
		t.Errorf("filtered run rolled up %d contracts, want 0", res.Contracts)
	}

	empty, err := r.Run(date("2025-10-07"), nil)
	if err != nil {
		t.Fatalf("empty day must not error: %v", err)
	}
	if empty.Contracts != 0 {
		t.Errorf("empty day contracts = %d", empty.Contracts)
	}
}
