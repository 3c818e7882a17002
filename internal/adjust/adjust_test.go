package adjust

import (
	"strings"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/model"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

const sampleCSV = `symbol,event_date,event_type,ratio,cash_amount,notes
AAPL,2020-08-31,split,4,,4:1 split
AAPL,2014-06-09,split,7,,7:1 split
TSLA,2022-08-25,split,3,,
BAD,not-a-date,split,2,,
NEG,2021-01-01,split,-2,,
`

func TestReadParsesAndDrops(t *testing.T) {
	a, err := Read(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(a.Actions()) != 3 {
		t.Errorf("parsed %d actions, want 3", len(a.Actions()))
	}
	if len(a.Dropped()) != 2 {
		t.Errorf("dropped %d rows, want 2", len(a.Dropped()))
	}
}

func TestFactorCumulativeSplits(t *testing.T) {
	a, err := Read(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatal(err)
	}

	// Before any split: factor 1.
	if f := a.Factor("AAPL", date("2014-01-01")); f != 1.0 {
		t.Errorf("pre-split factor = %v, want 1.0", f)
	}
	// After the 7:1 only.
	if f := a.Factor("AAPL", date("2015-01-01")); f != 1.0/7 {
		t.Errorf("factor after 7:1 = %v, want 1/7", f)
	}
	// After both: 1/(7*4).
	if f := a.Factor("AAPL", date("2021-01-01")); f != 1.0/28 {
		t.Errorf("factor after both = %v, want 1/28", f)
	}
	// Exact match is inclusive.
	if f := a.Factor("AAPL", date("2020-08-31")); f != 1.0/28 {
		t.Errorf("factor on effective date = %v, want 1/28", f)
	}
	// Unknown symbol.
	if f := a.Factor("SPY", date("2025-01-01")); f != 1.0 {
		t.Errorf("unknown symbol factor = %v, want 1.0", f)
	}
	// Case-insensitive lookup.
	if f := a.Factor("tsla", date("2023-01-01")); f != 1.0/3 {
		t.Errorf("lowercase lookup = %v, want 1/3", f)
	}
}

func TestApplyAdjustedColumns(t *testing.T) {
	a := New([]Action{
		{Symbol: "AAPL", EventDate: date("2020-08-31"), EventType: "split", Ratio: 4},
	})

	rows := []model.MarketRow{
		{
			TradeDate:       date("2021-01-04"),
			Underlying:      "AAPL",
			Strike:          400,
			UnderlyingClose: model.Float(500),
		},
		{
			TradeDate:       date("2021-01-04"),
			Underlying:      "MSFT",
			Strike:          300,
			UnderlyingClose: model.Float(310),
		},
	}
	a.Apply(rows)

	aapl := rows[0]
	if aapl.StrikeAdj == nil || *aapl.StrikeAdj != 100 {
		t.Errorf("strike_adj = %v, want 100", aapl.StrikeAdj)
	}
	if aapl.UnderlyingCloseAdj == nil || *aapl.UnderlyingCloseAdj != 125 {
		t.Errorf("underlying_close_adj = %v, want 125", aapl.UnderlyingCloseAdj)
	}
	if aapl.MoneynessPctAdj == nil || *aapl.MoneynessPctAdj != 0.25 {
		t.Errorf("moneyness_adj = %v, want 0.25", aapl.MoneynessPctAdj)
	}

	msft := rows[1]
	if msft.StrikeAdj == nil || *msft.StrikeAdj != 300 {
		t.Errorf("no-action symbol strike_adj = %v, want unchanged 300", msft.StrikeAdj)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	a, err := Load(t.TempDir() + "/absent.csv")
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if f := a.Factor("AAPL", date("2025-01-01")); f != 1.0 {
		t.Errorf("empty adjuster factor = %v, want 1.0", f)
	}
}
