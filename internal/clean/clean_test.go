package clean

import (
	"testing"

	"github.com/optlake/optlake/internal/model"
)

func TestRowDerivedColumns(t *testing.T) {
	r := model.MarketRow{
		Bid:             model.Float(1.0),
		Ask:             model.Float(1.5),
		Strike:          200,
		Multiplier:      100,
		UnderlyingClose: model.Float(210),
	}
	Row(&r)

	if r.Mid == nil || *r.Mid != 1.25 {
		t.Errorf("mid = %v, want 1.25", r.Mid)
	}
	if r.MoneynessPct == nil || *r.MoneynessPct != 0.05 {
		t.Errorf("moneyness = %v, want 0.05", r.MoneynessPct)
	}
	if r.StrikePer100 == nil || *r.StrikePer100 != 200 {
		t.Errorf("strike_per_100 = %v, want 200", r.StrikePer100)
	}
	if r.Source != "IBKR" {
		t.Errorf("source = %q, want IBKR", r.Source)
	}
}

func TestRowMissingInputs(t *testing.T) {
	r := model.MarketRow{
		Bid:    model.Float(1.0), // no ask
		Strike: 0,
		Source: "vendor",
	}
	Row(&r)

	if r.Mid != nil {
		t.Errorf("mid = %v, want nil with one-sided quote", r.Mid)
	}
	if r.MoneynessPct != nil {
		t.Error("moneyness should be nil for zero strike")
	}
	if r.StrikePer100 != nil {
		t.Error("strike_per_100 should be nil without multiplier")
	}
	if r.Source != "vendor" {
		t.Errorf("source = %q, existing value must survive", r.Source)
	}
}

func TestRowsNormalizesFlags(t *testing.T) {
	rows := []model.MarketRow{
		{DataQualityFlag: []string{"missing_oi", "delayed_fallback", "missing_oi"}},
	}
	Rows(rows)
	got := rows[0].DataQualityFlag
	if len(got) != 2 || got[0] != "delayed_fallback" || got[1] != "missing_oi" {
		t.Errorf("flags = %v, want canonical order without duplicates", got)
	}
}
