// Package clean is the pure transformation between raw captured rows and
// the cleaned views: derived columns, flag canonicalization, and source
// attribution.
package clean

import (
	"github.com/optlake/optlake/internal/model"
)

// Rows cleans a batch in place and returns it.
//
// Derivations:
//   - mid = (bid+ask)/2 when both sides are present
//   - moneyness_pct = underlying_close/strike - 1 when strike != 0
//   - strike_per_100 = strike * 100 / multiplier when multiplier is set
//   - data_quality_flag canonicalized (ordered, de-duplicated)
//   - source defaults to "IBKR"
func Rows(rows []model.MarketRow) []model.MarketRow {
	for i := range rows {
		Row(&rows[i])
	}
	return rows
}

// Row cleans a single row in place.
func Row(r *model.MarketRow) {
	if r.Bid != nil && r.Ask != nil {
		r.Mid = model.Float((*r.Bid + *r.Ask) / 2)
	}

	if r.UnderlyingClose != nil && r.Strike != 0 {
		r.MoneynessPct = model.Float(*r.UnderlyingClose/r.Strike - 1)
	}

	if r.Multiplier > 0 {
		r.StrikePer100 = model.Float(r.Strike * 100 / r.Multiplier)
	}

	r.DataQualityFlag = model.NormalizeFlagTokens(r.DataQualityFlag)

	if r.Source == "" {
		r.Source = "IBKR"
	}
}
