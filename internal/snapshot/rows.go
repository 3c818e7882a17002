package snapshot

import (
	"math"
	"sort"
	"time"

	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/model"
)

// limitStrikesPerSide keeps contracts whose strike is among the n nearest
// at or below the reference plus the n nearest above it. n <= 0 keeps
// everything.
func limitStrikesPerSide(contracts []model.ContractSpec, ref float64, n int) []model.ContractSpec {
	if n <= 0 || ref <= 0 {
		return contracts
	}

	uniq := make(map[float64]bool)
	for _, c := range contracts {
		uniq[c.Strike] = true
	}
	var below, above []float64
	for s := range uniq {
		if s <= ref {
			below = append(below, s)
		} else {
			above = append(above, s)
		}
	}
	sort.Float64s(below)
	sort.Float64s(above)
	if len(below) > n {
		below = below[len(below)-n:]
	}
	if len(above) > n {
		above = above[:n]
	}

	keep := make(map[float64]bool, len(below)+len(above))
	for _, s := range below {
		keep[s] = true
	}
	for _, s := range above {
		keep[s] = true
	}

	out := make([]model.ContractSpec, 0, len(contracts))
	for _, c := range contracts {
		if keep[c.Strike] {
			out = append(out, c)
		}
	}
	return out
}

// buildRow produces one MarketRow from a contract and its final quote
// state, applying the data-quality flag table.
func buildRow(c model.ContractSpec, q model.Quote, slot calendar.Slot, p rowParams) model.MarketRow {
	r := model.MarketRow{
		TradeDate:       p.tradeDate,
		MarketDataType:  int32(q.MarketDataType),
		SampleTime:      slot.UTC,
		SampleTimeET:    slot.ET.Format("2006-01-02 15:04"),
		Slot30m:         int32(slot.Index),
		FirstSeenSlot:   int32(slot.Index),
		UnderlyingClose: model.Float(p.referencePrice),
		IngestID:        p.ingestID,
		IngestRunType:   string(p.runType),
		Source:          "IBKR",
	}
	r.ApplyContract(c)
	r.Underlying = p.symbol

	r.Bid = q.Bid
	r.Ask = q.Ask
	r.Last = q.Last
	r.Volume = q.Volume
	r.IV = q.IV
	r.Delta = q.Delta
	r.Gamma = q.Gamma
	r.Theta = q.Theta
	r.Vega = q.Vega
	r.OpenInterest = pickOpenInterest(q, c.Right)

	r.AsOfTS = slot.UTC
	if !q.ServerTime.IsZero() {
		r.AsOfTS = q.ServerTime
	}

	var flags model.FlagSet
	if q.MarketDataType != model.MarketDataLive {
		flags.Add(model.FlagDelayedFallback)
	}
	if r.OpenInterest == nil {
		flags.Add(model.FlagMissingOI)
	}
	if !q.PriceReady() {
		flags.Add(model.FlagMissingPrice)
	}
	if !q.GreeksReady() {
		flags.Add(model.FlagMissingGreeks)
	}
	if p.timedOut && !ready(q, p.requireGreeks) {
		flags.Add(model.FlagSnapshotTimeout)
	}
	if p.exchangeFallback {
		flags.Add(model.FlagExchangeFallback)
	}
	if q.Bid != nil && q.Ask != nil && *q.Bid > *q.Ask {
		flags.Add(model.FlagCrossedMarket)
	}
	if q.IV != nil && (*q.IV > 5 || math.IsNaN(*q.IV)) {
		flags.Add(model.FlagExtremeIV)
	}
	if q.Delta != nil && math.Abs(*q.Delta) > 1 {
		flags.Add(model.FlagInvalidDelta)
	}
	r.SetFlags(flags)

	return r
}

type rowParams struct {
	tradeDate        time.Time
	symbol           string
	referencePrice   float64
	ingestID         string
	runType          model.RunType
	requireGreeks    bool
	timedOut         bool
	exchangeFallback bool
}

// ready is the subscription readiness condition.
func ready(q model.Quote, requireGreeks bool) bool {
	return q.PriceReady() && (!requireGreeks || q.GreeksReady())
}

// pickOpenInterest prefers the side-specific tick for options, falling
// back to the plain open-interest field.
func pickOpenInterest(q model.Quote, right model.Right) *float64 {
	switch right {
	case model.RightCall:
		if q.CallOpenInterest != nil {
			return q.CallOpenInterest
		}
	case model.RightPut:
		if q.PutOpenInterest != nil {
			return q.PutOpenInterest
		}
	}
	return q.OpenInterest
}
