package stream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
)

// streamExpiries returns the weekly and monthly expiries to subscribe:
// the nearest Friday on or after today, plus the next monthly expiry
// strictly after it.
func streamExpiries(today time.Time) []string {
	friday := today
	for friday.Weekday() != time.Friday {
		friday = friday.AddDate(0, 0, 1)
	}

	monthly := calendar.ThirdFriday(today.Year(), today.Month())
	for !monthly.After(friday) {
		y, m := monthly.Year(), monthly.Month()
		if m == time.December {
			y, m = y+1, time.January
		} else {
			m++
		}
		monthly = calendar.ThirdFriday(y, m)
	}

	return []string{friday.Format("2006-01-02"), monthly.Format("2006-01-02")}
}

// pickStrikes selects up to n strikes at or below spot and n above,
// from the chain's sorted strike list.
func pickStrikes(strikes []float64, spot float64, n int) []float64 {
	if n <= 0 || len(strikes) == 0 {
		return nil
	}
	sorted := append([]float64(nil), strikes...)
	sort.Float64s(sorted)

	split := sort.SearchFloat64s(sorted, spot)
	// SearchFloat64s lands on the first strike >= spot; an exact match
	// belongs to the at-or-below side.
	if split < len(sorted) && sorted[split] == spot {
		split++
	}

	lo := split - n
	if lo < 0 {
		lo = 0
	}
	hi := split + n
	if hi > len(sorted) {
		hi = len(sorted)
	}
	return sorted[lo:hi]
}

// buildOptionContracts resolves the streaming option universe for one
// underlying around the spot price.
func (r *Runner) buildOptionContracts(ctx context.Context, stock model.ContractSpec, spot float64) ([]model.ContractSpec, error) {
	if err := r.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	chains, err := r.gw.OptionParams(ctx, stock.Symbol, stock.Conid)
	if err != nil {
		return nil, err
	}
	chain, err := chooseChain(chains)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stock.Symbol, err)
	}

	want := make(map[string]bool)
	for _, e := range streamExpiries(midnightUTC(time.Now().UTC())) {
		want[e] = true
	}

	var specs []model.ContractSpec
	for _, expiry := range chain.Expirations {
		if !want[expiry] {
			continue
		}
		for _, strike := range pickStrikes(chain.Strikes, spot, r.cfg.StrikesPerSide) {
			for _, right := range r.cfg.Rights {
				specs = append(specs, model.ContractSpec{
					Symbol:       stock.Symbol,
					Expiry:       expiry,
					Strike:       strike,
					Right:        model.Right(right),
					Exchange:     chain.Exchange,
					Currency:     "USD",
					TradingClass: chain.TradingClass,
					Multiplier:   chain.Multiplier,
					SecType:      "OPT",
				})
			}
		}
	}
	if len(specs) == 0 {
		return nil, nil
	}

	if err := r.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	return r.gw.QualifyContracts(ctx, specs)
}

// chooseChain prefers the SMART aggregate chain, then standard
// multiplier, then the first listed.
func chooseChain(chains []ibgate.Chain) (ibgate.Chain, error) {
	if len(chains) == 0 {
		return ibgate.Chain{}, fmt.Errorf("no option chains")
	}
	for _, c := range chains {
		if c.Exchange == "SMART" && c.Multiplier == 100 {
			return c, nil
		}
	}
	for _, c := range chains {
		if c.Multiplier == 100 {
			return c, nil
		}
	}
	return chains[0], nil
}
