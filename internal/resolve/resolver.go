// Package resolve turns (symbol, date, reference price) into the set of
// option contracts the pipeline captures, with an on-disk cache per
// (symbol, date).
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
)

const qualifyBatchSize = 50

// Config bounds the contract universe per symbol.
type Config struct {
	CacheDir     string
	ForceRefresh bool

	PrimaryExchange     string
	MoneynessPct        float64
	ExpiryTypes         []string // subset of monthly, quarterly, weekly
	ExpiryMonthsAhead   int      // 0 = unbounded
	MaxStrikesPerExpiry int      // 0 = unbounded
}

// Drop documents one contract the broker refused to qualify.
type Drop struct {
	Spec   model.ContractSpec
	Reason string
}

// Result is one resolution outcome.
type Result struct {
	Contracts []model.ContractSpec
	Dropped   []Drop
	FromCache bool
}

// Resolver discovers and caches per-symbol option universes.
type Resolver struct {
	gw     ibgate.Gateway
	bucket *ratelimit.Bucket // discovery class
	cfg    Config
	logger *slog.Logger
}

// New creates a resolver. The bucket paces every gateway call.
func New(gw ibgate.Gateway, bucket *ratelimit.Bucket, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{gw: gw, bucket: bucket, cfg: cfg, logger: logger}
}

// Resolve returns the filtered, qualified contract set for the symbol on
// asofDate. The cache is consulted first unless force_refresh is set.
func (r *Resolver) Resolve(ctx context.Context, symbol string, underlyingConid int64, asofDate time.Time, referencePrice float64) (Result, error) {
	symbol = strings.ToUpper(symbol)

	if !r.cfg.ForceRefresh {
		if cached, ok := r.readCache(symbol, asofDate); ok {
			return Result{Contracts: cached, FromCache: true}, nil
		}
	}

	if err := r.bucket.Wait(ctx); err != nil {
		return Result{}, err
	}
	chains, err := r.gw.OptionParams(ctx, symbol, underlyingConid)
	if err != nil {
		return Result{}, fmt.Errorf("option params %s: %w", symbol, err)
	}
	if len(chains) == 0 {
		return Result{}, fmt.Errorf("no option chains for %s", symbol)
	}

	chain := chooseChain(chains, symbol, r.cfg.PrimaryExchange)
	specs := r.enumerate(chain, symbol, asofDate, referencePrice)
	if len(specs) == 0 {
		return Result{}, fmt.Errorf("no contracts within filters for %s", symbol)
	}

	qualified, dropped, err := r.qualify(ctx, specs)
	if err != nil {
		return Result{}, err
	}

	if err := r.writeCache(symbol, asofDate, qualified); err != nil {
		r.logger.Warn("contract cache write failed", "symbol", symbol, "error", err)
	}

	return Result{Contracts: qualified, Dropped: dropped}, nil
}

// chooseChain picks the chain to enumerate: primary-exchange match
// (most strikes breaking ties), then trading-class match, then the chain
// with the most strikes.
func chooseChain(chains []ibgate.Chain, symbol, primary string) ibgate.Chain {
	best := func(candidates []ibgate.Chain) ibgate.Chain {
		out := candidates[0]
		for _, c := range candidates[1:] {
			if len(c.Strikes) > len(out.Strikes) {
				out = c
			}
		}
		return out
	}

	var onPrimary, byClass []ibgate.Chain
	for _, c := range chains {
		if strings.EqualFold(c.Exchange, primary) {
			onPrimary = append(onPrimary, c)
		}
		if strings.EqualFold(c.TradingClass, symbol) {
			byClass = append(byClass, c)
		}
	}
	if len(onPrimary) > 0 {
		return best(onPrimary)
	}
	if len(byClass) > 0 {
		return best(byClass)
	}
	return best(chains)
}

// ClassifyExpiry types an expiry date within its month. Monthly is the
// holiday-adjusted third Friday; quarterly is a monthly in Mar, Jun, Sep
// or Dec; anything else is weekly.
func ClassifyExpiry(d time.Time) model.ExpiryType {
	third := calendar.ThirdFriday(d.Year(), d.Month())
	if d.Year() == third.Year() && d.YearDay() == third.YearDay() {
		switch d.Month() {
		case time.March, time.June, time.September, time.December:
			return model.ExpiryQuarterly
		}
		return model.ExpiryMonthly
	}
	return model.ExpiryWeekly
}

// expiryAllowed checks the type filter. Quarterlies count as monthlies:
// asking for monthly includes the four quarterly months.
func expiryAllowed(et model.ExpiryType, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		switch model.ExpiryType(a) {
		case et:
			return true
		case model.ExpiryMonthly:
			if et == model.ExpiryQuarterly {
				return true
			}
		}
	}
	return false
}

// enumerate expands the chain into candidate specs under the filters.
func (r *Resolver) enumerate(chain ibgate.Chain, symbol string, asofDate time.Time, ref float64) []model.ContractSpec {
	var horizon time.Time
	if r.cfg.ExpiryMonthsAhead > 0 {
		horizon = asofDate.AddDate(0, r.cfg.ExpiryMonthsAhead, 0)
	}

	var specs []model.ContractSpec
	for _, expiry := range chain.Expirations {
		d, err := time.Parse("2006-01-02", expiry)
		if err != nil || d.Before(asofDate) {
			continue
		}
		if !horizon.IsZero() && d.After(horizon) {
			continue
		}
		et := ClassifyExpiry(d)
		if !expiryAllowed(et, r.cfg.ExpiryTypes) {
			continue
		}

		for _, strike := range nearestStrikes(chain.Strikes, ref, r.cfg.MoneynessPct, r.cfg.MaxStrikesPerExpiry) {
			for _, right := range []model.Right{model.RightCall, model.RightPut} {
				specs = append(specs, model.ContractSpec{
					Symbol:       symbol,
					Expiry:       expiry,
					Strike:       strike,
					Right:        right,
					Exchange:     chain.Exchange,
					TradingClass: chain.TradingClass,
					Multiplier:   chain.Multiplier,
					ExpiryType:   et,
					SecType:      "OPT",
				})
			}
		}
	}
	return specs
}

// nearestStrikes filters to the moneyness window, then keeps the maxN
// nearest to the reference (|strike-ref| ascending, strike ascending),
// returned in ascending strike order.
func nearestStrikes(strikes []float64, ref, moneyness float64, maxN int) []float64 {
	var in []float64
	for _, s := range strikes {
		if s <= 0 {
			continue
		}
		if ref > 0 && moneyness > 0 && math.Abs(s/ref-1) > moneyness {
			continue
		}
		in = append(in, s)
	}
	if maxN > 0 && len(in) > maxN {
		sort.Slice(in, func(i, j int) bool {
			di, dj := math.Abs(in[i]-ref), math.Abs(in[j]-ref)
			if di != dj {
				return di < dj
			}
			return in[i] < in[j]
		})
		in = in[:maxN]
	}
	sort.Float64s(in)
	return in
}

// qualify resolves conids in batches, recording a drop per contract the
// broker did not recognize.
func (r *Resolver) qualify(ctx context.Context, specs []model.ContractSpec) ([]model.ContractSpec, []Drop, error) {
	var qualified []model.ContractSpec
	var dropped []Drop

	for start := 0; start < len(specs); start += qualifyBatchSize {
		end := min(start+qualifyBatchSize, len(specs))
		batch := specs[start:end]

		if err := r.bucket.Wait(ctx); err != nil {
			return nil, nil, err
		}
		got, err := r.gw.QualifyContracts(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("qualify batch: %w", err)
		}

		byKey := make(map[string]model.ContractSpec, len(got))
		for _, c := range got {
			byKey[specKey(c)] = c
		}
		for _, want := range batch {
			c, ok := byKey[specKey(want)]
			if !ok {
				dropped = append(dropped, Drop{Spec: want, Reason: "qualification failed"})
				continue
			}
			// Carry the enumeration-time typing; the broker does not echo it.
			c.ExpiryType = want.ExpiryType
			if c.Multiplier == 0 {
				c.Multiplier = want.Multiplier
			}
			qualified = append(qualified, c)
		}
	}
	return qualified, dropped, nil
}

func specKey(c model.ContractSpec) string {
	return fmt.Sprintf("%s|%s|%g|%s", strings.ToUpper(c.Symbol), c.Expiry, c.Strike, c.Right)
}
