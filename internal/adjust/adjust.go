// Package adjust applies cumulative split factors to price and strike
// columns, producing the adjusted view alongside the clean one.
package adjust

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/optlake/optlake/internal/model"
)

// csvAction is the on-disk corporate-actions row.
type csvAction struct {
	Symbol     string   `csv:"symbol"`
	EventDate  string   `csv:"event_date"` // ISO
	EventType  string   `csv:"event_type"`
	Ratio      float64  `csv:"ratio"` // split ratio, e.g. 4 for 4:1
	CashAmount *float64 `csv:"cash_amount"`
	Notes      string   `csv:"notes"`
}

// Action is one parsed corporate action.
type Action struct {
	Symbol     string
	EventDate  time.Time
	EventType  string
	Ratio      float64
	CashAmount *float64
	Notes      string
}

// DropRecord documents a row the loader rejected.
type DropRecord struct {
	Line   int
	Reason string
}

// factorPoint is the precomputed adjustment at one effective date.
type factorPoint struct {
	date   time.Time
	factor float64 // 1 / cumulative split ratio
}

// Adjuster holds the per-symbol factor curves.
type Adjuster struct {
	factors map[string][]factorPoint // sorted by date ascending
	actions []Action
	dropped []DropRecord
}

// Load reads the corporate-actions CSV and precomputes the cumulative
// factors. A missing file yields an empty adjuster (factor 1.0 for
// everything).
func Load(path string) (*Adjuster, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses corporate actions from r.
func Read(r io.Reader) (*Adjuster, error) {
	var raw []csvAction
	if err := gocsv.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("parse corporate actions: %w", err)
	}

	var actions []Action
	var dropped []DropRecord
	for i, row := range raw {
		line := i + 2 // header is line 1
		sym := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if sym == "" {
			dropped = append(dropped, DropRecord{Line: line, Reason: "empty symbol"})
			continue
		}
		d, err := time.Parse("2006-01-02", strings.TrimSpace(row.EventDate))
		if err != nil {
			dropped = append(dropped, DropRecord{Line: line, Reason: "bad event_date " + row.EventDate})
			continue
		}
		if row.Ratio <= 0 {
			dropped = append(dropped, DropRecord{Line: line, Reason: fmt.Sprintf("non-positive ratio %v", row.Ratio)})
			continue
		}
		actions = append(actions, Action{
			Symbol:     sym,
			EventDate:  d,
			EventType:  strings.TrimSpace(row.EventType),
			Ratio:      row.Ratio,
			CashAmount: row.CashAmount,
			Notes:      row.Notes,
		})
	}

	a := New(actions)
	a.dropped = dropped
	return a, nil
}

// New builds an adjuster from already-parsed actions.
func New(actions []Action) *Adjuster {
	bySym := make(map[string][]Action)
	for _, act := range actions {
		bySym[act.Symbol] = append(bySym[act.Symbol], act)
	}

	factors := make(map[string][]factorPoint, len(bySym))
	for sym, acts := range bySym {
		sort.Slice(acts, func(i, j int) bool { return acts[i].EventDate.Before(acts[j].EventDate) })
		cum := 1.0
		points := make([]factorPoint, 0, len(acts))
		for _, act := range acts {
			if act.EventType != "split" && act.EventType != "" {
				continue
			}
			cum *= act.Ratio
			points = append(points, factorPoint{date: act.EventDate, factor: 1 / cum})
		}
		if len(points) > 0 {
			factors[sym] = points
		}
	}

	return &Adjuster{factors: factors, actions: actions}
}

// Dropped returns the rows the loader rejected.
func (a *Adjuster) Dropped() []DropRecord { return a.dropped }

// Actions returns the parsed actions, for persisting the
// corporate_actions view.
func (a *Adjuster) Actions() []Action { return a.actions }

// Factor returns the adjustment factor for (symbol, tradeDate): the
// factor of the latest action with effective_date <= tradeDate, or 1.0
// when the symbol has no actions on or before the date.
func (a *Adjuster) Factor(symbol string, tradeDate time.Time) float64 {
	points := a.factors[strings.ToUpper(symbol)]
	if len(points) == 0 {
		return 1.0
	}
	// Backward merge-asof: last point at or before the trade date.
	i := sort.Search(len(points), func(i int) bool {
		return points[i].date.After(tradeDate)
	})
	if i == 0 {
		return 1.0
	}
	return points[i-1].factor
}

// Apply rewrites each row's adjusted columns from its symbol's factor.
func (a *Adjuster) Apply(rows []model.MarketRow) []model.MarketRow {
	for i := range rows {
		a.applyRow(&rows[i])
	}
	return rows
}

func (a *Adjuster) applyRow(r *model.MarketRow) {
	adj := a.Factor(r.Underlying, r.TradeDate)

	if r.UnderlyingClose != nil {
		r.UnderlyingCloseAdj = model.Float(*r.UnderlyingClose * adj)
	}
	r.StrikeAdj = model.Float(r.Strike * adj)
	if r.UnderlyingCloseAdj != nil && r.StrikeAdj != nil && *r.StrikeAdj != 0 {
		r.MoneynessPctAdj = model.Float(*r.UnderlyingCloseAdj / *r.StrikeAdj - 1)
	}
}

// Rows converts the parsed actions into the stored corporate_actions
// schema.
func (a *Adjuster) Rows(ingestID string) []model.CorporateActionRow {
	out := make([]model.CorporateActionRow, 0, len(a.actions))
	for _, act := range a.actions {
		out = append(out, model.CorporateActionRow{
			Symbol:     act.Symbol,
			EventDate:  act.EventDate,
			EventType:  act.EventType,
			Ratio:      act.Ratio,
			CashAmount: act.CashAmount,
			Notes:      act.Notes,
			IngestID:   ingestID,
		})
	}
	return out
}
