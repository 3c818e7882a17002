package calendar

import (
	"fmt"
	"time"
)

// Slot is one sample point on the trading day's grid.
type Slot struct {
	Index int
	ET    time.Time // slot wall clock in exchange time
	UTC   time.Time // same instant, tz-stripped UTC for storage
	Label string    // "HH:MM" in ET
}

// SlotGrid is the ordered sequence of sample points for one trade date,
// from market open to market close inclusive.
type SlotGrid struct {
	TradeDate time.Time
	Slots     []Slot
	StepMin   int
}

// BuildSlotGrid constructs the grid for a trade date. stepMinutes defaults
// to 30 when zero or negative. Early closes shorten the grid.
func BuildSlotGrid(tradeDate time.Time, stepMinutes int) SlotGrid {
	if stepMinutes <= 0 {
		stepMinutes = 30
	}
	open := MarketOpen(tradeDate)
	close := MarketClose(tradeDate)

	grid := SlotGrid{TradeDate: tradeDate, StepMin: stepMinutes}
	step := time.Duration(stepMinutes) * time.Minute
	for i, t := 0, open; !t.After(close); i, t = i+1, t.Add(step) {
		utc := t.UTC()
		grid.Slots = append(grid.Slots, Slot{
			Index: i,
			ET:    t,
			UTC:   time.Date(utc.Year(), utc.Month(), utc.Day(), utc.Hour(), utc.Minute(), 0, 0, time.UTC),
			Label: t.Format("15:04"),
		})
	}
	return grid
}

// Len returns the number of slots.
func (g SlotGrid) Len() int { return len(g.Slots) }

// CloseSlot returns the index of the final slot (the session close).
func (g SlotGrid) CloseSlot() int { return len(g.Slots) - 1 }

// ByLabel returns the slot matching an "HH:MM" ET label.
func (g SlotGrid) ByLabel(label string) (Slot, bool) {
	for _, s := range g.Slots {
		if s.Label == label {
			return s, true
		}
	}
	return Slot{}, false
}

// Resolve maps a slot argument to a concrete slot.
//
// Accepted forms: an "HH:MM" label, "now", or "next". For "now", the grace
// window admits the first slot while now <= first + grace; afterwards the
// slot is the floor of (now - first) / step. "next" rounds up instead.
func (g SlotGrid) Resolve(label string, now time.Time, grace time.Duration) (Slot, error) {
	if len(g.Slots) == 0 {
		return Slot{}, fmt.Errorf("empty slot grid for %s", g.TradeDate.Format("2006-01-02"))
	}

	switch label {
	case "now", "next":
	default:
		if s, ok := g.ByLabel(label); ok {
			return s, nil
		}
		return Slot{}, fmt.Errorf("slot %q does not match the grid", label)
	}

	first := g.Slots[0].ET
	step := time.Duration(g.StepMin) * time.Minute
	now = now.In(Eastern)

	if !now.After(first.Add(grace)) {
		return g.Slots[0], nil
	}

	elapsed := now.Sub(first)
	idx := int(elapsed / step)
	if label == "next" && elapsed%step != 0 {
		idx++
	}
	if idx >= len(g.Slots) {
		idx = len(g.Slots) - 1
	}
	return g.Slots[idx], nil
}
