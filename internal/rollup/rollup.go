// Package rollup selects one end-of-day row per contract from the
// intraday captures and emits the daily clean and adjusted views.
package rollup

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/adjust"
	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

// Config controls the row-selection slots.
//
// CloseSlot < 0 derives the close from the day's grid, which keeps
// early-close sessions correct.
type Config struct {
	CloseSlot    int
	FallbackSlot int
	SlotMinutes  int
}

// Result summarizes one rollup run.
type Result struct {
	IngestID       string
	Contracts      int
	StrategyCounts map[model.RollupStrategy]int
	CleanPaths     []string
	AdjustedPaths  []string
}

// Runner performs the end-of-day rollup.
type Runner struct {
	lake     store.Config
	adjuster *adjust.Adjuster
	cfg      Config
	logger   *slog.Logger
}

// New wires a rollup runner. The adjuster may be empty but not nil.
func New(lake store.Config, adjuster *adjust.Adjuster, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{lake: lake, adjuster: adjuster, cfg: cfg, logger: logger}
}

// Run rolls up tradeDate's intraday partitions, optionally filtered to
// symbols, into daily_clean and daily_adjusted.
func (r *Runner) Run(tradeDate time.Time, symbols []string) (*Result, error) {
	res := &Result{
		IngestID:       uuid.NewString(),
		StrategyCounts: make(map[model.RollupStrategy]int),
	}

	closeSlot := r.cfg.CloseSlot
	if closeSlot < 0 {
		closeSlot = calendar.BuildSlotGrid(tradeDate, r.cfg.SlotMinutes).CloseSlot()
	}
	fallbackSlot := r.cfg.FallbackSlot

	parts, err := store.ListPartitions(r.lake.CleanRoot, store.ViewIntraday, tradeDate)
	if err != nil {
		return nil, err
	}
	parts = filterParts(parts, symbols)
	if len(parts) == 0 {
		r.logger.Warn("rollup found no intraday partitions", "date", tradeDate.Format("2006-01-02"))
		return res, nil
	}

	logger := r.logger.With("ingest_id", res.IngestID, "close_slot", closeSlot)

	for _, part := range parts {
		rows, err := store.ReadRows[model.MarketRow](part.Path)
		if err != nil {
			return nil, err
		}

		daily := rollupPartition(rows, closeSlot, fallbackSlot, res)
		if len(daily) == 0 {
			continue
		}
		for i := range daily {
			daily[i].IngestID = res.IngestID
			daily[i].IngestRunType = string(model.RunEODRollup)
		}
		res.Contracts += len(daily)

		path, _, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewDailyClean,
			tradeDate, part.Symbol, part.Exchange, daily, store.MarketSpec(store.ViewDailyClean))
		if err != nil {
			return nil, fmt.Errorf("merge daily_clean %s: %w", part.Symbol, err)
		}
		res.CleanPaths = append(res.CleanPaths, path)

		adjusted := r.adjuster.Apply(append([]model.MarketRow(nil), daily...))
		path, _, err = store.Merge(r.lake, r.lake.CleanRoot, store.ViewDailyAdjusted,
			tradeDate, part.Symbol, part.Exchange, adjusted, store.MarketSpec(store.ViewDailyAdjusted))
		if err != nil {
			return nil, fmt.Errorf("merge daily_adjusted %s: %w", part.Symbol, err)
		}
		res.AdjustedPaths = append(res.AdjustedPaths, path)
	}

	logger.Info("rollup complete",
		"contracts", res.Contracts,
		"close", res.StrategyCounts[model.RollupClose],
		"slot_1530", res.StrategyCounts[model.RollupSlot1530],
		"last_good", res.StrategyCounts[model.RollupLastGood],
	)
	return res, nil
}

// rollupPartition groups one partition's rows by conid and selects the
// daily row per contract.
func rollupPartition(rows []model.MarketRow, closeSlot, fallbackSlot int, res *Result) []model.MarketRow {
	byConid := make(map[int64][]model.MarketRow)
	for _, row := range rows {
		byConid[row.Conid] = append(byConid[row.Conid], row)
	}

	conids := make([]int64, 0, len(byConid))
	for conid := range byConid {
		conids = append(conids, conid)
	}
	sort.Slice(conids, func(i, j int) bool { return conids[i] < conids[j] })

	out := make([]model.MarketRow, 0, len(conids))
	for _, conid := range conids {
		group := byConid[conid]
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Slot30m != b.Slot30m {
				return a.Slot30m < b.Slot30m
			}
			if !a.SampleTime.Equal(b.SampleTime) {
				return a.SampleTime.Before(b.SampleTime)
			}
			return a.AsOfTS.Before(b.AsOfTS)
		})

		chosen, strategy := selectRow(group, closeSlot, fallbackSlot)
		res.StrategyCounts[strategy]++
		out = append(out, toDaily(chosen, strategy))
	}
	return out
}

// selectRow applies the three-rule fallback: close slot, fallback slot,
// last row by sort order. The choice is total: every contract with at
// least one intraday row gets a daily row.
func selectRow(sorted []model.MarketRow, closeSlot, fallbackSlot int) (model.MarketRow, model.RollupStrategy) {
	if row, ok := lastAtSlot(sorted, closeSlot); ok {
		return row, model.RollupClose
	}
	if row, ok := lastAtSlot(sorted, fallbackSlot); ok {
		return row, model.RollupSlot1530
	}
	return sorted[len(sorted)-1], model.RollupLastGood
}

func lastAtSlot(sorted []model.MarketRow, slot int) (model.MarketRow, bool) {
	for i := len(sorted) - 1; i >= 0; i-- {
		if int(sorted[i].Slot30m) == slot {
			return sorted[i], true
		}
	}
	return model.MarketRow{}, false
}

// toDaily strips the intraday-only columns and stamps provenance.
func toDaily(row model.MarketRow, strategy model.RollupStrategy) model.MarketRow {
	srcSlot := row.Slot30m
	srcTime := row.SampleTime

	row.RollupStrategy = string(strategy)
	row.RollupSourceSlot = &srcSlot
	row.RollupSourceTime = &srcTime

	row.SampleTime = row.TradeDate
	row.SampleTimeET = ""
	row.Slot30m = 0
	row.FirstSeenSlot = 0
	return row
}

func filterParts(parts []store.Partition, symbols []string) []store.Partition {
	if len(symbols) == 0 {
		return parts
	}
	entries := make([]universe.Entry, 0, len(parts))
	for _, p := range parts {
		entries = append(entries, universe.Entry{Symbol: p.Symbol})
	}
	keep := universe.Filter(entries, symbols)
	want := make(map[string]bool, len(keep))
	for _, e := range keep {
		want[e.Symbol] = true
	}
	out := parts[:0]
	for _, p := range parts {
		if want[p.Symbol] {
			out = append(out, p)
		}
	}
	return out
}
