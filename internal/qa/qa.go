// Package qa computes the post-rollup data-quality metrics for one
// trade date and writes the pass/fail verdict to the run logs.
package qa

import (
	"log/slog"
	"time"

	"github.com/optlake/optlake/internal/calendar"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
)

// Thresholds are the four metric bounds, all in [0,1].
type Thresholds struct {
	SlotCoverageMin  float64
	DelayedRatioMax  float64
	FallbackRatioMax float64
	OICoverageMin    float64

	// ExpectedSlotCount overrides the grid-derived slot count when > 0.
	ExpectedSlotCount int
	SlotMinutes       int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.SlotCoverageMin == 0 {
		t.SlotCoverageMin = 0.90
	}
	if t.DelayedRatioMax == 0 {
		t.DelayedRatioMax = 0.10
	}
	if t.FallbackRatioMax == 0 {
		t.FallbackRatioMax = 0.05
	}
	if t.OICoverageMin == 0 {
		t.OICoverageMin = 0.95
	}
	return t
}

// Metric is one computed check.
type Metric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	// Comparator is "min" (value must be >= threshold) or "max".
	Comparator string `json:"comparator"`
	Pass       bool   `json:"pass"`
}

// Report is the persisted QA document.
type Report struct {
	TradeDate    string   `json:"trade_date"`
	Status       string   `json:"status"` // PASS or FAIL
	Metrics      []Metric `json:"metrics"`
	Breaches     []string `json:"breaches,omitempty"`
	IntradayRows int      `json:"intraday_rows"`
	DailyRows    int      `json:"daily_rows"`
	Symbols      int      `json:"symbols"`
	GeneratedAt  string   `json:"generated_at"`
}

// Checker evaluates one day of lake output.
type Checker struct {
	lake   store.Config
	th     Thresholds
	logger *slog.Logger
}

// New wires a checker.
func New(lake store.Config, th Thresholds, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{lake: lake, th: th.withDefaults(), logger: logger}
}

// Run computes the four metrics for tradeDate and, when runLogsDir is
// non-empty, persists the metrics and selfcheck documents.
func (c *Checker) Run(tradeDate time.Time, runLogsDir string) (*Report, error) {
	rep := &Report{
		TradeDate:   tradeDate.Format("2006-01-02"),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	intraday, symbols, err := c.readView(store.ViewIntraday, tradeDate)
	if err != nil {
		return nil, err
	}
	daily, _, err := c.readView(store.ViewDailyClean, tradeDate)
	if err != nil {
		return nil, err
	}
	rep.IntradayRows = len(intraday)
	rep.DailyRows = len(daily)
	rep.Symbols = len(symbols)

	expected := c.th.ExpectedSlotCount
	if expected <= 0 {
		expected = calendar.BuildSlotGrid(tradeDate, c.th.SlotMinutes).Len()
	}

	rep.add("slot_coverage_min", slotCoverage(intraday, symbols, expected), c.th.SlotCoverageMin, "min")
	rep.add("delayed_ratio", delayedRatio(intraday), c.th.DelayedRatioMax, "max")
	rep.add("rollup_fallback_ratio", fallbackRatio(daily), c.th.FallbackRatioMax, "max")
	rep.add("oi_enrichment_ratio", oiCoverage(daily), c.th.OICoverageMin, "min")

	rep.Status = "PASS"
	for _, m := range rep.Metrics {
		if !m.Pass {
			rep.Status = "FAIL"
			rep.Breaches = append(rep.Breaches, m.Name)
		}
	}

	c.logger.Info("selfcheck complete",
		"date", rep.TradeDate,
		"status", rep.Status,
		"breaches", rep.Breaches,
	)

	if runLogsDir != "" {
		if _, err := runlog.WriteStatusJSON(runLogsDir, "metrics", tradeDate, rep); err != nil {
			return rep, err
		}
		summary := map[string]any{
			"trade_date":   rep.TradeDate,
			"status":       rep.Status,
			"breaches":     rep.Breaches,
			"generated_at": rep.GeneratedAt,
		}
		if _, err := runlog.WriteStatusJSON(runLogsDir, "selfcheck", tradeDate, summary); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (rep *Report) add(name string, value, threshold float64, comparator string) {
	pass := value >= threshold
	if comparator == "max" {
		pass = value <= threshold
	}
	rep.Metrics = append(rep.Metrics, Metric{
		Name: name, Value: value, Threshold: threshold, Comparator: comparator, Pass: pass,
	})
}

// readView loads every partition of one view for the date.
func (c *Checker) readView(view store.View, tradeDate time.Time) ([]model.MarketRow, map[string]bool, error) {
	parts, err := store.ListPartitions(c.lake.CleanRoot, view, tradeDate)
	if err != nil {
		return nil, nil, err
	}
	var rows []model.MarketRow
	symbols := make(map[string]bool)
	for _, p := range parts {
		part, err := store.ReadRows[model.MarketRow](p.Path)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, part...)
		symbols[p.Symbol] = true
	}
	return rows, symbols, nil
}

// slotCoverage is the minimum over symbols of distinct-slots/expected.
// No intraday data at all scores zero.
func slotCoverage(rows []model.MarketRow, symbols map[string]bool, expected int) float64 {
	if len(symbols) == 0 || expected <= 0 {
		return 0
	}
	slots := make(map[string]map[int32]bool, len(symbols))
	for sym := range symbols {
		slots[sym] = make(map[int32]bool)
	}
	for _, row := range rows {
		if s, ok := slots[row.Underlying]; ok {
			s[row.Slot30m] = true
		}
	}
	min := 1.0
	for _, s := range slots {
		cov := float64(len(s)) / float64(expected)
		if cov < min {
			min = cov
		}
	}
	return min
}

// delayedRatio is the intraday fraction served from delayed data.
func delayedRatio(rows []model.MarketRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	n := 0
	for _, row := range rows {
		if row.HasFlag(model.FlagDelayedFallback) || row.MarketDataType != int32(model.MarketDataLive) {
			n++
		}
	}
	return float64(n) / float64(len(rows))
}

// fallbackRatio is the daily fraction not rolled up from the close slot.
func fallbackRatio(rows []model.MarketRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	n := 0
	for _, row := range rows {
		if row.RollupStrategy != string(model.RollupClose) {
			n++
		}
	}
	return float64(n) / float64(len(rows))
}

// oiCoverage is the daily fraction with usable open interest.
func oiCoverage(rows []model.MarketRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	n := 0
	for _, row := range rows {
		if row.OpenInterest != nil && !row.HasFlag(model.FlagMissingOI) {
			n++
		}
	}
	return float64(n) / float64(len(rows))
}
