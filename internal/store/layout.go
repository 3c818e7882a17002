// Package store owns the partitioned parquet lake: path layout, the
// hot/cold compression policy, and the dedup merge that makes every
// write idempotent.
package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// View is one logical dataset with its own partitioning and primary key.
type View string

const (
	ViewIntraday         View = "intraday"
	ViewClose            View = "close"
	ViewDailyClean       View = "daily_clean"
	ViewDailyAdjusted    View = "daily_adjusted"
	ViewEnrichment       View = "enrichment"
	ViewCorporateActions View = "corporate_actions"
	ViewDailyBars        View = "daily_bars"
	ViewVolatility       View = "volatility"
	ViewFundamentals     View = "fundamentals"
)

// StreamingView names a streaming sub-view: streaming/kind=options|spot|bars.
func StreamingView(kind string) View {
	return View("streaming/kind=" + kind)
}

// PartFile is the single data file every partition converges to.
const PartFile = "part-000.parquet"

// optionsViews partition by underlying= rather than symbol=.
var optionsViews = map[View]bool{
	ViewIntraday:      true,
	ViewClose:         true,
	ViewDailyClean:    true,
	ViewDailyAdjusted: true,
	ViewEnrichment:    true,
}

// symbolKey returns the partition key name for the view's instrument column.
func symbolKey(view View) string {
	if optionsViews[view] || strings.HasPrefix(string(view), "streaming/") {
		return "underlying"
	}
	return "symbol"
}

// PartitionDir maps (view, date, symbol, exchange) to the partition
// directory under root.
func PartitionDir(root string, view View, date time.Time, symbol, exchange string) string {
	return filepath.Join(root,
		"view="+string(view),
		"date="+date.Format("2006-01-02"),
		fmt.Sprintf("%s=%s", symbolKey(view), strings.ToUpper(symbol)),
		"exchange="+strings.ToUpper(exchange),
	)
}

// PartitionPath is the partition's data file path.
func PartitionPath(root string, view View, date time.Time, symbol, exchange string) string {
	return filepath.Join(PartitionDir(root, view, date, symbol, exchange), PartFile)
}
