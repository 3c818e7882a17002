// Package fundamentals pulls company report snapshots from the reports
// API, caches the raw JSON, and writes one row per (symbol, date,
// report type) into the fundamentals view.
package fundamentals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/runlog"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

// Config controls one fundamentals run.
type Config struct {
	CacheDir    string
	CacheTTL    time.Duration // default 7 days
	ReportTypes []string      // default ["info"]
	Exchange    string        // partition exchange label, default SMART
}

// Result summarizes a run.
type Result struct {
	IngestID  string
	Fetched   int
	CacheHits int
	Rows      int
	Errors    []error
}

// Runner drives the fetch-parse-persist loop.
type Runner struct {
	fetcher ReportFetcher
	lake    store.Config
	errlog  *runlog.ErrorLog
	cfg     Config
	cache   *cache
	logger  *slog.Logger

	now func() time.Time
}

// New wires a fundamentals runner.
func New(fetcher ReportFetcher, lake store.Config, errlog *runlog.ErrorLog, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if len(cfg.ReportTypes) == 0 {
		cfg.ReportTypes = []string{"info"}
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "SMART"
	}
	return &Runner{
		fetcher: fetcher,
		lake:    lake,
		errlog:  errlog,
		cfg:     cfg,
		cache:   &cache{dir: cfg.CacheDir, ttl: cfg.CacheTTL},
		logger:  logger,
		now:     time.Now,
	}
}

// Run fetches every (symbol, report type) pair for tradeDate. Cached
// reports inside the TTL are reused, which makes re-runs cheap and
// idempotent.
func (r *Runner) Run(ctx context.Context, tradeDate time.Time, symbols []universe.Entry) (*Result, error) {
	res := &Result{IngestID: uuid.NewString()}
	logger := r.logger.With("ingest_id", res.IngestID, "date", tradeDate.Format("2006-01-02"))

	for _, entry := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows := make([]model.FundamentalsRow, 0, len(r.cfg.ReportTypes))
		for _, reportType := range r.cfg.ReportTypes {
			row, err := r.fetchOne(ctx, entry.Symbol, tradeDate, reportType, res)
			if err != nil {
				r.recordError(entry.Symbol, reportType, err, res)
				continue
			}
			row.IngestID = res.IngestID
			rows = append(rows, *row)
		}
		if len(rows) == 0 {
			continue
		}
		if _, _, err := store.Merge(r.lake, r.lake.CleanRoot, store.ViewFundamentals,
			tradeDate, entry.Symbol, r.cfg.Exchange, rows, store.FundamentalsSpec()); err != nil {
			return res, fmt.Errorf("merge fundamentals %s: %w", entry.Symbol, err)
		}
		res.Rows += len(rows)
	}

	logger.Info("fundamentals complete",
		"fetched", res.Fetched,
		"cache_hits", res.CacheHits,
		"rows", res.Rows,
		"errors", len(res.Errors),
	)
	return res, nil
}

// fetchOne returns the parsed row for one (symbol, type), consulting
// the cache first.
func (r *Runner) fetchOne(ctx context.Context, symbol string, tradeDate time.Time, reportType string, res *Result) (*model.FundamentalsRow, error) {
	now := r.now().UTC()

	var payload []byte
	var cachedAt time.Time
	if entry, ok := r.cache.get(symbol, tradeDate, reportType, now); ok {
		payload = entry.Payload
		cachedAt = entry.CachedAt
		res.CacheHits++
	} else {
		body, err := r.fetcher.Fetch(ctx, symbol, reportType)
		if err != nil {
			return nil, err
		}
		if err := r.cache.put(symbol, tradeDate, reportType, body, now); err != nil {
			return nil, fmt.Errorf("cache report %s/%s: %w", symbol, reportType, err)
		}
		payload = body
		cachedAt = now
		res.Fetched++
	}

	row := parseReport(symbol, tradeDate, reportType, payload)
	row.Exchange = r.cfg.Exchange
	row.CachedAt = cachedAt
	return row, nil
}

// parseReport extracts the minimum field set for the report type. The
// payload shape varies by provider, so numeric and string fields are
// located by key anywhere in the nested document.
func parseReport(symbol string, tradeDate time.Time, reportType string, payload []byte) *model.FundamentalsRow {
	row := &model.FundamentalsRow{
		TradeDate:     midnightUTC(tradeDate),
		Symbol:        strings.ToUpper(symbol),
		ReportType:    reportType,
		IngestRunType: string(model.RunFundamentals),
		Source:        "reports_api",
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return row
	}

	if reportType == "info" {
		row.MarketCap = findNumber(doc, "market_cap", "marketCap")
		row.PETTM = findNumber(doc, "pe_ttm", "peTTM", "trailingPE")
		row.EPSTTM = findNumber(doc, "eps_ttm", "epsTTM", "trailingEps")
		row.Sector = findString(doc, "sector")
		row.Industry = findString(doc, "industry")
	}
	return row
}

// findNumber walks the document depth-first for the first numeric value
// under any of the keys.
func findNumber(doc any, keys ...string) *float64 {
	v := findKey(doc, keys)
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func findString(doc any, keys ...string) string {
	if s, ok := findKey(doc, keys).(string); ok {
		return s
	}
	return ""
}

func findKey(doc any, keys []string) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	for _, v := range obj {
		if found := findKey(v, keys); found != nil {
			return found
		}
	}
	return nil
}

func (r *Runner) recordError(symbol, reportType string, err error, res *Result) {
	res.Errors = append(res.Errors, fmt.Errorf("%s/%s: %w", symbol, reportType, err))
	r.logger.Warn("report fetch failed", "symbol", symbol, "report_type", reportType, "error", err)
	if r.errlog != nil {
		r.errlog.Record(runlog.ErrorEntry{
			Component: "fundamentals",
			Stage:     reportType,
			Symbol:    symbol,
			Error:     err.Error(),
		})
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
