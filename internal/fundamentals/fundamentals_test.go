package fundamentals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/store"
	"github.com/optlake/optlake/internal/universe"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

const infoPayload = `{
	"summary": {"market_cap": 2.8e12, "shares_out": 1.5e10},
	"ratios": {"pe_ttm": 29.4, "eps_ttm": 6.42},
	"profile": {"sector": "Technology", "industry": "Consumer Electronics"}
}`

// fakeFetcher serves canned payloads and counts calls.
type fakeFetcher struct {
	payloads map[string]string // key "SYM/type"
	calls    int
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, symbol, reportType string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.payloads[symbol+"/"+reportType]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(body), nil
}

func testRunner(t *testing.T, fetcher ReportFetcher, cfg Config) (*Runner, store.Config) {
	t.Helper()
	lake := store.Config{
		RawRoot:   t.TempDir(),
		CleanRoot: t.TempDir(),
		HotDays:   30,
		HotCodec:  "snappy",
		ColdCodec: "zstd",
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	return New(fetcher, lake, nil, cfg, nil), lake
}

func TestRunWritesRowPerSymbolAndType(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string]string{"AAPL/info": infoPayload}}
	r, lake := testRunner(t, fetcher, Config{})

	res, err := r.Run(context.Background(), date("2025-10-06"), []universe.Entry{{Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Fetched != 1 || res.Rows != 1 {
		t.Fatalf("fetched=%d rows=%d", res.Fetched, res.Rows)
	}

	path := store.PartitionPath(lake.CleanRoot, store.ViewFundamentals, date("2025-10-06"), "AAPL", "SMART")
	rows, err := store.ReadRows[model.FundamentalsRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.MarketCap == nil || *row.MarketCap != 2.8e12 {
		t.Errorf("market_cap = %v", row.MarketCap)
	}
	if row.PETTM == nil || *row.PETTM != 29.4 {
		t.Errorf("pe_ttm = %v", row.PETTM)
	}
	if row.EPSTTM == nil || *row.EPSTTM != 6.42 {
		t.Errorf("eps_ttm = %v", row.EPSTTM)
	}
	if row.Sector != "Technology" || row.Industry != "Consumer Electronics" {
		t.Errorf("sector/industry = %s/%s", row.Sector, row.Industry)
	}
	if row.ReportType != "info" || row.IngestRunType != "fundamentals" {
		t.Errorf("identity = %+v", row)
	}
}

func TestSecondRunHitsCache(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string]string{"AAPL/info": infoPayload}}
	r, _ := testRunner(t, fetcher, Config{})
	syms := []universe.Entry{{Symbol: "AAPL"}}

	if _, err := r.Run(context.Background(), date("2025-10-06"), syms); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), date("2025-10-06"), syms)
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheHits != 1 || res.Fetched != 0 {
		t.Errorf("hits=%d fetched=%d", res.CacheHits, res.Fetched)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher called %d times", fetcher.calls)
	}
}

func TestExpiredCacheRefetches(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string]string{"AAPL/info": infoPayload}}
	r, _ := testRunner(t, fetcher, Config{CacheTTL: 7 * 24 * time.Hour})
	syms := []universe.Entry{{Symbol: "AAPL"}}

	if _, err := r.Run(context.Background(), date("2025-10-06"), syms); err != nil {
		t.Fatal(err)
	}

	// Advance past the TTL.
	r.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	res, err := r.Run(context.Background(), date("2025-10-06"), syms)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 1 || res.CacheHits != 0 {
		t.Errorf("stale cache not refetched: %+v", res)
	}
}

func TestFetchErrorIsIsolatedPerSymbol(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string]string{"AAPL/info": infoPayload}}
	r, _ := testRunner(t, fetcher, Config{})

	res, err := r.Run(context.Background(), date("2025-10-06"),
		[]universe.Entry{{Symbol: "BADCO"}, {Symbol: "AAPL"}})
	if err != nil {
		t.Fatalf("symbol failure must not abort the run: %v", err)
	}
	if res.Rows != 1 || len(res.Errors) != 1 {
		t.Errorf("rows=%d errors=%v", res.Rows, res.Errors)
	}
}

func TestParseReportToleratesGarbage(t *testing.T) {
	row := parseReport("AAPL", date("2025-10-06"), "info", []byte("not json"))
	if row.MarketCap != nil || row.Sector != "" {
		t.Errorf("garbage payload should parse to empty row: %+v", row)
	}
	if row.Symbol != "AAPL" {
		t.Errorf("symbol = %s", row.Symbol)
	}
}

func TestClientRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, infoPayload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(4, time.Millisecond, 4*time.Millisecond))
	body, err := c.Fetch(context.Background(), "AAPL", "info")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(body) == 0 || calls != 3 {
		t.Errorf("calls=%d body=%d bytes", calls, len(body))
	}
}

func TestClientStopsOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(4, time.Millisecond, 4*time.Millisecond))
	if _, err := c.Fetch(context.Background(), "AAPL", "info"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("404 retried %d times", calls)
	}
}

func TestClientExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(2, time.Millisecond, 2*time.Millisecond))
	if _, err := c.Fetch(context.Background(), "AAPL", "info"); err == nil {
		t.Fatal("expected retries-exhausted error")
	}
}
