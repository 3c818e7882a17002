package fundamentals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cacheEntry is the on-disk envelope around one raw report.
type cacheEntry struct {
	Symbol     string          `json:"symbol"`
	ReportType string          `json:"report_type"`
	CachedAt   time.Time       `json:"cached_at"`
	Payload    json.RawMessage `json:"payload"`
}

// cache is the write-once report store under state/fundamentals_cache.
// Concurrent writers are safe because writes land via atomic rename.
type cache struct {
	dir string
	ttl time.Duration
}

func (c *cache) path(symbol string, date time.Time, reportType string) string {
	name := fmt.Sprintf("%s_%s_%s.json",
		strings.ToUpper(symbol), date.Format("2006-01-02"), reportType)
	return filepath.Join(c.dir, name)
}

// get returns the cached entry when present and younger than the TTL.
// Corrupt or stale entries read as misses.
func (c *cache) get(symbol string, date time.Time, reportType string, now time.Time) (*cacheEntry, bool) {
	data, err := os.ReadFile(c.path(symbol, date, reportType))
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if c.ttl > 0 && now.Sub(entry.CachedAt) > c.ttl {
		return nil, false
	}
	return &entry, true
}

// put persists one fetched report.
func (c *cache) put(symbol string, date time.Time, reportType string, payload []byte, now time.Time) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	entry := cacheEntry{
		Symbol:     strings.ToUpper(symbol),
		ReportType: reportType,
		CachedAt:   now.UTC(),
		Payload:    json.RawMessage(payload),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	final := c.path(symbol, date, reportType)
	tmp, err := os.CreateTemp(c.dir, ".report-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), final)
}
