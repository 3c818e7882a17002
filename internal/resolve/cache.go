package resolve

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/optlake/optlake/internal/model"
)

// cachePath is <cache_dir>/<SYM>_<date>.json.gz.
func (r *Resolver) cachePath(symbol string, asofDate time.Time) string {
	return filepath.Join(r.cfg.CacheDir,
		fmt.Sprintf("%s_%s.json.gz", symbol, asofDate.Format("2006-01-02")))
}

// readCache loads a prior resolution. Any decode problem is treated as a
// miss; the cache is rebuilt, never repaired.
func (r *Resolver) readCache(symbol string, asofDate time.Time) ([]model.ContractSpec, bool) {
	f, err := os.Open(r.cachePath(symbol, asofDate))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, false
	}
	defer gz.Close()

	var specs []model.ContractSpec
	if err := json.NewDecoder(gz).Decode(&specs); err != nil {
		r.logger.Warn("contract cache corrupt, rebuilding", "symbol", symbol, "error", err)
		return nil, false
	}
	return specs, true
}

// writeCache persists a resolution atomically.
func (r *Resolver) writeCache(symbol string, asofDate time.Time, specs []model.ContractSpec) error {
	if err := os.MkdirAll(r.cfg.CacheDir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.cfg.CacheDir, "."+symbol+"-*.json.gz.tmp")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(specs); err != nil {
		gz.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), r.cachePath(symbol, asofDate)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
