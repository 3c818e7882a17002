package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// MergeSpec defines a view's merge semantics: the primary key, the sort
// order, and the normalization applied to every row before comparison.
type MergeSpec[T any] struct {
	Key       func(*T) string
	Less      func(a, b *T) bool
	Normalize func(*T) // may be nil
}

// ReadRows loads every row from a partition file. A missing file is an
// empty partition, not an error.
func ReadRows[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", path, err)
	}
	return rows, nil
}

// writeAtomic writes rows to a temp file in the partition directory,
// syncs, and renames over the target. The partition is never visible in
// a half-written state.
func writeAtomic[T any](path string, rows []T, codec compress.Codec) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".part-*.parquet.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := parquet.NewGenericWriter[T](tmp, parquet.Compression(codec))
	if _, err := w.Write(rows); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into partition: %w", err)
	}
	return nil
}

// MergeAppend folds new rows into the partition at path: read existing,
// concatenate, normalize, sort, keep the last row per primary key, and
// rewrite atomically. Running the same merge twice leaves the partition
// unchanged. Returns the partition's row count after the merge.
func MergeAppend[T any](path string, codec compress.Codec, rows []T, spec MergeSpec[T]) (int, error) {
	existing, err := ReadRows[T](path)
	if err != nil {
		return 0, err
	}

	all := make([]T, 0, len(existing)+len(rows))
	all = append(all, existing...)
	all = append(all, rows...)

	if spec.Normalize != nil {
		for i := range all {
			spec.Normalize(&all[i])
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return spec.Less(&all[i], &all[j])
	})

	// Keep-last per key. Replacing in place preserves sort order because
	// duplicate keys share their sort position.
	out := make([]T, 0, len(all))
	seen := make(map[string]int, len(all))
	for _, r := range all {
		r := r
		k := spec.Key(&r)
		if i, ok := seen[k]; ok {
			out[i] = r
			continue
		}
		seen[k] = len(out)
		out = append(out, r)
	}

	if err := writeAtomic(path, out, codec); err != nil {
		return 0, err
	}
	return len(out), nil
}

// WriteRows replaces the partition outright with the given rows, still
// atomically. Used by stages that recompute a whole view (rollup rewrite,
// adjusted recompute).
func WriteRows[T any](path string, rows []T, codec compress.Codec) error {
	return writeAtomic(path, rows, codec)
}
