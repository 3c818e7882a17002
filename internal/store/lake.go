package store

import (
	"time"
)

// Merge resolves the partition path and codec for (view, date, symbol,
// exchange) under root and merge-appends rows into it. Returns the
// partition path and its row count after the merge.
func Merge[T any](cfg Config, root string, view View, date time.Time, symbol, exchange string, rows []T, spec MergeSpec[T]) (string, int, error) {
	path := PartitionPath(root, view, date, symbol, exchange)
	codec, err := cfg.CodecFor(date, time.Now())
	if err != nil {
		return "", 0, err
	}
	n, err := MergeAppend(path, codec, rows, spec)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

// Replace rewrites a partition outright, used when a stage recomputes the
// whole view rather than appending to it.
func Replace[T any](cfg Config, root string, view View, date time.Time, symbol, exchange string, rows []T) (string, error) {
	path := PartitionPath(root, view, date, symbol, exchange)
	codec, err := cfg.CodecFor(date, time.Now())
	if err != nil {
		return "", err
	}
	if err := WriteRows(path, rows, codec); err != nil {
		return "", err
	}
	return path, nil
}

// Partition identifies one partition on disk.
type Partition struct {
	View     View
	Date     time.Time
	Symbol   string
	Exchange string
	Path     string
}

// ListPartitions walks `<root>/view=<view>/date=<date>/` and returns every
// partition that has a part file. Readers use it to discover a day's
// symbols without an external catalog.
func ListPartitions(root string, view View, date time.Time) ([]Partition, error) {
	return listPartitions(root, view, date)
}
