package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// listPartitions scans the two-level symbol/exchange layout under one
// view+date directory.
func listPartitions(root string, view View, date time.Time) ([]Partition, error) {
	dateDir := filepath.Join(root, "view="+string(view), "date="+date.Format("2006-01-02"))
	symDirs, err := os.ReadDir(dateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := symbolKey(view) + "="
	var out []Partition
	for _, symDir := range symDirs {
		if !symDir.IsDir() || !strings.HasPrefix(symDir.Name(), prefix) {
			continue
		}
		symbol := strings.TrimPrefix(symDir.Name(), prefix)

		exchDirs, err := os.ReadDir(filepath.Join(dateDir, symDir.Name()))
		if err != nil {
			return nil, err
		}
		for _, exchDir := range exchDirs {
			if !exchDir.IsDir() || !strings.HasPrefix(exchDir.Name(), "exchange=") {
				continue
			}
			exchange := strings.TrimPrefix(exchDir.Name(), "exchange=")
			path := filepath.Join(dateDir, symDir.Name(), exchDir.Name(), PartFile)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			out = append(out, Partition{
				View:     view,
				Date:     date,
				Symbol:   symbol,
				Exchange: exchange,
				Path:     path,
			})
		}
	}
	return out, nil
}
