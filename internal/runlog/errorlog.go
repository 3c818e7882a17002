// Package runlog owns the operational record of every run: the JSONL
// error log, per-run progress logs, QA status files, and the optional
// Postgres run ledger.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrorEntry is one line in the daily error log.
type ErrorEntry struct {
	TS        time.Time      `json:"ts"`
	Component string         `json:"component"`
	Stage     string         `json:"stage,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Slot      *int           `json:"slot,omitempty"`
	Error     string         `json:"error"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ErrorLog appends JSON lines to run_logs/errors/errors_YYYYMMDD.log.
// Safe for concurrent use.
type ErrorLog struct {
	dir string

	mu sync.Mutex
	f  *os.File
	// day the open file belongs to, so midnight rolls to a new file
	day string
}

// NewErrorLog creates a log rooted at <runLogs>/errors. Files are created
// lazily on first record.
func NewErrorLog(runLogsDir string) *ErrorLog {
	return &ErrorLog{dir: filepath.Join(runLogsDir, "errors")}
}

// Record appends one entry. A zero TS is stamped with the current time.
func (l *ErrorLog) Record(e ErrorEntry) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := e.TS.Format("20060102")
	if l.f == nil || day != l.day {
		if l.f != nil {
			l.f.Close()
		}
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(l.dir, fmt.Sprintf("errors_%s.log", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		l.f = f
		l.day = day
	}

	_, err = l.f.Write(append(line, '\n'))
	return err
}

// Close releases the open file.
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
