package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressLog is the per-symbol progress record of one snapshot run:
// run_logs/snapshot/snapshot_<date>_<slotlabel>_<runstamp>.log, one JSON
// object per line.
type ProgressLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewProgressLog opens the log file for one run. Slot labels like "09:30"
// are flattened to "0930" for the filename.
func NewProgressLog(runLogsDir string, date time.Time, slotLabel string, runStamp time.Time) (*ProgressLog, error) {
	dir := filepath.Join(runLogsDir, "snapshot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	label := flattenLabel(slotLabel)
	path := filepath.Join(dir, fmt.Sprintf("snapshot_%s_%s_%s.log",
		date.Format("2006-01-02"), label, runStamp.UTC().Format("20060102T150405Z")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ProgressLog{f: f, path: path}, nil
}

func flattenLabel(label string) string {
	out := make([]byte, 0, len(label))
	for i := 0; i < len(label); i++ {
		if label[i] == ':' {
			continue
		}
		out = append(out, label[i])
	}
	return string(out)
}

// Path returns the log file location.
func (p *ProgressLog) Path() string { return p.path }

// Record appends one JSON line.
func (p *ProgressLog) Record(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.f.Write(append(line, '\n'))
	return err
}

// Close flushes and closes the file.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

// WriteStatusJSON atomically writes a status document (QA metrics,
// selfcheck) to <runLogsDir>/<kind>/<kind>_YYYYMMDD.json.
func WriteStatusJSON(runLogsDir, kind string, date time.Time, v any) (string, error) {
	dir := filepath.Join(runLogsDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", kind, date.Format("20060102")))

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "."+kind+"-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
