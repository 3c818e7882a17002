// Package universe loads the symbol lists the runners iterate over.
package universe

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
)

// Entry is one universe symbol with an optional pre-resolved conid.
type Entry struct {
	Symbol string `csv:"symbol"`
	Conid  *int64 `csv:"conid"`
}

// Load reads a universe CSV. Lines starting with # are comments; symbols
// are uppercased; a missing conid column value is permitted.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe %s: %w", path, err)
	}
	entries, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse universe %s: %w", path, err)
	}
	return entries, nil
}

// Read parses universe entries from r.
func Read(r io.Reader) ([]Entry, error) {
	stripped, err := stripComments(r)
	if err != nil {
		return nil, err
	}

	var raw []Entry
	if err := gocsv.Unmarshal(bytes.NewReader(stripped), &raw); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(raw))
	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, Entry{Symbol: sym, Conid: e.Conid})
	}
	return out, nil
}

// Symbols returns just the symbol names.
func Symbols(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Symbol
	}
	return out
}

// Filter keeps only the requested symbols (case-insensitive); an empty
// filter keeps everything.
func Filter(entries []Entry, symbols []string) []Entry {
	if len(symbols) == 0 {
		return entries
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if want[e.Symbol] {
			out = append(out, e)
		}
	}
	return out
}

func stripComments(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), sc.Err()
}
