// Package queue implements a JSONL-backed FIFO of pending work items that
// survives process restarts.
//
// The crash-safety protocol is the caller's: Pop removes the head in
// memory only; Save rewrites the file. A runner pops, does the work, and
// Saves on success (or PushFronts and Saves on failure/stop) before the
// next RPC, so a crash replays at most once per popped item.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrEmpty is returned by Pop on an empty queue.
var ErrEmpty = errors.New("queue is empty")

// Queue is a persistent FIFO of T.
type Queue[T any] struct {
	path  string
	items []T
}

// Load restores a queue from its JSONL file. A missing file is an empty
// queue, not an error.
func Load[T any](path string) (*Queue[T], error) {
	q := &Queue[T]{path: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("queue %s line %d: %w", path, line, err)
		}
		q.items = append(q.items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read queue %s: %w", path, err)
	}
	return q, nil
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Push appends an item in memory.
func (q *Queue[T]) Push(item T) { q.items = append(q.items, item) }

// PushFront re-queues an item at the head (used when a run is stopped
// mid-item).
func (q *Queue[T]) PushFront(item T) {
	q.items = append([]T{item}, q.items...)
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if len(q.items) == 0 {
		return zero, ErrEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Save rewrites the file to reflect the in-memory state. The write goes
// to a temp file followed by an atomic rename.
func (q *Queue[T]) Save() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	tmp := q.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp queue: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range q.items {
		if err := enc.Encode(item); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode queue item: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush queue: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync queue: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return os.Rename(tmp, q.path)
}
