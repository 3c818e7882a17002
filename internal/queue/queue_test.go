package queue

import (
	"errors"
	"path/filepath"
	"testing"
)

type workItem struct {
	Conid   int64  `json:"conid"`
	BarSize string `json:"bar_size"`
}

func TestQueue_PushPopOrder(t *testing.T) {
	q, err := Load[workItem](filepath.Join(t.TempDir(), "q.jsonl"))
	if err != nil {
		t.Fatal(err)
	}

	q.Push(workItem{Conid: 1})
	q.Push(workItem{Conid: 2})
	q.Push(workItem{Conid: 3})

	for want := int64(1); want <= 3; want++ {
		item, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if item.Conid != want {
			t.Errorf("Pop() conid = %d, want %d", item.Conid, want)
		}
	}

	if _, err := q.Pop(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop() on empty = %v, want ErrEmpty", err)
	}
}

func TestQueue_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.jsonl")

	q, _ := Load[workItem](path)
	q.Push(workItem{Conid: 42, BarSize: "1 min"})
	q.Push(workItem{Conid: 43, BarSize: "1 hour"})
	if err := q.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	q2, err := Load[workItem](path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("restored Len() = %d, want 2", q2.Len())
	}
	item, _ := q2.Pop()
	if item.Conid != 42 || item.BarSize != "1 min" {
		t.Errorf("restored head = %+v", item)
	}
}

func TestQueue_AtMostOnceProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.jsonl")

	q, _ := Load[workItem](path)
	q.Push(workItem{Conid: 1})
	q.Push(workItem{Conid: 2})
	q.Save()

	// Pop and persist before "work": a crash now must not replay item 1.
	item, _ := q.Pop()
	if err := q.Save(); err != nil {
		t.Fatal(err)
	}
	_ = item

	q2, _ := Load[workItem](path)
	if q2.Len() != 1 {
		t.Fatalf("queue after pop+save = %d items, want 1", q2.Len())
	}
	head, _ := q2.Peek()
	if head.Conid != 2 {
		t.Errorf("surviving head = %d, want 2", head.Conid)
	}
}

func TestQueue_PushFront(t *testing.T) {
	q, _ := Load[workItem](filepath.Join(t.TempDir(), "q.jsonl"))
	q.Push(workItem{Conid: 2})
	q.PushFront(workItem{Conid: 1})

	item, _ := q.Pop()
	if item.Conid != 1 {
		t.Errorf("head after PushFront = %d, want 1", item.Conid)
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	q, err := Load[workItem](filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}
