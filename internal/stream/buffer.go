package stream

import "sync"

// flushBuffer accumulates rows of one kind between flushes. It grows a
// ring in place when it reaches 70% of capacity, so bursts never drop
// rows; the writer drains it on the flush interval or when the size
// threshold trips.
type flushBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	tail     int
	count    int
	capacity int
	closed   bool

	totalIn  int64
	totalOut int64
	resizes  int
}

func newFlushBuffer[T any](initialCapacity int) *flushBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &flushBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
}

// Add appends a row. Returns false once the buffer is closed.
func (b *flushBuffer[T]) Add(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalIn++
	return true
}

// Drain removes and returns every buffered row in arrival order.
func (b *flushBuffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]T, b.count)
	for i := range out {
		out[i] = b.buf[b.head]
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % b.capacity
	}
	b.totalOut += int64(b.count)
	b.count = 0
	return out
}

func (b *flushBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Close rejects further rows; buffered rows remain drainable.
func (b *flushBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

type bufferStats struct {
	Count    int
	Capacity int
	TotalIn  int64
	TotalOut int64
	Resizes  int
}

func (b *flushBuffer[T]) Stats() bufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bufferStats{
		Count:    b.count,
		Capacity: b.capacity,
		TotalIn:  b.totalIn,
		TotalOut: b.totalOut,
		Resizes:  b.resizes,
	}
}

// grow doubles capacity in place. Caller holds the lock.
func (b *flushBuffer[T]) grow() {
	next := make([]T, b.capacity*2)
	if b.count > 0 {
		if b.head < b.tail {
			copy(next, b.buf[b.head:b.tail])
		} else {
			n := copy(next, b.buf[b.head:])
			copy(next[n:], b.buf[:b.tail])
		}
	}
	b.buf = next
	b.head = 0
	b.tail = b.count
	b.capacity *= 2
	b.resizes++
}
