package perf

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands them to flush either when maxSize items are
// queued or maxWait after the first item of a batch arrived.
type Batcher[T any] struct {
	maxSize int
	maxWait time.Duration
	flush   func([]T)

	mu     sync.Mutex
	items  []T
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewBatcher builds a batch accumulator. maxSize <= 0 disables the size trigger.
func NewBatcher[T any](maxSize int, maxWait time.Duration, flush func([]T)) *Batcher[T] {
	return &Batcher[T]{
		maxSize: maxSize,
		maxWait: maxWait,
		flush:   flush,
	}
}

// Add queues an item. It reports false once the batcher is closed.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	b.items = append(b.items, item)
	if b.maxSize > 0 && len(b.items) >= b.maxSize {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
		return true
	}

	if b.timer == nil && b.maxWait > 0 {
		b.gen++
		gen := b.gen
		b.timer = time.AfterFunc(b.maxWait, func() { b.flushGen(gen) })
	}
	b.mu.Unlock()
	return true
}

// Flush hands any queued items to the flush function now.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// Len returns the number of queued items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close flushes remaining items and rejects further adds.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *Batcher[T]) flushGen(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	batch := b.items
	b.items = nil
	return batch
}
