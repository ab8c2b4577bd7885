// Package ringbuf provides the bounded, insertion-ordered, deduplicating
// collection shared between the stream client (writer) and the aggregation
// and presentation consumers (readers).
package ringbuf

import (
	"sync"

	"liqflow/internal/models"
)

// DefaultCapacity bounds the in-memory window when no capacity is configured.
const DefaultCapacity = 1000

// Buffer retains at most capacity records, deduplicated by natural key.
// Eviction is FIFO by insertion order, independent of event time ordering
// when the feed delivers out of order. Safe for concurrent use; a single
// lock covers insert and snapshot so readers never observe a partially
// evicted state.
type Buffer struct {
	mu       sync.RWMutex
	records  []models.LiquidationRecord // insertion order, oldest first
	index    map[string]struct{}
	capacity int
}

// New creates a buffer with the given capacity, falling back to
// DefaultCapacity when the value is not positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		records:  make([]models.LiquidationRecord, 0, capacity),
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Insert adds a record at the newest end, evicting the oldest entry when the
// buffer is full. A record whose natural key is already present is a no-op
// and Insert reports false.
func (b *Buffer) Insert(rec models.LiquidationRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.index[rec.ID]; dup {
		return false
	}

	if len(b.records) >= b.capacity {
		oldest := b.records[0]
		delete(b.index, oldest.ID)
		copy(b.records, b.records[1:])
		b.records = b.records[:len(b.records)-1]
	}

	b.records = append(b.records, rec)
	b.index[rec.ID] = struct{}{}
	return true
}

// Snapshot returns a copy of up to limit most recently inserted records,
// newest first. The returned slice never aliases the live buffer. A limit of
// zero or less returns everything.
func (b *Buffer) Snapshot(limit int) []models.LiquidationRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.LiquidationRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.records[i])
	}
	return out
}

// Contains reports whether a natural key is currently buffered.
func (b *Buffer) Contains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.index[id]
	return ok
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int { return b.capacity }
