// Package ringbuf provides a thread-safe, fixed-capacity FIFO that evicts the
// oldest entry on overflow.
//
// It backs every bounded history in the relay: worker log lines, recently
// observed packets and metric frames.
package ringbuf

import "sync"

// Buffer is a circular buffer with O(1) append and O(N) read.
//
// Invariant: 0 <= Len() <= Cap() at all times.
type Buffer[T any] struct {
	entries []T          // fixed-size backing array, allocated once
	head    int          // next write position
	size    int          // current number of entries
	mu      sync.RWMutex // protects all fields
}

// New returns an empty buffer holding at most capacity entries.
// A capacity below 1 is clamped to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{entries: make([]T, capacity)}
}

// Append adds an entry, overwriting the oldest if full.
//
// Complexity: O(1) time, O(1) space
func (b *Buffer[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(v)
}

// AppendBatch adds entries in order under a single lock. A batch larger than
// the capacity leaves exactly the last Cap() entries of the batch.
func (b *Buffer[T]) AppendBatch(vs ...T) {
	if len(vs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if capN := len(b.entries); len(vs) > capN {
		vs = vs[len(vs)-capN:]
	}
	for _, v := range vs {
		b.appendLocked(v)
	}
}

func (b *Buffer[T]) appendLocked(v T) {
	capN := len(b.entries)

	b.entries[b.head] = v
	b.head = (b.head + 1) % capN

	if b.size < capN {
		b.size++
	}
}

// Snapshot returns all entries oldest → newest.
// Returns a NEW slice (caller owns memory).
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	capN := len(b.entries)
	oldest := (b.head - b.size + capN) % capN
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(oldest+i)%capN]
	}
	return out
}

// Newest returns the last n entries (newest → oldest).
//
// Semantics:
//   - If n <= 0: returns everything available
//   - If n > Cap(): clamped to Cap()
func (b *Buffer[T]) Newest(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}

	capN := len(b.entries)
	if n <= 0 || n > b.size {
		n = b.size
	}

	out := make([]T, n)
	newest := (b.head - 1 + capN) % capN
	for i := 0; i < n; i++ {
		out[i] = b.entries[(newest-i+capN)%capN]
	}
	return out
}

// Len returns the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.entries)
}

// Reset drops all entries. The backing array is zeroed so evicted values can
// be collected.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.entries {
		b.entries[i] = zero
	}
	b.head = 0
	b.size = 0
}
