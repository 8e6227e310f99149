// Package buffer provides a generic, thread-safe FIFO ring buffer used for
// the disconnect-tolerant event backlog.
//
// The buffer preserves insertion order under concurrent writers, which is
// the property the event manager relies on: records drained after a
// reconnect come out in the exact order they were written.
package buffer

import (
	"sync"

	"github.com/c360/capmesh/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropNewest rejects new items when the buffer is full. This is the
	// event backlog default: an emitter gets a synchronous error rather
	// than silently losing an older, already-accepted record.
	DropNewest OverflowPolicy = iota

	// DropOldest removes the oldest item to make room for new items.
	DropOldest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "DropNewest"
	case DropOldest:
		return "DropOldest"
	default:
		return "Unknown"
	}
}

// Statistics tracks buffer activity for observability.
type Statistics struct {
	Writes   int64 // total successful writes
	Reads    int64 // total items read or drained
	Dropped  int64 // items rejected or evicted by the overflow policy
	HighMark int   // maximum size observed
}

// Ring is a fixed-capacity FIFO ring buffer.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
	cap   int

	policy OverflowPolicy
	onDrop func(T)
	stats  Statistics
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow behavior (default DropNewest).
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) {
		r.policy = p
	}
}

// WithDropCallback registers a callback invoked (outside the lock is NOT
// guaranteed; keep it cheap) whenever an item is dropped.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(r *Ring[T]) {
		r.onDrop = fn
	}
}

// NewRing creates a ring buffer with the given capacity.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Ring", "NewRing", "capacity validation")
	}
	r := &Ring[T]{
		items:  make([]T, capacity),
		cap:    capacity,
		policy: DropNewest,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Write appends an item. When full, behavior follows the overflow policy:
// DropNewest returns errors.ErrBacklogFull, DropOldest evicts the oldest
// item and succeeds.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.cap {
		switch r.policy {
		case DropNewest:
			r.stats.Dropped++
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return errors.ErrBacklogFull
		case DropOldest:
			evicted := r.items[r.head]
			var zero T
			r.items[r.head] = zero
			r.head = (r.head + 1) % r.cap
			r.size--
			r.stats.Dropped++
			if r.onDrop != nil {
				r.onDrop(evicted)
			}
		}
	}

	r.items[(r.head+r.size)%r.cap] = item
	r.size++
	r.stats.Writes++
	if r.size > r.stats.HighMark {
		r.stats.HighMark = r.size
	}
	return nil
}

// Read removes and returns the oldest item. Returns false if empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % r.cap
	r.size--
	r.stats.Reads++
	return item, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Drain removes and returns all buffered items in insertion order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	out := make([]T, 0, r.size)
	var zero T
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.cap
		out = append(out, r.items[idx])
		r.items[idx] = zero
	}
	r.stats.Reads += int64(r.size)
	r.head = 0
	r.size = 0
	return out
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return r.cap
}

// IsEmpty returns true if the buffer contains no items.
func (r *Ring[T]) IsEmpty() bool {
	return r.Size() == 0
}

// IsFull returns true if the buffer is at capacity.
func (r *Ring[T]) IsFull() bool {
	return r.Size() == r.cap
}

// Stats returns a snapshot of buffer statistics.
func (r *Ring[T]) Stats() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
