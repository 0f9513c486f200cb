// Package ring provides a bounded channel that evicts the oldest element
// instead of blocking the producer. Sample paths use it everywhere a
// producer must never stall on a slow consumer.
package ring

import (
	"sync"
	"sync/atomic"
)

// Chan is a drop-oldest bounded channel. Producers are serialized by a
// mutex; the consumer reads the underlying channel directly via C().
type Chan[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	written atomic.Int64
	dropped atomic.Int64
}

// New creates a Chan with the given capacity. Capacity must be >= 1.
func New[T any](capacity int) *Chan[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Chan[T]{ch: make(chan T, capacity)}
}

// Send enqueues v without blocking. If the buffer is full the oldest
// element is evicted first. Reports whether an eviction happened.
// Sending on a closed Chan is a no-op.
func (r *Chan[T]) Send(v T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	select {
	case r.ch <- v:
		r.written.Add(1)
		return false
	default:
	}

	// Full: evict one, then retry. The consumer can only make more room
	// between the two selects, so the retry cannot fail.
	select {
	case <-r.ch:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.ch <- v:
		r.written.Add(1)
	default:
	}
	return true
}

// C returns the receive side. It is closed by Close.
func (r *Chan[T]) C() <-chan T { return r.ch }

// Close closes the receive side. Idempotent.
func (r *Chan[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

// Len returns the number of buffered elements.
func (r *Chan[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Chan[T]) Cap() int { return cap(r.ch) }

// Written returns the total number of accepted elements.
func (r *Chan[T]) Written() int64 { return r.written.Load() }

// Dropped returns the total number of evicted elements.
func (r *Chan[T]) Dropped() int64 { return r.dropped.Load() }
