// Package ringchan provides a bounded channel that drops its oldest element
// instead of blocking the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
//
//	r := ringchan.New[device.Record](64)
//	r.Push(rec)           // never blocks
//	for rec := range r.C() {
//	    // consume
//	}
//
// Producers must not Push after Close.
type Ring[T any] struct {
	ch      chan T
	pushMu  sync.Mutex
	metrics Metrics
	once    sync.Once
}

// Metrics counts ring activity; read it with Stats
type Metrics struct {
	Written     int64
	Overwritten int64
}

// New creates a ring with the given capacity
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Push inserts v, discarding the oldest element when full.
// Reports whether an element was dropped.
func (r *Ring[T]) Push(v T) bool {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	dropped := false
	for {
		select {
		case r.ch <- v:
			atomic.AddInt64(&r.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-r.ch:
			atomic.AddInt64(&r.metrics.Overwritten, 1)
			dropped = true
		default:
			// a consumer emptied a slot meanwhile
		}
	}
}

// TryPush inserts v only if there is room
func (r *Ring[T]) TryPush(v T) bool {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()
	select {
	case r.ch <- v:
		atomic.AddInt64(&r.metrics.Written, 1)
		return true
	default:
		return false
	}
}

func (r *Ring[T]) Len() int { return len(r.ch) }
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the receive side; safe to call more than once
func (r *Ring[T]) Close() {
	r.once.Do(func() {
		r.pushMu.Lock()
		defer r.pushMu.Unlock()
		close(r.ch)
	})
}

// Stats returns a snapshot of the metrics
func (r *Ring[T]) Stats() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
	}
}
