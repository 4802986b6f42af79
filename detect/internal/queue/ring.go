// Package queue provides the bounded, drop-oldest buffer placed between
// producers that must never block and a single consumer.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue closed")

// Ring is a fixed-capacity FIFO. When full, Push overwrites the oldest
// element instead of blocking. It is safe for concurrent producers and one
// consumer.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	n      int
	closed bool
	ready  chan struct{}
}

// New returns a ring holding at most size elements. Sizes below one are
// raised to one.
func New[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		buf:   make([]T, size),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. dropped is true when the oldest element was discarded to
// make room.
func (r *Ring[T]) Push(v T) (dropped bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if r.n == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		dropped = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	r.mu.Unlock()

	r.signal()
	return dropped, nil
}

// PopBatch moves up to max elements into dst and returns it. max <= 0
// takes everything queued.
func (r *Ring[T]) PopBatch(dst []T, max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || max > r.n {
		max = r.n
	}
	var zero T
	for i := 0; i < max; i++ {
		dst = append(dst, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
	}
	r.n -= max
	if r.n > 0 || r.closed {
		r.signal()
	}
	return dst
}

// Ready receives a value whenever elements may be waiting, and after Close.
func (r *Ring[T]) Ready() <-chan struct{} { return r.ready }

func (r *Ring[T]) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Len is the number of queued elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap is the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Close rejects further pushes. Queued elements stay poppable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// Closed reports whether Close was called.
func (r *Ring[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
