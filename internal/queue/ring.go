// Package queue provides a fixed-capacity FIFO that reports overflow instead
// of dropping entries.
package queue

import "diffusionpolicy/internal/errs"

// Ring is a bounded FIFO backed by a circular buffer. It is not safe for
// concurrent use; each owner holds its own instance.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing allocates an empty ring holding at most capacity entries.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, errs.Configuration("queue.new", "capacity must be >= 1").With("cap", capacity)
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

func (r *Ring[T]) Len() int    { return r.size }
func (r *Ring[T]) Cap() int    { return len(r.items) }
func (r *Ring[T]) Empty() bool { return r.size == 0 }
func (r *Ring[T]) Full() bool  { return r.size == len(r.items) }

// Push appends v at the tail. A full ring returns a StateError.
func (r *Ring[T]) Push(v T) error {
	if r.Full() {
		return errs.State("queue.push", "overflow").With("cap", r.Cap()).With("len", r.size)
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return nil
}

// PushAll appends every value or none of them.
func (r *Ring[T]) PushAll(values []T) error {
	if r.size+len(values) > len(r.items) {
		return errs.State("queue.push", "overflow").With("cap", r.Cap()).With("len", r.size).With("incoming", len(values))
	}
	for _, v := range values {
		r.items[(r.head+r.size)%len(r.items)] = v
		r.size++
	}
	return nil
}

// Pop removes and returns the oldest entry. An empty ring returns a
// StateError.
func (r *Ring[T]) Pop() (T, error) {
	var zero T
	if r.size == 0 {
		return zero, errs.State("queue.pop", "empty").With("cap", r.Cap())
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, nil
}

// Peek returns the oldest entry without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Items returns the entries from oldest to newest.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Reset empties the ring while keeping its capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}
