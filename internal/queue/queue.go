// Package queue provides a bounded FIFO that evicts its oldest entry when
// full.
package queue

import "sync"

// Bounded holds at most Cap items in insertion order.
type Bounded[T any] struct {
	mu    sync.Mutex
	items []T
	max   int
}

// NewBounded panics if max is not positive.
func NewBounded[T any](max int) *Bounded[T] {
	if max <= 0 {
		panic("queue: max must be positive")
	}
	return &Bounded[T]{
		items: make([]T, 0, max),
		max:   max,
	}
}

// Push appends v. If the queue was full the oldest item is evicted first
// and returned with ok set.
func (q *Bounded[T]) Push(v T) (evicted T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		evicted, ok = q.items[0], true
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
	}
	q.items = append(q.items, v)
	return evicted, ok
}

// Drain takes ownership of every queued item and leaves the queue empty.
func (q *Bounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]T, 0, q.max)
	return out
}

// Items returns a copy of the queued items.
func (q *Bounded[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Bounded[T]) Cap() int {
	return q.max
}

func (q *Bounded[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 0, q.max)
}
