// Package evloop holds the primitives shared by the session and agent event
// loops: a cross-goroutine FIFO with a coalescing wake signal, a write
// backpressure gate, and an ordered asynchronous writer.
package evloop

import "sync"

// Queue is a mutex-guarded FIFO. Put signals Wake, but signals coalesce: a
// single wake may stand for many Puts. Consumers must drain until empty on
// every wake and also drain on a periodic tick.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{}, 1)}
}

// Put appends v and signals the consumer. It never blocks.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake fires at least once after any Put.
func (q *Queue[T]) Wake() <-chan struct{} {
	return q.wake
}

// Drain pops items one at a time until the queue is empty and returns how
// many were handled. fn runs without the lock held, so it may Put.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.items = nil
			q.mu.Unlock()
			return n
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()
		fn(v)
		n++
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
