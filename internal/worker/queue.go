package worker

import (
	"errors"
	"sync"
)

var (
	// ErrQueueClosed is returned by Push after Close.
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is an unbounded multi-producer FIFO. Push and TryPop never block;
// Pop blocks until an item arrives or the queue is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{} // cap 1, signalled on push, closed on Close
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest item, waiting for one if needed. ok is false once the queue is closed.
func (q *Queue[T]) Pop() (v T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.shift()
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return v, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	return q.shift(), true
}

// Drain removes and returns every queued item without waiting.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Close stops the queue. Items that were still queued are dropped and returned.
// Closing twice is a no-op.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	dropped := q.items
	q.items = nil
	close(q.ready)
	return dropped
}

// Ready is signalled after a push and closed by Close. A single consumer can
// select on it next to other channels and then Drain.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) shift() T {
	var zero T
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}
