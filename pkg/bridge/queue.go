// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a single consumer. An item counts as
// pending from put until the consumer calls done for it, and waitDrained
// blocks until nothing is pending. That count is what orders the outbound
// queues against each other.
type queue[T any] struct {
	mu      sync.Mutex
	items   []T
	pending int
	// drained is closed whenever pending is zero.
	drained chan struct{}
	ready   chan struct{}

	onChange func(pending int)
}

func newQueue[T any](onChange func(pending int)) *queue[T] {
	q := &queue[T]{
		drained:  make(chan struct{}),
		ready:    make(chan struct{}, 1),
		onChange: onChange,
	}
	close(q.drained)
	return q
}

func (q *queue[T]) put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.pending == 0 {
		q.drained = make(chan struct{})
	}
	q.pending++
	n := q.pending
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.changed(n)
}

// get blocks until an item is available or ctx is done.
func (q *queue[T]) get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// done marks one item returned by get as handled.
func (q *queue[T]) done() {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		panic("bridge: queue done called more times than put")
	}
	q.pending--
	n := q.pending
	if n == 0 {
		close(q.drained)
	}
	q.mu.Unlock()
	q.changed(n)
}

// waitDrained blocks until every item put so far has been handled.
func (q *queue[T]) waitDrained(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// len returns the number of pending items, in-flight ones included.
func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *queue[T]) changed(n int) {
	if q.onChange != nil {
		q.onChange(n)
	}
}
