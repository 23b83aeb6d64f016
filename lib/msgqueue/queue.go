// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package msgqueue

import "sync"

// Queue is an unbounded FIFO. Safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	pushed  uint64
	dropped uint64
	notify  chan struct{}
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends item and wakes the consumer. Returns false, counting the
// item as dropped, if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.pushed++
	q.mu.Unlock()

	q.signal()
	return true
}

// Drain removes and returns every queued item in FIFO order. Nil if
// the queue is empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items and wakes the consumer. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Pushed returns the number of items accepted since creation.
func (q *Queue[T]) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Dropped returns the number of items refused after Close.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify returns the wake-up channel. A receive means "something may
// have changed"; the consumer must still check Drain and Closed.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}

// Wake signals the consumer without queueing anything. Used to make a
// loop run an iteration, for example to service a flush request.
func (q *Queue[T]) Wake() {
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
