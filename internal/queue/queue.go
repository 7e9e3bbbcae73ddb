// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package queue provides a bounded, multi-producer multi-consumer queue
// with a terminal closed state, the Go substitute for the Python
// original's multiprocessing.Queue plus its ad-hoc shutdown flag.
package queue

import (
	"sync"
	"time"

	"github.com/distjob/dispatch/internal/wireerr"
)

// ClosableQueue is a bounded FIFO queue of arbitrary values. Once Close
// is called, all blocked and future Put calls fail with wireerr.Closed;
// Get continues to drain whatever was already buffered before returning
// wireerr.Closed on an empty, closed queue.
type ClosableQueue struct {
	mu     sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items  []any
	cap    int
	closed bool
}

// New creates a ClosableQueue with the given capacity. A capacity of 0
// means unbounded.
func New(capacity int) *ClosableQueue {
	q := &ClosableQueue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends v to the queue, blocking while the queue is full. It
// returns wireerr.Closed if the queue is or becomes closed before room
// is available.
func (q *ClosableQueue) Put(v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.cap > 0 && len(q.items) >= q.cap {
		q.notFull.Wait()
	}
	if q.closed {
		return wireerr.Closed
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

// TryPut appends v without blocking, returning wireerr.Empty (queue
// full, in the sense of "no room") or wireerr.Closed as appropriate.
func (q *ClosableQueue) TryPut(v any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return wireerr.Closed
	}
	if q.cap > 0 && len(q.items) >= q.cap {
		return wireerr.Empty
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

// Get removes and returns the oldest value, blocking while the queue is
// empty and open. Once closed and drained it returns wireerr.Closed.
func (q *ClosableQueue) Get() (any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, wireerr.Closed
	}
	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, nil
}

// TryGet removes and returns the oldest value without blocking,
// returning wireerr.Empty if nothing is buffered and wireerr.Closed if
// the queue is closed and drained.
func (q *ClosableQueue) TryGet() (any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return nil, wireerr.Closed
		}
		return nil, wireerr.Empty
	}
	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, nil
}

// PutTimeout appends v, waiting up to timeout for room if the queue is
// full (timeout <= 0 behaves like Put, waiting forever). It returns
// wireerr.Empty if timeout elapses before room becomes available.
func (q *ClosableQueue) PutTimeout(v any, timeout time.Duration) error {
	if timeout <= 0 {
		return q.Put(v)
	}
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.cap > 0 && len(q.items) >= q.cap {
		if !waitUntilLocked(q.notFull, deadline) {
			return wireerr.Empty
		}
	}
	if q.closed {
		return wireerr.Closed
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

// GetTimeout removes and returns the oldest value, waiting up to
// timeout for one to arrive if the queue is empty (timeout <= 0
// behaves like Get, waiting forever). It returns wireerr.Empty if
// timeout elapses with nothing buffered.
func (q *ClosableQueue) GetTimeout(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return q.Get()
	}
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		if !waitUntilLocked(q.notEmpty, deadline) {
			return nil, wireerr.Empty
		}
	}
	if len(q.items) == 0 {
		return nil, wireerr.Closed
	}
	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, nil
}

// waitUntilLocked waits on cond, which must guard the same mutex the
// caller already holds, until woken or deadline passes. It reports
// whether it returned before the deadline; the caller must re-check
// its own condition afterward, since cond wakeups are not one-to-one
// with the state change a waiter is looking for.
func waitUntilLocked(cond *sync.Cond, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timedOut := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		close(timedOut)
		cond.Broadcast()
	})
	cond.Wait()
	timer.Stop()
	select {
	case <-timedOut:
		return false
	default:
		return true
	}
}

// Close marks the queue closed, waking every blocked Put and Get. Put
// calls made after Close always fail; Get calls continue to drain
// buffered items first. Close is idempotent.
func (q *ClosableQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (q *ClosableQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len reports the number of buffered items.
func (q *ClosableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
