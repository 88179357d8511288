package pool

import (
	"container/list"
	"context"
	"time"
)

type acquireResult struct {
	conn *Conn
	err  error
}

// waiter is a pending acquisition.
type waiter struct {
	ctx       context.Context
	key       string
	requested time.Time
	deadline  time.Time // zero if none

	// buffered, receives exactly one result if the waiter is ever
	// removed from the queue by someone else than itself.
	ready chan acquireResult

	elem *list.Element // nil when not queued
}

func newWaiter(ctx context.Context, key string, now time.Time, timeout time.Duration) *waiter {
	w := &waiter{
		ctx:       ctx,
		key:       key,
		requested: now,
		ready:     make(chan acquireResult, 1),
	}
	if timeout > 0 {
		w.deadline = now.Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (w.deadline.IsZero() || d.Before(w.deadline)) {
		w.deadline = d
	}
	return w
}

func (w *waiter) deliver(c *Conn, err error) {
	w.ready <- acquireResult{conn: c, err: err}
}

// waitQueue is a FIFO of waiters. Not go-routine safe, it's guarded by the
// owning pool's mutex.
type waitQueue struct {
	l list.List
}

func (q *waitQueue) len() int {
	return q.l.Len()
}

func (q *waitQueue) push(w *waiter) {
	w.elem = q.l.PushBack(w)
}

func (q *waitQueue) front() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*waiter)
}

// pop removes the oldest waiter.
func (q *waitQueue) pop() *waiter {
	w := q.front()
	if w != nil {
		q.l.Remove(w.elem)
		w.elem = nil
	}
	return w
}

// remove takes w out of the queue. It reports false if w was not queued,
// meaning somebody else has taken it and will deliver a result.
func (q *waitQueue) remove(w *waiter) bool {
	if w.elem == nil {
		return false
	}
	q.l.Remove(w.elem)
	w.elem = nil
	return true
}

func (q *waitQueue) drain() (ws []*waiter) {
	for w := q.pop(); w != nil; w = q.pop() {
		ws = append(ws, w)
	}
	return
}
