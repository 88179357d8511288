package pool

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyPool is the pool of connections for one key. All its mutable state is
// guarded by mu.
type keyPool struct {
	name    string // provider name
	key     string
	id      string
	s       Settings
	opts    *Options
	factory Factory

	observer OccupancyObserver // set before the pool is published

	mu sync.Mutex
	// ordered by release time, most recently released last
	idle  []*Conn
	inUse map[*Conn]struct{}
	// connections handed out plus connections being created
	active     int
	pending    waitQueue
	disposed   bool
	emptySince time.Time
}

func newKeyPool(name, key string, s Settings, opts *Options, factory Factory) *keyPool {
	return &keyPool{
		name:       name,
		key:        key,
		id:         uuid.New().String(),
		s:          s,
		opts:       opts,
		factory:    factory,
		inUse:      make(map[*Conn]struct{}),
		emptySince: opts.now(),
	}
}

// hasCapacityLocked reports whether a new connection may be created.
func (p *keyPool) hasCapacityLocked() bool {
	return p.s.MaxConnections == Unbounded || p.active+len(p.idle) < p.s.MaxConnections
}

func (p *keyPool) validLocked(c *Conn) bool {
	return p.opts.Validator == nil || p.opts.Validator(c.Conn)
}

func (p *keyPool) matches(c *Conn, key string) bool {
	return !p.opts.Shared || c.key == key
}

// takeIdleLocked removes and returns the next idle connection for the key
// according to the leasing strategy.
func (p *keyPool) takeIdleLocked(key string) *Conn {
	n := len(p.idle)
	idx := -1
	if p.s.Leasing == FIFO {
		for i := 0; i < n; i++ {
			if p.matches(p.idle[i], key) {
				idx = i
				break
			}
		}
	} else {
		for i := n - 1; i >= 0; i-- {
			if p.matches(p.idle[i], key) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil
	}
	c := p.idle[idx]
	copy(p.idle[idx:], p.idle[idx+1:])
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c
}

func (p *keyPool) acquire(ctx context.Context, key string) (*Conn, error) {
	if ctx.Err() != nil {
		return nil, ctxErr(ctx)
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, errPoolGone
	}
	now := p.opts.now()
	p.emptySince = time.Time{}
	var discarded []*Conn

	// Prefer an idle connection.
	for {
		c := p.takeIdleLocked(key)
		if c == nil {
			break
		}
		if c.idleExpired(now, &p.s) || c.lifeExpired(now, &p.s) || !p.validLocked(c) {
			c.state = stateDisposed
			discarded = append(discarded, c)
			continue
		}
		c.state = stateInUse
		p.inUse[c] = struct{}{}
		p.active++
		p.mu.Unlock()
		p.closeDiscarded(discarded)
		p.changed()
		return c, nil
	}

	// A shared pool can make room by evicting an idle connection
	// of another key.
	if p.opts.Shared && !p.hasCapacityLocked() && len(p.idle) > 0 {
		c := p.idle[0]
		copy(p.idle, p.idle[1:])
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]
		c.state = stateDisposed
		discarded = append(discarded, c)
	}

	if p.hasCapacityLocked() {
		p.active++ // reserve the slot
		p.mu.Unlock()
		p.closeDiscarded(discarded)
		return p.create(ctx, key)
	}

	if p.s.PendingAcquireMaxCount != Unbounded && p.pending.len() >= p.s.PendingAcquireMaxCount {
		p.mu.Unlock()
		p.closeDiscarded(discarded)
		return nil, ErrPendingAcquireLimit
	}

	w := newWaiter(ctx, key, now, p.s.PendingAcquireTimeout)
	p.pending.push(w)
	p.mu.Unlock()
	p.closeDiscarded(discarded)
	p.changed()

	return p.wait(ctx, w)
}

// create makes a new connection in a slot already reserved in active.
func (p *keyPool) create(ctx context.Context, key string) (*Conn, error) {
	raw, err := p.factory(ctx, key)

	p.mu.Lock()
	if err != nil {
		p.active--
		next := p.serveWaiterLocked()
		p.mu.Unlock()
		p.opts.log(LvlNOTICE, "connection creation failed", "pool", p.name, "key", key, "err", err)
		next()
		p.changed()
		return nil, &CreateError{Key: key, Err: err}
	}
	if p.disposed {
		p.active--
		p.mu.Unlock()
		p.closeRaw(raw)
		return nil, ErrClosed
	}
	now := p.opts.now()
	c := &Conn{
		Conn:     raw,
		id:       uuid.New().String(),
		key:      key,
		pool:     p,
		created:  now,
		released: now,
		state:    stateInUse,
	}
	p.inUse[c] = struct{}{}
	p.mu.Unlock()

	p.opts.log(LvlDEBUG, "connection created", "pool", p.name, "key", key, "id", c.id)
	p.changed()
	return c, nil
}

// createFor creates a connection on behalf of a waiter already taken off the
// queue, in a slot already reserved for it.
func (p *keyPool) createFor(w *waiter) {
	ctx := w.ctx
	if !w.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, w.deadline)
		defer cancel()
	}
	c, err := p.create(ctx, w.key)
	w.deliver(c, err)
}

// serveWaiterLocked uses free capacity to create a connection for the oldest
// waiter. The returned function must be called after unlocking.
func (p *keyPool) serveWaiterLocked() func() {
	if p.disposed || p.pending.len() == 0 || !p.hasCapacityLocked() {
		return func() {}
	}
	w := p.pending.pop()
	p.active++
	return func() { go p.createFor(w) }
}

func (p *keyPool) wait(ctx context.Context, w *waiter) (*Conn, error) {
	var expired <-chan time.Time
	if !w.deadline.IsZero() {
		t := time.NewTimer(w.deadline.Sub(p.opts.now()))
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-w.ready:
		return r.conn, r.err
	case <-expired:
		if p.cancelWaiter(w) {
			p.opts.log(LvlINFO, "pending acquisition timed out", "pool", p.name, "key", w.key,
				"waited", p.opts.now().Sub(w.requested))
			return nil, ErrAcquireTimeout
		}
		// Lost the race against a release, we got served.
		r := <-w.ready
		return r.conn, r.err
	case <-ctx.Done():
		if p.cancelWaiter(w) {
			return nil, ctxErr(ctx)
		}
		r := <-w.ready
		if r.conn != nil {
			r.conn.Release()
		}
		return nil, ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrAcquireTimeout
	}
	return ctx.Err()
}

// cancelWaiter dequeues w. False means a result for w is, or will be, delivered.
func (p *keyPool) cancelWaiter(w *waiter) bool {
	p.mu.Lock()
	removed := p.pending.remove(w)
	p.mu.Unlock()
	if removed {
		p.changed()
	}
	return removed
}

func (p *keyPool) release(c *Conn) error {
	p.mu.Lock()
	if c.state != stateInUse {
		disposed := p.disposed
		p.mu.Unlock()
		if disposed && c.state == stateDisposed {
			return nil
		}
		return ErrNotInUse
	}
	now := p.opts.now()

	if p.disposed || c.lifeExpired(now, &p.s) || !p.validLocked(c) {
		delete(p.inUse, c)
		c.state = stateDisposed
		p.active--
		next := p.serveWaiterLocked()
		p.mu.Unlock()
		p.opts.log(LvlDEBUG, "discarding released connection", "pool", p.name, "key", c.key, "id", c.id)
		p.closeRaw(c.Conn)
		next()
		p.changed()
		return nil
	}
	c.released = now

	if w := p.pending.front(); w != nil {
		p.pending.pop()
		if w.key == c.key {
			// hand over, the connection stays in use.
			delete(p.inUse, c)
			nc := c.renew(stateInUse)
			p.inUse[nc] = struct{}{}
			p.mu.Unlock()
			w.deliver(nc, nil)
			p.changed()
			return nil
		}
		// Shared pool: the oldest waiter wants another key. Hand it the slot.
		delete(p.inUse, c)
		c.state = stateDisposed
		p.mu.Unlock()
		p.closeRaw(c.Conn)
		go p.createFor(w)
		p.changed()
		return nil
	}

	delete(p.inUse, c)
	p.active--
	if p.s.MaxIdleConnections != Unbounded && len(p.idle) >= p.s.MaxIdleConnections {
		c.state = stateDisposed
		p.mu.Unlock()
		p.closeRaw(c.Conn)
		p.changed()
		return nil
	}
	// no deadline while idle
	c.Conn.SetDeadline(time.Time{})
	p.idle = append(p.idle, c.renew(stateIdle))
	p.mu.Unlock()
	p.changed()
	return nil
}

// discard closes an acquired connection and frees its slot.
func (p *keyPool) discard(c *Conn) error {
	p.mu.Lock()
	if c.state != stateInUse {
		disposed := p.disposed
		p.mu.Unlock()
		if disposed && c.state == stateDisposed {
			return nil
		}
		return ErrNotInUse
	}
	delete(p.inUse, c)
	c.state = stateDisposed
	p.active--
	next := p.serveWaiterLocked()
	p.mu.Unlock()

	err := p.closeRaw(c.Conn)
	next()
	p.changed()
	return err
}

// evict disposes idle connections which are expired or invalid.
// It returns the number of evicted connections and for how long the pool
// has been empty.
func (p *keyPool) evict(now time.Time) (evicted int, inactive time.Duration) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	var victims []*Conn
	keep := p.idle[:0]
	for _, c := range p.idle {
		if c.idleExpired(now, &p.s) || c.lifeExpired(now, &p.s) || !p.validLocked(c) {
			c.state = stateDisposed
			victims = append(victims, c)
			continue
		}
		keep = append(keep, c)
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	next := p.serveWaiterLocked()

	if p.emptyLocked() {
		if p.emptySince.IsZero() {
			p.emptySince = now
		}
		inactive = now.Sub(p.emptySince)
	} else {
		p.emptySince = time.Time{}
	}
	p.mu.Unlock()

	for _, c := range victims {
		if err := p.closeRaw(c.Conn); err != nil {
			p.opts.log(LvlWARN, "closing evicted connection", "pool", p.name, "key", c.key, "id", c.id, "err", err)
		}
	}
	next()
	if len(victims) > 0 {
		p.opts.log(LvlDEBUG, "evicted idle connections", "pool", p.name, "key", p.key, "count", len(victims))
		p.changed()
	}
	return len(victims), inactive
}

func (p *keyPool) emptyLocked() bool {
	return p.active == 0 && len(p.idle) == 0 && p.pending.len() == 0
}

// disposeIfInactive tears down the pool if it's still empty.
func (p *keyPool) disposeIfInactive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || !p.emptyLocked() {
		return false
	}
	p.disposed = true
	return true
}

// dispose closes all connections, idle and acquired, and fails all waiters.
func (p *keyPool) dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	conns := make([]*Conn, 0, len(p.idle)+len(p.inUse))
	for _, c := range p.idle {
		c.state = stateDisposed
		conns = append(conns, c)
	}
	p.idle = nil
	for c := range p.inUse {
		c.state = stateDisposed
		conns = append(conns, c)
		p.active--
	}
	p.inUse = make(map[*Conn]struct{})
	waiters := p.pending.drain()
	p.mu.Unlock()

	for _, w := range waiters {
		w.deliver(nil, ErrClosed)
	}
	for _, c := range conns {
		if err := p.closeRaw(c.Conn); err != nil {
			p.opts.log(LvlWARN, "closing connection", "pool", p.name, "key", c.key, "id", c.id, "err", err)
		}
	}
	p.opts.log(LvlDEBUG, "pool disposed", "pool", p.name, "key", p.key, "closed", len(conns), "waiters", len(waiters))
}

// purge closes the idle connections of one key in a shared pool.
func (p *keyPool) purge(key string) {
	p.mu.Lock()
	var victims []*Conn
	keep := p.idle[:0]
	for _, c := range p.idle {
		if c.key == key {
			c.state = stateDisposed
			victims = append(victims, c)
			continue
		}
		keep = append(keep, c)
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	next := p.serveWaiterLocked()
	p.mu.Unlock()

	p.closeDiscarded(victims)
	next()
	if len(victims) > 0 {
		p.changed()
	}
}

func (p *keyPool) closeRaw(c net.Conn) error {
	if p.opts.Closer != nil {
		return p.opts.Closer(c)
	}
	return c.Close()
}

func (p *keyPool) closeDiscarded(cs []*Conn) {
	for _, c := range cs {
		p.opts.log(LvlDEBUG, "discarding idle connection", "pool", p.name, "key", c.key, "id", c.id)
		if err := p.closeRaw(c.Conn); err != nil {
			p.opts.log(LvlWARN, "closing connection", "pool", p.name, "key", c.key, "id", c.id, "err", err)
		}
	}
}

func (p *keyPool) changed() {
	if p.observer != nil {
		p.observer.OccupancyChanged(p.name, p.id, p.key, p)
	}
}

// PoolMetrics implementation

func (p *keyPool) AcquiredSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *keyPool) AllocatedSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active + len(p.idle)
}

func (p *keyPool) IdleSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *keyPool) PendingAcquireSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.len()
}

func (p *keyPool) MaxAllocatedSize() int {
	if p.s.MaxConnections == Unbounded {
		return math.MaxInt32
	}
	return p.s.MaxConnections
}

func (p *keyPool) MaxPendingAcquireSize() int {
	if p.s.PendingAcquireMaxCount == Unbounded {
		return math.MaxInt32
	}
	return p.s.PendingAcquireMaxCount
}
