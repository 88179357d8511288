package pool

import (
	"net"
	"time"
)

type connState int

const (
	stateIdle connState = iota
	stateInUse
	stateReleased
	stateDisposed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInUse:
		return "in-use"
	case stateReleased:
		return "released"
	}
	return "disposed"
}

// Conn is a lease of a pooled connection wrapping the raw net.Conn created by
// the Factory. It's owned by the caller between Acquire and Release/Close.
// Every Acquire returns a new *Conn, so Release or Close on a lease already
// given back returns ErrNotInUse, even if the connection has been handed to
// another caller meanwhile. ID identifies the underlying connection.
type Conn struct {
	net.Conn

	id  string
	key string

	pool *keyPool

	// guarded by pool.mu
	created  time.Time
	released time.Time
	state    connState
}

// ID returns a unique id of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Key returns the key the connection was created for.
func (c *Conn) Key() string {
	return c.key
}

// Created returns the creation time.
func (c *Conn) Created() time.Time {
	return c.created
}

// Release puts the connection back to the pool instead of closing it.
func (c *Conn) Release() error {
	return c.pool.release(c)
}

// Close closes the connection and discards it as broken.
func (c *Conn) Close() error {
	return c.pool.discard(c)
}

// renew ends the lease c and returns a new lease of the same connection.
// Must be called with pool.mu held.
func (c *Conn) renew(state connState) *Conn {
	nc := *c
	nc.state = state
	c.state = stateReleased
	return &nc
}

func (c *Conn) lifeExpired(now time.Time, s *Settings) bool {
	return s.MaxLifeTime > 0 && now.Sub(c.created) >= s.MaxLifeTime
}

func (c *Conn) idleExpired(now time.Time, s *Settings) bool {
	return s.MaxIdleTime > 0 && now.Sub(c.released) >= s.MaxIdleTime
}
