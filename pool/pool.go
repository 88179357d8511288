// Package pool implements a keyed pool of net.Conn connections.
//
// A Provider hands out connections grouped by a key, normally the remote
// address. Each key has its own pool bounding the number of live connections.
// Callers which can't be served immediately because the pool is at capacity
// are queued in FIFO order until a connection is released, their pending
// timeout expires or they give up.
// Idle connections are evicted when they exceed a max idle time or a max life
// time, either when they are about to be handed out or by an optional
// background sweep.
//
// Connections are returned to the pool with Release(). Close() discards a
// connection as broken, freeing its slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned when acquiring from a disposed Provider, and is
	// delivered to pending acquisitions when their pool is disposed.
	ErrClosed = errors.New("pool is closed")

	// ErrAcquireTimeout is returned if a pending acquisition is not served
	// before its deadline.
	ErrAcquireTimeout = errors.New("pool: pending acquisition timed out")

	// ErrPendingAcquireLimit is returned if the pool is at capacity and the
	// pending acquisition queue is full.
	ErrPendingAcquireLimit = errors.New("pool: pending acquisition queue is full")

	// ErrNotInUse is returned when releasing or closing a connection which isn't
	// currently acquired.
	ErrNotInUse = errors.New("pool: connection is not in use")

	// ErrWrongKey is returned when releasing a connection under another key
	// than the one it was acquired for.
	ErrWrongKey = errors.New("pool: connection does not belong to key")

	// internal: the pool was torn down before the caller got to it.
	errPoolGone = errors.New("pool: pool disposed")
)

// CreateError is returned when the Factory fails to create a connection.
type CreateError struct {
	Key string
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("pool: creating connection to %s: %v", e.Key, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Factory creates a new raw connection for the key.
type Factory func(ctx context.Context, key string) (net.Conn, error)

// Validator reports whether a raw connection can still be used.
// It's called with the pool locked and must not block.
type Validator func(c net.Conn) bool

// Closer disposes of a raw connection.
type Closer func(c net.Conn) error

// AnyKey is the key of the single pool used by a shared Provider.
const AnyKey = "*"

// Unbounded can be given as max connections or max pending acquisitions to
// not impose any limit.
const Unbounded = -1
