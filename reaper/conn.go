// Package reaper implements an IO activity timeout for pooled connections.
// A Monitor wraps connections and runs reaper go-routines closing monitored
// connections which fail to show read or write activity for a while.
//
// A connection closed by a reaper reports so through Closed(), which makes
// it usable as a liveness check when the connection is handed back to a pool.
package reaper

import (
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
)

// ErrClosed is returned if IOActivityTimeout is called on a closed connection
var ErrClosed = errors.New("reaper: closed connection")

// ErrNotMonitored is returned for connections not wrapped by a Monitor.
var ErrNotMonitored = errors.New("reaper: connection not monitored")

// conn counts IO operations on the wrapped net.Conn.
type conn struct {
	net.Conn

	// activity is an atomic uint64; the low bit is whether Close has
	// been called. The rest of the bits count successful IO operations.
	activity     uint64
	lastActivity uint64 // the value at the last reaper cycle, reaper owned
	misses       int64  // reaper cycles without activity, reaper owned

	monitored atomicBool
	next      *conn
}

func (c *conn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if err == nil {
		atomic.AddUint64(&c.activity, 2)
	}
	return
}

func (c *conn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if err == nil {
		atomic.AddUint64(&c.activity, 2)
	}
	return
}

// Close closes the connection. Only the first call closes the underlying
// net.Conn, later calls are no-ops.
func (c *conn) Close() error {
	for {
		a := atomic.LoadUint64(&c.activity)
		if a&1 != 0 {
			return nil
		}
		if atomic.CompareAndSwapUint64(&c.activity, a, a|1) {
			return c.Conn.Close()
		}
	}
}

func (c *conn) closed() bool {
	return atomic.LoadUint64(&c.activity)&1 != 0
}

// reap closes the connection on behalf of the reaper.
func (c *conn) reap() {
	c.Close()
}

// Unwrap returns the connection wrapped by the monitor.
func (c *conn) Unwrap() net.Conn {
	return c.Conn
}

type atomicBool int32

func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *atomicBool) set(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32((*int32)(b), i)
}

// find locates the monitored conn, looking below a *tls.Conn.
func find(c net.Conn) *conn {
	switch tc := c.(type) {
	case *conn:
		return tc
	case *tls.Conn:
		if ic, ok := tc.NetConn().(*conn); ok {
			return ic
		}
	}
	return nil
}

// IOActivityTimeout toggles whether the reaper may close c for being
// inactive. c must be returned by a Monitor, possibly wrapped in a *tls.Conn.
func IOActivityTimeout(c net.Conn, enable bool) error {
	ic := find(c)
	if ic == nil {
		return ErrNotMonitored
	}
	if ic.closed() {
		return ErrClosed
	}
	ic.monitored.set(enable)
	return nil
}

// Closed reports whether a monitored connection has been closed, by the
// reaper or otherwise. It's false for connections not from a Monitor.
func Closed(c net.Conn) bool {
	ic := find(c)
	return ic != nil && ic.closed()
}
