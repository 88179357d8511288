package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeFactory creates in-memory connections and counts them.
type fakeFactory struct {
	mu      sync.Mutex
	created int
	closed  int
	fail    error
	peers   []net.Conn
}

type fakeConn struct {
	net.Conn
	f   *fakeFactory
	key string
	n   int

	mu     sync.Mutex
	broken bool
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.f.mu.Lock()
	c.f.closed++
	c.f.mu.Unlock()
	return c.Conn.Close()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) breakIt() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (f *fakeFactory) dial(ctx context.Context, key string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	c1, c2 := net.Pipe()
	f.peers = append(f.peers, c2)
	f.created++
	return &fakeConn{Conn: c1, f: f, key: key, n: f.created}, nil
}

func (f *fakeFactory) counts() (created, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.closed
}

func (f *fakeFactory) cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.peers {
		c.Close()
	}
}

func notBroken(c net.Conn) bool {
	fc := c.(*fakeConn)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return !fc.broken
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is a MeterRegistrar logging its calls.
type recorder struct {
	mu        sync.Mutex
	live      map[string]string // id -> key
	events    []string
	occupancy int
}

func newRecorder() *recorder {
	return &recorder{live: make(map[string]string)}
}

func (r *recorder) RegisterMetrics(poolName, id, key string, m PoolMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[id] = key
	r.events = append(r.events, fmt.Sprintf("register %s %s", poolName, key))
}

func (r *recorder) DeRegisterMetrics(poolName, id, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	r.events = append(r.events, fmt.Sprintf("deregister %s %s", poolName, key))
}

func (r *recorder) liveKeys() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make(map[string]bool)
	for _, k := range r.live {
		keys[k] = true
	}
	return keys
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type observingRecorder struct {
	*recorder
}

func (r observingRecorder) OccupancyChanged(poolName, id, key string, m PoolMetrics) {
	r.mu.Lock()
	r.occupancy++
	r.mu.Unlock()
}

func newTestProvider(t *testing.T, f *fakeFactory, opts ...Option) *Provider {
	t.Helper()
	p, err := New("test", f.dial, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.Dispose()
		f.cleanup()
	})
	return p
}

// acquireAsync starts an Acquire and returns channels for its result.
func acquireAsync(ctx context.Context, p *Provider, key string) (<-chan *Conn, <-chan error) {
	conns := make(chan *Conn, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := p.Acquire(ctx, key)
		if err != nil {
			errs <- err
			return
		}
		conns <- c
	}()
	return conns, errs
}

func pendingIs(p *Provider, key string, n int) func() bool {
	return func() bool {
		m := p.Metrics(key)
		return m != nil && m.PendingAcquireSize() == n
	}
}
