// Package dial provides a connection factory and a liveness check for
// pool.Provider.
//
//	d := dial.New(dial.Timeout(5*time.Second), dial.Rate(50, 10))
//	p, err := pool.New("backend", d.Connect, pool.Validate(dial.Alive))
package dial

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/One-com/gone/netpool/reaper"
	"golang.org/x/time/rate"
)

// Dialer creates connections to the address given as pool key.
type Dialer struct {
	network string
	dialer  net.Dialer
	tls     *tls.Config

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	monitor *reaper.Monitor
}

// Option configures a Dialer
type Option func(*Dialer)

// Network sets the network to dial. Default "tcp".
func Network(network string) Option {
	return func(d *Dialer) {
		d.network = network
	}
}

// Timeout sets the max time a dial may take.
func Timeout(t time.Duration) Option {
	return func(d *Dialer) {
		d.dialer.Timeout = t
	}
}

// KeepAlive sets the TCP keep-alive period.
func KeepAlive(t time.Duration) Option {
	return func(d *Dialer) {
		d.dialer.KeepAlive = t
	}
}

// Rate limits new connections per key to perSecond with bursts of burst.
// Connect waits for the limiter within its context.
func Rate(perSecond float64, burst int) Option {
	return func(d *Dialer) {
		d.limit = rate.Limit(perSecond)
		d.burst = burst
	}
}

// TLS makes the Dialer do a TLS handshake on new connections.
// ServerName is taken from the key if not set in cfg.
func TLS(cfg *tls.Config) Option {
	return func(d *Dialer) {
		d.tls = cfg
	}
}

// IOActivityTimeout closes connections which have no IO activity
// for timeout. Closed connections fail Alive().
func IOActivityTimeout(timeout, interval time.Duration) Option {
	return func(d *Dialer) {
		d.monitor = reaper.NewMonitor(timeout, interval, true)
	}
}

// New returns a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		network:  "tcp",
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dialer) limiter(key string) *rate.Limiter {
	if d.limit <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[key] = l
	}
	return l
}

// Forget drops the rate limiter state of key.
func (d *Dialer) Forget(key string) {
	d.mu.Lock()
	delete(d.limiters, key)
	d.mu.Unlock()
}

// Connect dials the address key. It has the signature of a pool.Factory.
func (d *Dialer) Connect(ctx context.Context, key string) (net.Conn, error) {
	if l := d.limiter(key); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dial %s: rate limited: %w", key, err)
		}
	}

	c, err := d.dialer.DialContext(ctx, d.network, key)
	if err != nil {
		return nil, err
	}
	if d.monitor != nil {
		c = d.monitor.Wrap(c)
	}
	if d.tls == nil {
		return c, nil
	}

	cfg := d.tls
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		host, _, err := net.SplitHostPort(key)
		if err != nil {
			host = key
		}
		cfg.ServerName = host
	}
	tc := tls.Client(c, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("dial %s: tls handshake: %w", key, err)
	}
	return tc, nil
}
