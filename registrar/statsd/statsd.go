// Package statsd implements a pool.MeterRegistrar which periodically sends
// the occupancy of every registered pool as statsd gauges.
//
// Gauges are named <prefix>.<pool>.<key>.<gauge> with the gauges
// allocated, acquired, idle, pending, max_allocated and max_pending.
// Characters in the key which statsd reserves are replaced by '_'.
package statsd

import (
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/One-com/gone/netpool/pool"
)

// Option configures a Registrar
type Option func(*Registrar) error

// Buffer sets the package size with which writes to the underlying io.Writer
// (often an UDPConn) is done. 1432 should be a safe size for most nets.
func Buffer(size int) Option {
	return func(r *Registrar) error {
		r.max = size
		return nil
	}
}

// Prefix is prepended with "prefix." to all gauge names
func Prefix(pfx string) Option {
	return func(r *Registrar) error {
		r.prefix = pfx + "."
		return nil
	}
}

// Peer is the address of the statsd UDP server
func Peer(addr string) Option {
	return func(r *Registrar) error {
		conn, err := net.DialTimeout("udp", addr, time.Second)
		if err != nil {
			return err
		}
		r.out = conn
		return nil
	}
}

// Output sets a general io.Writer as output instead of a UDPConn.
func Output(w io.Writer) Option {
	return func(r *Registrar) error {
		r.out = w
		return nil
	}
}

// Interval makes the Registrar flush at the interval in a go-routine
// started by New. Stop it with Stop().
func Interval(d time.Duration) Option {
	return func(r *Registrar) error {
		r.interval = d
		return nil
	}
}

type entry struct {
	pool    string
	key     string
	id      string
	metrics pool.PoolMetrics
}

// Registrar keeps the registered pools and writes their gauges on Flush.
type Registrar struct {
	out      io.Writer
	max      int
	prefix   string
	interval time.Duration

	mu      sync.Mutex
	entries map[string]entry
	buf     []byte

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Registrar. Default output is os.Stdout.
func New(opts ...Option) (*Registrar, error) {
	r := &Registrar{
		out:     os.Stdout,
		max:     1432,
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}
	r.buf = make([]byte, 0, r.max+256)
	if r.interval > 0 {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.run()
	}
	return r, nil
}

// RegisterMetrics implements pool.MeterRegistrar
func (r *Registrar) RegisterMetrics(poolName, id, key string, metrics pool.PoolMetrics) {
	r.mu.Lock()
	r.entries[id] = entry{pool: poolName, key: key, id: id, metrics: metrics}
	r.mu.Unlock()
}

// DeRegisterMetrics implements pool.MeterRegistrar
func (r *Registrar) DeRegisterMetrics(poolName, id, key string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registrar) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Stop stops the flushing go-routine after a last flush.
func (r *Registrar) Stop() {
	if r.stop == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

var keyReplacer = strings.NewReplacer(".", "_", ":", "_", "|", "_", "@", "_", " ", "_", "\n", "_")

// Flush writes the current gauges of all registered pools.
func (r *Registrar) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pool != entries[j].pool {
			return entries[i].pool < entries[j].pool
		}
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].id < entries[j].id
	})

	for _, e := range entries {
		name := keyReplacer.Replace(e.pool) + "." + keyReplacer.Replace(e.key) + "."
		m := e.metrics
		r.gauge(name+"allocated", m.AllocatedSize())
		r.gauge(name+"acquired", m.AcquiredSize())
		r.gauge(name+"idle", m.IdleSize())
		r.gauge(name+"pending", m.PendingAcquireSize())
		r.gauge(name+"max_allocated", m.MaxAllocatedSize())
		r.gauge(name+"max_pending", m.MaxPendingAcquireSize())
	}
	r.flush(0)
}

func (r *Registrar) gauge(name string, v int) {
	safe := len(r.buf)
	r.buf = append(r.buf, r.prefix...)
	r.buf = append(r.buf, name...)
	r.buf = append(r.buf, ':')
	r.buf = strconv.AppendInt(r.buf, int64(v), 10)
	r.buf = append(r.buf, "|g\n"...)
	if len(r.buf) > r.max {
		r.flush(safe)
	}
}

// flush writes the first n bytes of the buffer, or all of it if n is 0.
func (r *Registrar) flush(n int) {
	if len(r.buf) == 0 {
		return
	}
	if n == 0 {
		n = len(r.buf)
	}
	// Trim the last \n, StatsD does not like it.
	r.out.Write(r.buf[:n-1])

	if n < len(r.buf) {
		copy(r.buf, r.buf[n:])
	}
	r.buf = r.buf[:len(r.buf)-n]
}
