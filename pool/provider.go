package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Provider hands out connections from a pool per key.
type Provider struct {
	name    string
	factory Factory
	opts    Options

	registrarOnce sync.Once
	reg           MeterRegistrar

	mu       sync.Mutex
	pools    map[string]*keyPool
	disposed bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Provider named name, creating connections with factory.
func New(name string, factory Factory, opts ...Option) (*Provider, error) {
	if factory == nil {
		return nil, errors.New("pool: no connection factory")
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := o.settingsFor(AnyKey); err != nil {
		return nil, err
	}
	if o.EvictionInterval < 0 || o.InactivePoolTimeout < 0 {
		return nil, errors.New("pool: negative eviction interval")
	}

	p := &Provider{
		name:    name,
		factory: factory,
		opts:    o,
		pools:   make(map[string]*keyPool),
	}

	for _, key := range o.Preallocate {
		if _, err := p.pool(key); err != nil {
			p.Dispose()
			return nil, err
		}
	}

	if interval := p.evictionInterval(); interval > 0 {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.evictLoop(interval)
	}
	return p, nil
}

// NewUnpooled creates a Provider which doesn't keep idle connections.
// Every Acquire creates a connection and every Release closes it.
func NewUnpooled(name string, factory Factory, opts ...Option) (*Provider, error) {
	opts = append(opts, MaxConnections(Unbounded), MaxIdleConnections(0))
	return New(name, factory, opts...)
}

// Name returns the name of the provider.
func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) poolKey(key string) string {
	if p.opts.Shared {
		return AnyKey
	}
	return key
}

// pool finds or creates the pool for key.
func (p *Provider) pool(key string) (*keyPool, error) {
	pk := p.poolKey(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, ErrClosed
	}
	if kp, ok := p.pools[pk]; ok {
		return kp, nil
	}
	s, err := p.opts.settingsFor(pk)
	if err != nil {
		return nil, err
	}
	kp := newKeyPool(p.name, pk, s, &p.opts, p.factory)
	p.register(kp)
	p.pools[pk] = kp
	p.opts.log(LvlDEBUG, "pool created", "pool", p.name, "key", pk, "id", kp.id)
	return kp, nil
}

// forget removes kp from the map if it's still the pool of its key.
func (p *Provider) forget(kp *keyPool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.pools[kp.key]; ok && cur == kp {
		delete(p.pools, kp.key)
		return true
	}
	return false
}

// Acquire returns a connection for key, waiting in the pending queue if the
// pool is at capacity.
func (p *Provider) Acquire(ctx context.Context, key string) (*Conn, error) {
	for {
		kp, err := p.pool(key)
		if err != nil {
			return nil, err
		}
		c, err := kp.acquire(ctx, key)
		if err != errPoolGone {
			return c, err
		}
		// The pool was torn down for inactivity meanwhile.
		if p.forget(kp) {
			p.deregister(kp)
		}
	}
}

// Release returns a connection acquired for key to its pool.
func (p *Provider) Release(key string, c *Conn) error {
	if c == nil {
		return ErrNotInUse
	}
	if c.key != key {
		return ErrWrongKey
	}
	return c.Release()
}

// DisposeWhen tears down the pool of key, closing its connections and
// failing its pending acquisitions. For a shared provider a key other than AnyKey
// only closes the idle connections of that key.
func (p *Provider) DisposeWhen(key string) {
	if p.opts.Shared && key != AnyKey {
		p.mu.Lock()
		kp := p.pools[AnyKey]
		p.mu.Unlock()
		if kp != nil {
			kp.purge(key)
		}
		return
	}

	p.mu.Lock()
	kp, ok := p.pools[key]
	if ok {
		delete(p.pools, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	kp.dispose()
	p.deregister(kp)
}

// Dispose closes all connections, fails all pending acquisitions and stops
// the background eviction. It's safe to call more than once.
func (p *Provider) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	pools := p.pools
	p.pools = make(map[string]*keyPool)
	p.mu.Unlock()

	p.stopEviction()

	for _, kp := range pools {
		kp.dispose()
		p.deregister(kp)
	}
	p.opts.log(LvlDEBUG, "provider disposed", "pool", p.name, "pools", len(pools))
}

// IsDisposed reports whether Dispose has been called.
func (p *Provider) IsDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Metrics returns the metrics of the pool for key, or nil if there's no
// such pool.
func (p *Provider) Metrics(key string) PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.pools[p.poolKey(key)]; ok {
		return kp
	}
	return nil
}

// Keys returns the sorted keys of the current pools.
func (p *Provider) Keys() []string {
	p.mu.Lock()
	keys := make([]string, 0, len(p.pools))
	for k := range p.pools {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (p *Provider) snapshot() []*keyPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pools := make([]*keyPool, 0, len(p.pools))
	for _, kp := range p.pools {
		pools = append(pools, kp)
	}
	return pools
}
