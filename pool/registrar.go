package pool

// PoolMetrics gives a live view of the occupancy of a key pool.
type PoolMetrics interface {
	// AcquiredSize is the number of connections handed out.
	AcquiredSize() int
	// AllocatedSize is the number of connections alive, including the ones
	// being created.
	AllocatedSize() int
	// IdleSize is the number of idle connections.
	IdleSize() int
	// PendingAcquireSize is the number of queued acquisitions.
	PendingAcquireSize() int
	// MaxAllocatedSize is the max number of connections. math.MaxInt32 if unbounded.
	MaxAllocatedSize() int
	// MaxPendingAcquireSize is the max number of queued acquisitions.
	// math.MaxInt32 if unbounded.
	MaxPendingAcquireSize() int
}

// MeterRegistrar is told when a key pool is created and torn down.
// id is unique for each pool instance, pools for the same key created
// after a teardown get a new id.
//
// RegisterMetrics is called with the Provider lock held. It must not call
// back into the Provider (Metrics, Keys, Acquire...) or it deadlocks. The
// PoolMetrics passed may be read at any time, also from RegisterMetrics.
type MeterRegistrar interface {
	RegisterMetrics(poolName, id, key string, metrics PoolMetrics)
	DeRegisterMetrics(poolName, id, key string)
}

// OccupancyObserver can be implemented by a MeterRegistrar to be called after
// every change in a pools occupancy. It's called without any pool locks held.
type OccupancyObserver interface {
	OccupancyChanged(poolName, id, key string, metrics PoolMetrics)
}

// registrar returns the MeterRegistrar invoking the supplier on first use.
// Returns nil if metrics are disabled.
func (p *Provider) registrar() MeterRegistrar {
	if !p.opts.MetricsEnabled {
		return nil
	}
	p.registrarOnce.Do(func() {
		if p.opts.Registrar != nil {
			p.reg = p.opts.Registrar()
		}
	})
	return p.reg
}

func (p *Provider) register(kp *keyPool) {
	r := p.registrar()
	if r == nil {
		return
	}
	if o, ok := r.(OccupancyObserver); ok {
		kp.observer = o
	}
	r.RegisterMetrics(p.name, kp.id, kp.key, kp)
}

func (p *Provider) deregister(kp *keyPool) {
	r := p.registrar()
	if r == nil {
		return
	}
	r.DeRegisterMetrics(p.name, kp.id, kp.key)
}
