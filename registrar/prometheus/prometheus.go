// Package prometheus implements a pool.MeterRegistrar which is also a
// prometheus.Collector, exporting the occupancy of all registered pools with
// the labels pool, id and key.
package prometheus

import (
	"sync"

	"github.com/One-com/gone/netpool/pool"
	"github.com/prometheus/client_golang/prometheus"
)

var labels = []string{"pool", "id", "key"}

type gauge struct {
	desc *prometheus.Desc
	get  func(pool.PoolMetrics) int
}

type entry struct {
	pool, id, key string
	metrics       pool.PoolMetrics
}

// Registrar collects the gauges of the registered pools.
type Registrar struct {
	gauges []gauge

	mu      sync.Mutex
	entries map[string]entry
}

// New returns a Registrar with metrics named <namespace>_connection_pool_*.
func New(namespace string) *Registrar {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection_pool", name), help, labels, nil)
	}
	return &Registrar{
		gauges: []gauge{
			{desc("allocated_connections", "Connections alive, including the ones being created."), pool.PoolMetrics.AllocatedSize},
			{desc("acquired_connections", "Connections handed out."), pool.PoolMetrics.AcquiredSize},
			{desc("idle_connections", "Idle connections."), pool.PoolMetrics.IdleSize},
			{desc("pending_acquisitions", "Queued acquisitions."), pool.PoolMetrics.PendingAcquireSize},
			{desc("max_connections", "Max connections."), pool.PoolMetrics.MaxAllocatedSize},
			{desc("max_pending_acquisitions", "Max queued acquisitions."), pool.PoolMetrics.MaxPendingAcquireSize},
		},
		entries: make(map[string]entry),
	}
}

// RegisterMetrics implements pool.MeterRegistrar
func (r *Registrar) RegisterMetrics(poolName, id, key string, metrics pool.PoolMetrics) {
	r.mu.Lock()
	r.entries[id] = entry{pool: poolName, id: id, key: key, metrics: metrics}
	r.mu.Unlock()
}

// DeRegisterMetrics implements pool.MeterRegistrar
func (r *Registrar) DeRegisterMetrics(poolName, id, key string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Describe implements prometheus.Collector
func (r *Registrar) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range r.gauges {
		ch <- g.desc
	}
}

// Collect implements prometheus.Collector
func (r *Registrar) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		for _, g := range r.gauges {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.get(e.metrics)), e.pool, e.id, e.key)
		}
	}
}
