package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/One-com/gone/netpool/config"
	"github.com/One-com/gone/netpool/dial"
	"github.com/One-com/gone/netpool/pool"
	"github.com/sirupsen/logrus"
)

// registrars fans out pool registrations.
type registrars []pool.MeterRegistrar

func (rs registrars) RegisterMetrics(poolName, id, key string, m pool.PoolMetrics) {
	for _, r := range rs {
		r.RegisterMetrics(poolName, id, key, m)
	}
}

func (rs registrars) DeRegisterMetrics(poolName, id, key string) {
	for _, r := range rs {
		r.DeRegisterMetrics(poolName, id, key)
	}
}

// newProvider builds the provider described by cfg.
func newProvider(cfg *config.Config, log *logrus.Logger, reg pool.MeterRegistrar) (*pool.Provider, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		pool.Logger(logrusLogger(log.WithField("provider", cfg.Name))),
		pool.Metrics(cfg.Metrics.Enabled && reg != nil, func() pool.MeterRegistrar { return reg }))

	d := dial.New(cfg.DialOptions()...)
	if cfg.Pool.Unpooled {
		return pool.NewUnpooled(cfg.Name, d.Connect, opts...)
	}
	return pool.New(cfg.Name, d.Connect, opts...)
}

// stats are the probe counters.
type stats struct {
	acquired uint64
	failed   uint64
	timeouts uint64
	broken   uint64
}

func (s *stats) fields() logrus.Fields {
	return logrus.Fields{
		"acquired": atomic.LoadUint64(&s.acquired),
		"failed":   atomic.LoadUint64(&s.failed),
		"timeouts": atomic.LoadUint64(&s.timeouts),
		"broken":   atomic.LoadUint64(&s.broken),
	}
}

// probe runs workers acquiring and releasing connections round robin over
// the targets of the current provider.
type probe struct {
	log     *logrus.Logger
	current func() (*pool.Provider, *config.Config)
	stats   stats
	next    uint64
}

func (p *probe) run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
}

func (p *probe) worker(ctx context.Context) {
	for {
		prov, cfg := p.current()
		interval := cfg.Probe.Interval
		if prov != nil && len(cfg.Targets) > 0 {
			target := cfg.Targets[atomic.AddUint64(&p.next, 1)%uint64(len(cfg.Targets))]
			p.once(ctx, prov, cfg, target)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (p *probe) once(ctx context.Context, prov *pool.Provider, cfg *config.Config, target string) {
	c, err := prov.Acquire(ctx, target)
	switch {
	case err == nil:
	case err == pool.ErrAcquireTimeout || err == pool.ErrPendingAcquireLimit:
		atomic.AddUint64(&p.stats.timeouts, 1)
		p.log.WithError(err).WithField("target", target).Debug("no connection")
		return
	case err == pool.ErrClosed || ctx.Err() != nil:
		// provider swapped or shutting down
		return
	default:
		atomic.AddUint64(&p.stats.failed, 1)
		p.log.WithError(err).WithField("target", target).Warn("acquire failed")
		return
	}
	atomic.AddUint64(&p.stats.acquired, 1)

	if cfg.Probe.Payload != "" {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := c.Write([]byte(cfg.Probe.Payload)); err != nil {
			atomic.AddUint64(&p.stats.broken, 1)
			p.log.WithError(err).WithField("target", target).Info("write failed, discarding connection")
			c.Close()
			return
		}
	}
	if cfg.Probe.Hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Probe.Hold):
		}
	}
	if err := prov.Release(target, c); err != nil {
		p.log.WithError(err).WithField("target", target).Warn("release failed")
	}
}
