package pool

import (
	"time"
)

func (p *Provider) evictionInterval() time.Duration {
	if p.opts.EvictionInterval > 0 {
		return p.opts.EvictionInterval
	}
	return p.opts.InactivePoolTimeout
}

func (p *Provider) evictLoop(interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Evict()
		}
	}
}

func (p *Provider) stopEviction() {
	if p.stop == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.done
}

// Evict runs a sweep of all pools now, closing idle connections which have
// exceeded their idle or life time or fail validation. If DisposeInactivePools
// is set, pools which have been empty long enough are torn down.
// It returns the number of connections evicted.
func (p *Provider) Evict() (evicted int) {
	timeout := p.opts.InactivePoolTimeout
	for _, kp := range p.snapshot() {
		n, inactive := kp.evict(p.opts.now())
		evicted += n
		if timeout <= 0 || inactive < timeout {
			continue
		}
		if kp.disposeIfInactive() {
			if p.forget(kp) {
				p.deregister(kp)
			}
			p.opts.log(LvlDEBUG, "inactive pool disposed", "pool", p.name, "key", kp.key, "id", kp.id)
		}
	}
	return
}
