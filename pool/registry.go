package pool

import (
	"sort"
	"sync"
)

// Registry keeps Providers by name for an application, so components
// can share pools without a package global.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// GetOrCreate returns the provider named name, creating it with New if
// there's none. The factory and options are ignored for an existing provider.
func (r *Registry) GetOrCreate(name string, factory Factory, opts ...Option) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok && !p.IsDisposed() {
		return p, nil
	}
	p, err := New(name, factory, opts...)
	if err != nil {
		return nil, err
	}
	r.providers[name] = p
	return p, nil
}

// Get returns the provider named name.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	return p, ok
}

// Swap installs p under its name and returns the provider it replaced, if any.
// The replaced provider is not disposed.
func (r *Registry) Swap(p *Provider) (old *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old = r.providers[p.Name()]
	r.providers[p.Name()] = p
	return
}

// Remove removes the provider named name and disposes it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	p, ok := r.providers[name]
	delete(r.providers, name)
	r.mu.Unlock()
	if ok {
		p.Dispose()
	}
	return ok
}

// Names returns the sorted names of all providers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Dispose disposes and removes all providers.
func (r *Registry) Dispose() {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]*Provider)
	r.mu.Unlock()
	for _, p := range providers {
		p.Dispose()
	}
}
