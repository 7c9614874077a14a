package provider

import (
	"net/url"
	"sync"
)

// Registry resolves an outbound request to the adapter that can batch it.
// A caller may register custom adapters alongside (or instead of) the
// bundled ones, which is why Registry lives in an exported package rather
// than internal/.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Adapters are matched in registration order;
// register more specific adapters first if two could otherwise match the
// same host.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
	r.byName[a.Name()] = a
}

// Match returns the first registered adapter that claims method+u as one
// of its batchable endpoints.
func (r *Registry) Match(method string, u *url.URL) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Matches(method, u) {
			return a, true
		}
	}
	return nil, false
}

// ByName looks up a registered adapter by its Name(). The engine uses it
// to find the adapter for a drained queue's provider, and the
// hostname-override loader uses it to find the adapter a config entry names.
func (r *Registry) ByName(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// All returns a snapshot of the registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}
