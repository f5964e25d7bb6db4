package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered sources keyed by kind.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds a source to the registry under the given kind.
func (r *Registry) Register(kind string, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = s
}

// Resolve returns the source registered for the given kind, or an error if
// none is registered.
func (r *Registry) Resolve(kind string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("source kind %q is not registered", kind)
	}
	return s, nil
}

// List returns the capabilities of all registered sources, sorted by kind for
// a stable API response.
func (r *Registry) List() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capabilities, 0, len(r.sources))
	for _, s := range r.sources {
		caps = append(caps, s.Capabilities())
	}
	sort.Slice(caps, func(i, j int) bool {
		return caps[i].Kind < caps[j].Kind
	})
	return caps
}
