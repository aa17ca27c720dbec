// Package broker binds configured adapter kinds to the controller through a
// uniform facade.
package broker

import (
	"fmt"
	"sort"
	"sync"

	"phoenix/internal/logger"
)

// Factory builds one adapter instance
type Factory func(log *logger.Logger, cfg AdapterConfig) (Adapter, error)

// Registry maps adapter kinds to their factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create builds an adapter of the given kind
func (r *Registry) Create(kind string, log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter kind: %q (registered: %v)", kind, r.Names())
	}

	cfg.Kind = kind
	return factory(log, cfg)
}

// Names returns the registered kinds in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether kind is registered
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}
