package microservice

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh service instance
type Factory func(deps Dependencies) (Microservice, error)

// Registry maps service names to their factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Create builds the service registered under name
func (r *Registry) Create(name string, deps Dependencies) (Microservice, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown microservice: %q (registered: %v)", name, r.Names())
	}

	svc, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create microservice %q: %w", name, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("factory for microservice %q returned nil", name)
	}
	return svc, nil
}

// Names returns the registered service names in sorted order
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
