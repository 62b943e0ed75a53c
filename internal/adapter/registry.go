package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spachava753/stepbench/internal/models"
)

// Factory constructs an adapter for one run.
type Factory func(cfg Config) (Adapter, error)

// Registry maps framework names and adapter kinds to factories. A factory
// registered under a framework's own name wins over its adapter kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Has reports whether ref resolves to a factory.
func (r *Registry) Has(ref models.FrameworkRef) bool {
	_, err := r.lookup(ref)
	return err == nil
}

// New constructs the adapter for cfg's framework.
func (r *Registry) New(cfg Config) (Adapter, error) {
	f, err := r.lookup(models.FrameworkRef{Name: cfg.Name(), Adapter: cfg.AdapterName()})
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

func (r *Registry) lookup(ref models.FrameworkRef) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[ref.Name]; ok {
		return f, nil
	}
	if f, ok := r.factories[ref.Adapter]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no adapter registered for framework %q (adapter %q); known: %v", ref.Name, ref.Adapter, r.names())
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
