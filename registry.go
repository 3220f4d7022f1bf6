package collectz

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownKind is returned when a config names an unregistered stage kind.
var ErrUnknownKind = errors.New("unknown stage kind")

// StageBuilder turns a stage declaration into a factory for its instances.
type StageBuilder[T Item] func(cfg StageConfig) (StageFactory[T], error)

// Registry maps stage kinds to builders so pipelines can be declared in
// configuration.
type Registry[T Item] struct {
	builders map[string]StageBuilder[T]
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry[T Item]() *Registry[T] {
	return &Registry[T]{builders: make(map[string]StageBuilder[T])}
}

// Register adds a builder for kind. Kinds are case-insensitive.
func (r *Registry[T]) Register(kind string, builder StageBuilder[T]) error {
	if builder == nil {
		return fmt.Errorf("register %q: nil builder", kind)
	}
	key := strings.ToLower(kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[key]; exists {
		return fmt.Errorf("register %q: kind already registered", kind)
	}
	r.builders[key] = builder
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry[T]) MustRegister(kind string, builder StageBuilder[T]) *Registry[T] {
	if err := r.Register(kind, builder); err != nil {
		panic(err)
	}
	return r
}

// Kinds returns every registered kind in sorted order.
func (r *Registry[T]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Container builds the container for one declaration.
func (r *Registry[T]) Container(cfg StageConfig) (*Container[T], error) {
	r.mu.RLock()
	builder, ok := r.builders[strings.ToLower(cfg.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage %q: %w %q", cfg.Name, ErrUnknownKind, cfg.Kind)
	}
	factory, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", cfg.Name, err)
	}
	c, err := NewContainer(cfg.Name, factory, cfg.Instances)
	if err != nil {
		return nil, err
	}
	if cfg.Policy != nil {
		c.WithPolicy(*cfg.Policy)
	}
	return c, nil
}

// Build resolves every stage and consumer of cfg. On failure, containers
// already built are closed.
func (r *Registry[T]) Build(cfg Config) (stages, consumers []*Container[T], err error) {
	closeAll := func() {
		for _, c := range append(stages, consumers...) {
			_ = c.Close() //nolint:errcheck // build already failed
		}
	}
	for _, sc := range cfg.Stages {
		c, err := r.Container(sc)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		stages = append(stages, c)
	}
	for _, sc := range cfg.Consumers {
		c, err := r.Container(sc)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		consumers = append(consumers, c)
	}
	return stages, consumers, nil
}
