// Package registry holds the named transform functions and condition
// predicates a graph may reference. Graphs stay serializable by carrying
// function names; the registry resolves them at dispatch time.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowmesh/flowmesh/pkg/protocol"
)

type Registry struct {
	mu         sync.RWMutex
	logger     *slog.Logger
	transforms map[string]protocol.TransformFunc
	predicates map[string]protocol.Predicate
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		transforms: make(map[string]protocol.TransformFunc),
		predicates: make(map[string]protocol.Predicate),
	}
}

// RegisterTransform registers a transform function under a name. Later
// registrations overwrite earlier ones.
func (r *Registry) RegisterTransform(name string, fn protocol.TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transforms[name]; exists {
		r.logger.Warn("Overwriting registered transform", "name", name)
	}

	r.transforms[name] = fn
}

// RegisterPredicate registers a condition predicate under a name.
func (r *Registry) RegisterPredicate(name string, p protocol.Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.predicates[name]; exists {
		r.logger.Warn("Overwriting registered predicate", "name", name)
	}

	r.predicates[name] = p
}

// Transform resolves a registered transform function by name.
func (r *Registry) Transform(name string) (protocol.TransformFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("transform %q not registered", name)
	}

	return fn, nil
}

// Predicate resolves a registered predicate by name.
func (r *Registry) Predicate(name string) (protocol.Predicate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.predicates[name]
	if !ok {
		return nil, fmt.Errorf("predicate %q not registered", name)
	}

	return p, nil
}

// TransformNames lists registered transform names, sorted.
func (r *Registry) TransformNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// HealthCheck reports the registry's registration counts.
func (r *Registry) HealthCheck() (map[string]int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"transforms": len(r.transforms),
		"predicates": len(r.predicates),
	}, true
}
