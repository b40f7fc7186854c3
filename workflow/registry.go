package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conductor/core"
)

// Registry is the explicit registration table for agent modes and named
// predicates. Register everything at process start; lookups afterwards are
// safe for concurrent use. The registry implements core.Worker by routing
// each work item to the worker registered for its mode, and
// core.PredicateSource for edge conditions and termination primitives.
type Registry struct {
	mu         sync.RWMutex
	modes      map[string]core.Worker
	predicates map[string]core.PredicateFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modes:      make(map[string]core.Worker),
		predicates: make(map[string]core.PredicateFunc),
	}
}

// RegisterMode binds an agent mode name to its worker. Re-registering a name
// is an error; the table is meant to be built once.
func (r *Registry) RegisterMode(name string, w core.Worker) error {
	if name == "" {
		return fmt.Errorf("mode name must not be empty")
	}
	if w == nil {
		return fmt.Errorf("mode %s: worker must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modes[name]; dup {
		return fmt.Errorf("mode %s already registered", name)
	}
	r.modes[name] = w
	return nil
}

// RegisterPredicate binds a predicate name usable in edge conditions, cycle
// exits and termination primitives.
func (r *Registry) RegisterPredicate(name string, fn core.PredicateFunc) error {
	if name == "" {
		return fmt.Errorf("predicate name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("predicate %s: func must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.predicates[name]; dup {
		return fmt.Errorf("predicate %s already registered", name)
	}
	r.predicates[name] = fn
	return nil
}

// Mode returns the worker registered for a mode name.
func (r *Registry) Mode(name string) (core.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.modes[name]
	return w, ok
}

// Predicate implements core.PredicateSource.
func (r *Registry) Predicate(name string) (core.PredicateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.predicates[name]
	return fn, ok
}

// ModeNames returns the registered mode names sorted for stable listings.
func (r *Registry) ModeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modes))
	for name := range r.modes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every mode a workflow references is registered.
func (r *Registry) Validate(spec core.WorkflowSpec) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ns := range spec.Nodes {
		if _, ok := r.modes[ns.Mode]; !ok {
			return fmt.Errorf("node %s: %w: %s", ns.ID, core.ErrUnknownMode, ns.Mode)
		}
	}
	return nil
}

// Dispatch implements core.Worker by routing the item to its mode's worker.
func (r *Registry) Dispatch(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	w, ok := r.Mode(item.Mode)
	if !ok {
		return core.Observation{}, fmt.Errorf("%w: %s", core.ErrUnknownMode, item.Mode)
	}
	return w.Dispatch(ctx, item)
}
