package core

import "context"

// WorkItem addresses one node execution attempt to a worker. The triple
// (RunID, NodeID, Attempt) is the idempotency key: duplicate deliveries of
// the same item must be answerable without side effects.
type WorkItem struct {
	RunID        string         `json:"run_id"`
	NodeID       string         `json:"node_id"`
	Attempt      int            `json:"attempt"`
	Mode         string         `json:"mode"`
	Instructions string         `json:"instructions,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	// Inputs carries the selected predecessor observations keyed by node ID.
	Inputs map[string]Observation `json:"inputs,omitempty"`
	// Feedback carries the validation error of a rejected previous attempt
	// so the worker can correct its output.
	Feedback string `json:"feedback,omitempty"`
}

// Worker is the narrow execution-environment contract the dispatch layer
// depends on. Implementations must be idempotent per (RunID, NodeID,
// Attempt) and should honor context cancellation; at-least-once delivery is
// assumed.
type Worker interface {
	// Dispatch executes one work item and returns its observation. A non-nil
	// error signals an infrastructure failure (transport, environment); a
	// node-level failure is a successful Dispatch whose observation status
	// is ObservationFailed.
	Dispatch(ctx context.Context, item WorkItem) (Observation, error)
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context, item WorkItem) (Observation, error)

// Dispatch implements Worker.
func (f WorkerFunc) Dispatch(ctx context.Context, item WorkItem) (Observation, error) {
	return f(ctx, item)
}

// PredicateFunc evaluates a named condition against an observation. Named
// predicates back conditional edges and cycle exit conditions.
type PredicateFunc func(Observation) bool

// PredicateSource resolves named predicates. The workflow registry is the
// canonical implementation; tests supply small map-backed fakes.
type PredicateSource interface {
	Predicate(name string) (PredicateFunc, bool)
}
