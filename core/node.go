package core

// NodeStatus is the mutable status of a Node within its Run's graph.
// Transitions are monotonic: once a node reaches Succeeded, Failed or
// Skipped it never regresses.
type NodeStatus string

const (
	// NodePending means activation is not yet satisfied.
	NodePending NodeStatus = "pending"
	// NodeReady means activation is satisfied and the node may be dispatched.
	NodeReady NodeStatus = "ready"
	// NodeDispatched means a work item is in flight for this node.
	NodeDispatched NodeStatus = "dispatched"
	// NodeAwaitingApproval means the node is suspended pending an approval callback.
	NodeAwaitingApproval NodeStatus = "awaiting_approval"
	// NodeSucceeded is the successful terminal status.
	NodeSucceeded NodeStatus = "succeeded"
	// NodeFailed is the unsuccessful terminal status.
	NodeFailed NodeStatus = "failed"
	// NodeSkipped marks nodes unreachable after an upstream failure.
	NodeSkipped NodeStatus = "skipped"
)

// Terminal reports whether the status is final for this graph pass.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// ActivationRule determines join semantics for a node with multiple
// predecessors.
type ActivationRule string

const (
	// ActivateAny fires once a single predecessor satisfies its edge.
	ActivateAny ActivationRule = "any"
	// ActivateAll fires only when every predecessor has satisfied its edge.
	ActivateAll ActivationRule = "all"
)

// EdgeConditionKind discriminates how an edge condition is evaluated against
// the producing node's observation.
type EdgeConditionKind string

const (
	// EdgeOnSuccess satisfies the edge when the producer succeeded.
	EdgeOnSuccess EdgeConditionKind = "success"
	// EdgeOnFailure satisfies the edge when the producer failed.
	EdgeOnFailure EdgeConditionKind = "failure"
	// EdgeOnPredicate satisfies the edge when the named predicate matches the
	// producer's observation. Predicates are resolved through an explicit
	// registry, never by reflection.
	EdgeOnPredicate EdgeConditionKind = "predicate"
)

// EdgeCondition is the optional condition an edge carries. The zero value
// means "on success", the overwhelmingly common case.
type EdgeCondition struct {
	Kind      EdgeConditionKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Predicate string            `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Normalize maps the zero value to the explicit success kind.
func (c EdgeCondition) Normalize() EdgeCondition {
	if c.Kind == "" {
		c.Kind = EdgeOnSuccess
	}
	return c
}

// Edge connects two nodes and participates in the target's activation rule.
type Edge struct {
	From      string        `json:"from" yaml:"from"`
	To        string        `json:"to" yaml:"to"`
	Condition EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Node is a unit of work in a Run's graph: one agent-mode invocation plus its
// position among predecessors and successors. Everything except Status and
// Attempts is immutable once the graph is built.
type Node struct {
	ID          string         `json:"id"`
	Mode        string         `json:"mode"`
	Params      map[string]any `json:"params,omitempty"`
	Activation  ActivationRule `json:"activation"`
	Optional    bool           `json:"optional,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	OutputKeys  []string       `json:"output_keys,omitempty"`

	// Preds are incoming edges; Succs are successor node IDs in declaration order.
	Preds []Edge   `json:"preds,omitempty"`
	Succs []string `json:"succs,omitempty"`

	// Level is the topological level ignoring back-edges; Index is the
	// declaration position. Together they give the deterministic dispatch
	// tie-break.
	Level int `json:"level"`
	Index int `json:"index"`

	Status   NodeStatus `json:"status"`
	Attempts int        `json:"attempts"`
}
