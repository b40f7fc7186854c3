package core

// NodeSpec declares one node of a workflow specification: which agent mode
// runs it, what it depends on and how its activation joins multiple
// predecessors.
type NodeSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Mode       string         `json:"mode" yaml:"mode"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Activation ActivationRule `json:"activation,omitempty" yaml:"activation,omitempty"`
	// After lists predecessor edges. An entry with a zero Condition fires on
	// the predecessor's success.
	After []EdgeSpec `json:"after,omitempty" yaml:"after,omitempty"`
	// Optional nodes may fail without failing the run.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// MaxAttempts bounds worker retries for this node; zero means the
	// engine default.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// OutputKeys declares the structured output contract: keys that must be
	// present in the node's observation values.
	OutputKeys []string `json:"output_keys,omitempty" yaml:"output_keys,omitempty"`
}

// EdgeSpec declares one incoming edge of a NodeSpec.
type EdgeSpec struct {
	From      string        `json:"from" yaml:"from"`
	Condition EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// CycleBound attaches a termination bound to a cyclic sub-graph. The graph
// builder refuses any cycle not covered by a bound with MaxIterations > 0.
type CycleBound struct {
	// Nodes lists the node IDs participating in the cycle.
	Nodes []string `json:"nodes" yaml:"nodes"`
	// MaxIterations caps how often the cycle's entry node may re-activate.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// SuccessPredicate optionally names a predicate that exits the cycle
	// early when an iteration's observation satisfies it.
	SuccessPredicate string `json:"success_predicate,omitempty" yaml:"success_predicate,omitempty"`
}

// WorkflowSpec is the declarative shape of a Task's work: a single node, a
// linear pipeline or a full graph with conditional, parallel and cyclic
// edges. The declaration order of Nodes is semantically relevant: it is the
// deterministic tie-break for simultaneously ready nodes.
type WorkflowSpec struct {
	Nodes  []NodeSpec   `json:"nodes" yaml:"nodes"`
	Cycles []CycleBound `json:"cycles,omitempty" yaml:"cycles,omitempty"`
}
