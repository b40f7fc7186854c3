package core

import "time"

// ObservationStatus classifies a worker's result for one dispatched node.
type ObservationStatus string

const (
	// ObservationSucceeded means the worker completed the node's work.
	ObservationSucceeded ObservationStatus = "succeeded"
	// ObservationFailed means the worker reported a node execution failure.
	ObservationFailed ObservationStatus = "failed"
	// ObservationNeedsApproval means the worker proposed an action the gate
	// must answer before the node can finish.
	ObservationNeedsApproval ObservationStatus = "needs_approval"
)

// Observation is the result object returned by a worker for a dispatched
// node. Payload carries the node's textual output; Values carries structured
// outputs validated against the node's declared output keys and consulted by
// named edge predicates.
type Observation struct {
	Status       ObservationStatus `json:"status"`
	Payload      string            `json:"payload,omitempty"`
	Values       map[string]any    `json:"values,omitempty"`
	Cost         float64           `json:"cost"`
	FilesChanged int               `json:"files_changed,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// StepKind discriminates what a trajectory entry records. Execution steps are
// the common case; policy and approval entries keep the audit trail complete.
type StepKind string

const (
	// StepExecution records one attempt to execute a node.
	StepExecution StepKind = "execution"
	// StepPolicy records a policy gate decision.
	StepPolicy StepKind = "policy"
	// StepApproval records the resolution of an approval request.
	StepApproval StepKind = "approval"
)

// Step is one recorded entry of a Run's trajectory. Steps are immutable once
// appended and totally ordered per run by Seq with no gaps.
type Step struct {
	RunID       string          `json:"run_id"`
	Seq         uint64          `json:"seq"`
	Kind        StepKind        `json:"kind"`
	NodeID      string          `json:"node_id"`
	Attempt     int             `json:"attempt"`
	InputsHash  string          `json:"inputs_hash,omitempty"`
	Observation Observation     `json:"observation"`
	Decision    *PolicyDecision `json:"decision,omitempty"`
	Cost        float64         `json:"cost"`
	Duration    time.Duration   `json:"duration"`
	Timestamp   time.Time       `json:"timestamp"`
}
