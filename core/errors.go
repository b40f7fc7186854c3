package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrTaskNotFound indicates an unknown task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRunNotFound indicates an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal indicates an operation against a terminated run.
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrNodeNotFound indicates an unknown node ID within a run's graph.
	ErrNodeNotFound = errors.New("node not found")
	// ErrUnknownMode indicates a node references an unregistered agent mode.
	ErrUnknownMode = errors.New("unknown agent mode")
	// ErrUnknownPredicate indicates an edge or cycle references an
	// unregistered predicate name.
	ErrUnknownPredicate = errors.New("unknown predicate")
	// ErrUnboundedCycle indicates a workflow cycle without a termination bound.
	ErrUnboundedCycle = errors.New("cycle without termination bound")
	// ErrApprovalTimeout indicates an approval callback did not arrive in time.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrNoPendingApproval indicates an approval answer for a node that is
	// not suspended on one.
	ErrNoPendingApproval = errors.New("no pending approval for node")
	// ErrReplayDivergence indicates a replay produced different decisions or
	// events than the recorded trajectory.
	ErrReplayDivergence = errors.New("replay diverged from recorded trajectory")
	// ErrDuplicateResult indicates a result for an already-settled attempt key.
	ErrDuplicateResult = errors.New("duplicate result for settled attempt")
)

// NodeExecutionError reports a worker-level failure of one node after its
// retry ceiling was exhausted.
type NodeExecutionError struct {
	NodeID  string
	Attempt int
	Cause   error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed after attempt %d: %v", e.NodeID, e.Attempt, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// PolicyDeniedError reports a Deny verdict that failed its owning node.
type PolicyDeniedError struct {
	NodeID string
	Rule   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied node %s (rule %s): %s", e.NodeID, e.Rule, e.Reason)
}

// BudgetExceededError reports a hard budget, step or file-change limit that a
// proposed step would cross. It stops the run, irrespective of in-flight
// nodes.
type BudgetExceededError struct {
	Limit string  // budget_hard_limit, max_steps, max_file_changes, max_cost_per_step
	Max   float64
	Would float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s exceeded: %g would cross limit %g", e.Limit, e.Would, e.Max)
}

// InfrastructureError reports a transport or dispatch failure. It is retried
// with backoff and escalates to NodeExecutionError once the attempt ceiling
// is reached.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the transport error.
func (e *InfrastructureError) Unwrap() error { return e.Err }

// SchemaValidationError reports an observation that does not satisfy the
// node's declared output contract.
type SchemaValidationError struct {
	NodeID  string
	Missing []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("node %s observation missing declared outputs %v", e.NodeID, e.Missing)
}
