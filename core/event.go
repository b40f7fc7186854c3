package core

import "time"

// EventType tags the kind of fact an Event broadcasts.
type EventType string

const (
	// EventRunTransition announces a run lifecycle transition.
	EventRunTransition EventType = "run.transition"
	// EventStepDispatched announces a node being handed to a worker.
	EventStepDispatched EventType = "step.dispatched"
	// EventStepSucceeded announces a successful step.
	EventStepSucceeded EventType = "step.succeeded"
	// EventStepFailed announces a failed step.
	EventStepFailed EventType = "step.failed"
	// EventPolicyDecision announces a gate verdict.
	EventPolicyDecision EventType = "policy.decision"
	// EventApprovalRequested announces a node suspended for sign-off.
	EventApprovalRequested EventType = "approval.requested"
	// EventApprovalResolved announces the answer to an approval request.
	EventApprovalResolved EventType = "approval.resolved"
	// EventBudgetWarning announces the budget crossing its warning fraction.
	EventBudgetWarning EventType = "budget.warning"
	// EventStallWarning announces an insufficient-progress verdict.
	EventStallWarning EventType = "stall.warning"
	// EventRollbackRequested asks the execution environment to revert the
	// changes of a failed run. Emitted only when the task's safety config
	// sets rollback_on_failure.
	EventRollbackRequested EventType = "rollback.requested"
)

// Event is a point-in-time fact broadcast to subscribers. Events for one run
// carry a monotonically increasing sequence number; after emission an Event
// must be treated as immutable.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event bound to a run with a fresh ID and UTC timestamp.
// The sequence number is assigned by the event bus at publish time.
func NewEvent(runID string, typ EventType, payload map[string]any) Event {
	return Event{
		ID:        NewID(),
		RunID:     runID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
