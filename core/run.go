package core

import (
	"encoding/json"
	"time"
)

// RunState is the lifecycle state of a Run. States are string-valued so they
// serialize stably into persisted run records and events.
type RunState string

const (
	// RunCreated is the initial state before workflow expansion.
	RunCreated RunState = "created"
	// RunPlanning covers workflow expansion and (re-)planning passes.
	RunPlanning RunState = "planning"
	// RunAwaitingApproval waits for plan sign-off under the current autonomy level.
	RunAwaitingApproval RunState = "awaiting_approval"
	// RunExecuting drives the node graph.
	RunExecuting RunState = "executing"
	// RunReviewing evaluates the produced result before delivery.
	RunReviewing RunState = "reviewing"
	// RunDelivering publishes the reviewed result.
	RunDelivering RunState = "delivering"
	// RunCompleted is the successful terminal state.
	RunCompleted RunState = "completed"
	// RunFailed is the unsuccessful terminal state.
	RunFailed RunState = "failed"
	// RunCancelled is the externally-cancelled terminal state.
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state accepts no further transitions or steps.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Cancellation is permitted from every non-terminal state.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunCancelled {
		return true
	}
	switch s {
	case RunCreated:
		return next == RunPlanning || next == RunFailed
	case RunPlanning:
		return next == RunAwaitingApproval || next == RunExecuting || next == RunFailed
	case RunAwaitingApproval:
		return next == RunExecuting || next == RunFailed
	case RunExecuting:
		// Planning re-entry covers the stall / re-plan path.
		return next == RunReviewing || next == RunPlanning || next == RunFailed
	case RunReviewing:
		return next == RunDelivering || next == RunExecuting || next == RunFailed
	case RunDelivering:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

// Outcome records why a Run reached its terminal state: the triggering cause,
// the termination primitive that fired (if any) and the last node that
// succeeded before the end, so user-visible failures are never bare.
type Outcome struct {
	Cause              string `json:"cause"`
	Detail             string `json:"detail,omitempty"`
	Primitive          string `json:"primitive,omitempty"`
	LastSuccessfulNode string `json:"last_successful_node,omitempty"`
}

// Run is one execution attempt of a Task. It is mutated only by the run state
// machine and graph scheduler under the run-level exclusive section; readers
// receive snapshots. Runs are never deleted, only archived.
type Run struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	State       RunState        `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Counters    CounterSnapshot `json:"counters"`
	ReviewPass  int             `json:"review_pass,omitempty"`
	Outcome     *Outcome        `json:"outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Archived    bool            `json:"archived,omitempty"`
	NextSeq     uint64          `json:"next_seq"`
	CurrentPlan int             `json:"current_plan"`
	// GraphState is the scheduler's serialized snapshot, refreshed on every
	// persisted write so an interrupted run can be resumed after a restart.
	GraphState json.RawMessage `json:"graph_state,omitempty"`
}

// Clone returns a deep copy safe to hand to readers outside the run-level
// exclusive section.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Outcome != nil {
		o := *r.Outcome
		out.Outcome = &o
	}
	if r.GraphState != nil {
		out.GraphState = append(json.RawMessage(nil), r.GraphState...)
	}
	return &out
}
