package trajectory

import (
	"context"
	"fmt"
	"sync"

	"conductor/core"
)

// Source serves a completed run's recorded observations back through the
// worker contract. The engine replays a trajectory by re-driving the state
// machine and scheduler against a Source instead of the execution
// environment; all policy and termination decisions are re-evaluated from
// the same inputs.
//
// Observations are correlated per node in recorded order, which is exactly
// the order a deterministic engine re-requests them in. Requesting more
// executions of a node than were recorded, or with a different attempt
// number, is a divergence, not acceptable nondeterminism.
type Source struct {
	mu      sync.Mutex
	pending map[string][]core.Step
}

// NewSource builds a replay source from a recorded trajectory. Only
// execution entries participate; policy and approval entries are re-derived
// by the replaying engine.
func NewSource(steps []core.Step) *Source {
	pending := make(map[string][]core.Step)
	for _, s := range steps {
		if s.Kind != core.StepExecution {
			continue
		}
		pending[s.NodeID] = append(pending[s.NodeID], s)
	}
	return &Source{pending: pending}
}

// Dispatch implements core.Worker by returning the next recorded observation
// for the node.
func (s *Source) Dispatch(_ context.Context, item core.WorkItem) (core.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[item.NodeID]
	if len(queue) == 0 {
		return core.Observation{}, fmt.Errorf("%w: no recorded observation for node %s", core.ErrReplayDivergence, item.NodeID)
	}
	next := queue[0]
	if next.Attempt != item.Attempt {
		return core.Observation{}, fmt.Errorf("%w: node %s expected attempt %d, replay requested %d",
			core.ErrReplayDivergence, item.NodeID, next.Attempt, item.Attempt)
	}
	s.pending[item.NodeID] = queue[1:]
	return next.Observation, nil
}

// Exhausted reports whether every recorded observation was consumed, the
// final check that a replay visited exactly the recorded executions.
func (s *Source) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.pending {
		if len(q) > 0 {
			return false
		}
	}
	return true
}
