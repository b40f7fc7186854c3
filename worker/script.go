package worker

import (
	"context"
	"fmt"
	"sync"

	"conductor/core"
)

// ScriptAction is one scripted response of a ScriptWorker.
type ScriptAction func(item core.WorkItem) (core.Observation, error)

// ScriptWorker is an in-process core.Worker answering from a scripted table
// keyed by node ID. It is deterministic, safe for concurrent use and the
// workhorse of engine tests and examples. Nodes without a script succeed
// with an empty observation.
type ScriptWorker struct {
	mu      sync.RWMutex
	scripts map[string]ScriptAction
	calls   map[string]int
}

// NewScriptWorker constructs an empty script worker.
func NewScriptWorker() *ScriptWorker {
	return &ScriptWorker{
		scripts: make(map[string]ScriptAction),
		calls:   make(map[string]int),
	}
}

// Script registers the action for a node ID, replacing any prior script.
func (w *ScriptWorker) Script(nodeID string, action ScriptAction) *ScriptWorker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scripts[nodeID] = action
	return w
}

// Succeed scripts a fixed successful observation for a node.
func (w *ScriptWorker) Succeed(nodeID, payload string, cost float64) *ScriptWorker {
	return w.Script(nodeID, func(core.WorkItem) (core.Observation, error) {
		return core.Observation{Status: core.ObservationSucceeded, Payload: payload, Cost: cost}, nil
	})
}

// Fail scripts a fixed node-level failure for a node.
func (w *ScriptWorker) Fail(nodeID, reason string, cost float64) *ScriptWorker {
	return w.Script(nodeID, func(core.WorkItem) (core.Observation, error) {
		return core.Observation{Status: core.ObservationFailed, Error: reason, Cost: cost}, nil
	})
}

// FailOnce scripts a node-level failure on the first attempt and success on
// every later one, for exercising retry paths.
func (w *ScriptWorker) FailOnce(nodeID, payload string, cost float64) *ScriptWorker {
	return w.Script(nodeID, func(item core.WorkItem) (core.Observation, error) {
		if item.Attempt == 1 {
			return core.Observation{Status: core.ObservationFailed, Error: "scripted first-attempt failure", Cost: cost}, nil
		}
		return core.Observation{Status: core.ObservationSucceeded, Payload: payload, Cost: cost}, nil
	})
}

// Calls reports how often a node was dispatched.
func (w *ScriptWorker) Calls(nodeID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.calls[nodeID]
}

// Dispatch implements core.Worker.
func (w *ScriptWorker) Dispatch(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	if err := ctx.Err(); err != nil {
		return core.Observation{}, fmt.Errorf("script worker: %w", err)
	}
	w.mu.Lock()
	w.calls[item.NodeID]++
	action := w.scripts[item.NodeID]
	w.mu.Unlock()
	if action == nil {
		return core.Observation{Status: core.ObservationSucceeded}, nil
	}
	return action(item)
}
