package core

import "sync"

// CounterSnapshot is a read-only copy of a run's accumulated counters. The
// policy gate and termination evaluator receive snapshots, never the live
// counters.
type CounterSnapshot struct {
	Steps       int     `json:"steps"`
	Cost        float64 `json:"cost"`
	FileChanges int     `json:"file_changes"`
}

// Counters accumulates run-scoped cost, step and file-change totals. All
// values are monotonically non-decreasing. Mutation happens only inside the
// run-level exclusive section; everything else reads snapshots.
type Counters struct {
	mu          sync.Mutex
	steps       int
	cost        float64
	fileChanges int
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters { return &Counters{} }

// RecordStep adds one step together with its cost and file-change delta.
func (c *Counters) RecordStep(cost float64, fileChanges int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps++
	if cost > 0 {
		c.cost += cost
	}
	if fileChanges > 0 {
		c.fileChanges += fileChanges
	}
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CounterSnapshot{Steps: c.steps, Cost: c.cost, FileChanges: c.fileChanges}
}

// Restore overwrites the counters from a snapshot. Used when rehydrating a
// run from its persisted record before replay.
func (c *Counters) Restore(s CounterSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = s.Steps
	c.cost = s.Cost
	c.fileChanges = s.FileChanges
}
