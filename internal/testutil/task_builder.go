package testutil

import (
	"conductor/core"
)

// TaskBuilder provides a fluent helper for constructing tasks in tests.
// Example:
//
//	task := NewTaskBuilder().Autonomy(core.AutonomyFullAuto).Pipeline("plan", "code", "verify").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type TaskBuilder struct {
	task core.Task
}

// NewTaskBuilder creates a builder with a headless single-node workflow.
func NewTaskBuilder() *TaskBuilder {
	return &TaskBuilder{task: core.Task{
		ID:           "task-1",
		Repository:   "https://example.com/repo.git#work",
		Instructions: "do the work",
		Autonomy:     core.AutonomyHeadless,
	}}
}

// ID overrides the task ID (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.task.ID = id; return b }

// Repository sets the repository reference, optionally with a "#branch"
// suffix (chainable).
func (b *TaskBuilder) Repository(ref string) *TaskBuilder { b.task.Repository = ref; return b }

// Instructions sets the task instructions (chainable).
func (b *TaskBuilder) Instructions(s string) *TaskBuilder { b.task.Instructions = s; return b }

// Autonomy sets the autonomy level (chainable).
func (b *TaskBuilder) Autonomy(level core.AutonomyLevel) *TaskBuilder {
	b.task.Autonomy = level
	return b
}

// Safety sets the safety envelope (chainable).
func (b *TaskBuilder) Safety(cfg core.SafetyConfig) *TaskBuilder { b.task.Safety = cfg; return b }

// Termination sets run-level stop conditions (chainable).
func (b *TaskBuilder) Termination(spec *core.TerminationSpec) *TaskBuilder {
	b.task.Termination = spec
	return b
}

// Workflow sets the workflow shape directly (chainable).
func (b *TaskBuilder) Workflow(spec core.WorkflowSpec) *TaskBuilder {
	b.task.Workflow = spec
	return b
}

// Single sets a one-node workflow running the given mode (chainable).
func (b *TaskBuilder) Single(mode string) *TaskBuilder {
	b.task.Workflow = core.WorkflowSpec{Nodes: []core.NodeSpec{{ID: mode, Mode: mode}}}
	return b
}

// Pipeline sets a linear workflow where each stage's ID doubles as its mode
// (chainable).
func (b *TaskBuilder) Pipeline(modes ...string) *TaskBuilder {
	nodes := make([]core.NodeSpec, len(modes))
	for i, mode := range modes {
		nodes[i] = core.NodeSpec{ID: mode, Mode: mode}
		if i > 0 {
			nodes[i].After = []core.EdgeSpec{{From: modes[i-1]}}
		}
	}
	b.task.Workflow = core.WorkflowSpec{Nodes: nodes}
	return b
}

// Build returns the accumulated task.
func (b *TaskBuilder) Build() core.Task { return b.task }

// Succeeded returns a successful observation carrying structured values.
func Succeeded(values map[string]any) core.Observation {
	return core.Observation{Status: core.ObservationSucceeded, Values: values, Cost: 0.01}
}

// Failed returns a failed observation with an error message.
func Failed(msg string) core.Observation {
	return core.Observation{Status: core.ObservationFailed, Error: msg}
}
