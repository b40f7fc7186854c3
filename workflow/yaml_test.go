package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

const workflowYAML = `
nodes:
  - id: refine
    mode: refiner
    activation: any
    after:
      - from: check
        condition:
          kind: predicate
          predicate: needs_work
  - id: check
    mode: checker
    max_attempts: 2
    after:
      - from: refine
cycles:
  - nodes: [refine, check]
    max_iterations: 4
    success_predicate: good_enough
`

func TestParseWorkflow(t *testing.T) {
	spec, err := ParseWorkflow(strings.NewReader(workflowYAML))
	require.NoError(t, err)

	require.Len(t, spec.Nodes, 2)
	refine := spec.Nodes[0]
	assert.Equal(t, "refiner", refine.Mode)
	assert.Equal(t, core.ActivateAny, refine.Activation)
	require.Len(t, refine.After, 1)
	assert.Equal(t, core.EdgeOnPredicate, refine.After[0].Condition.Kind)
	assert.Equal(t, "needs_work", refine.After[0].Condition.Predicate)
	assert.Equal(t, 2, spec.Nodes[1].MaxAttempts)

	require.Len(t, spec.Cycles, 1)
	assert.Equal(t, 4, spec.Cycles[0].MaxIterations)
	assert.Equal(t, "good_enough", spec.Cycles[0].SuccessPredicate)
}

func TestParseWorkflow_RejectsUnknownFields(t *testing.T) {
	_, err := ParseWorkflow(strings.NewReader(`
nodes:
  - id: a
    mode: m
    retries: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestParseWorkflow_RejectsEmpty(t *testing.T) {
	_, err := ParseWorkflow(strings.NewReader("nodes: []\n"))
	assert.Error(t, err)
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask(strings.NewReader(`
id: task-7
repository: https://example.com/repo.git#work
instructions: fix the flaky test
autonomy: semi-auto
safety:
  budget_hard_limit: 2.5
  max_steps: 10
  blocked_paths: ["secrets/**"]
workflow:
  nodes:
    - id: fix
      mode: coder
termination:
  op: leaf
  leaf:
    kind: max_steps
    steps: 10
`))
	require.NoError(t, err)

	assert.Equal(t, "task-7", task.ID)
	assert.Equal(t, core.AutonomySemiAuto, task.Autonomy)
	assert.InDelta(t, 2.5, task.Safety.BudgetHardLimit, 1e-9)
	assert.Equal(t, []string{"secrets/**"}, task.Safety.BlockedPaths)
	require.Len(t, task.Workflow.Nodes, 1)
	require.NotNil(t, task.Termination)
	require.NotNil(t, task.Termination.Leaf)
	assert.Equal(t, core.TermMaxSteps, task.Termination.Leaf.Kind)
}

func TestParseTask_RequiresInstructionsAndNodes(t *testing.T) {
	_, err := ParseTask(strings.NewReader(`
id: t1
workflow:
  nodes:
    - id: a
      mode: m
`))
	assert.Error(t, err)

	_, err = ParseTask(strings.NewReader(`
id: t1
instructions: do the thing
workflow:
  nodes: []
`))
	assert.Error(t, err)
}

func TestMarshalWorkflow_RoundTrip(t *testing.T) {
	spec, err := Cycle(
		Stage{ID: "refine", Mode: "refiner"},
		Stage{ID: "check", Mode: "checker"},
		"needs_work", "good_enough", 4,
	)
	require.NoError(t, err)

	out, err := MarshalWorkflow(spec)
	require.NoError(t, err)

	back, err := ParseWorkflowBytes(out)
	require.NoError(t, err)
	assert.Equal(t, spec, back)
}
