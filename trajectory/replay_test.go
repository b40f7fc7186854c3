package trajectory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

func executionStep(nodeID string, attempt int, obs core.Observation) core.Step {
	return core.Step{Kind: core.StepExecution, NodeID: nodeID, Attempt: attempt, Observation: obs}
}

func TestSource_ServesObservationsPerNodeInOrder(t *testing.T) {
	steps := []core.Step{
		executionStep("a", 1, core.Observation{Status: core.ObservationFailed, Error: "flake"}),
		executionStep("a", 2, core.Observation{Status: core.ObservationSucceeded, Payload: "ok"}),
		executionStep("b", 1, core.Observation{Status: core.ObservationSucceeded}),
	}
	src := NewSource(steps)
	ctx := context.Background()

	obs, err := src.Dispatch(ctx, core.WorkItem{NodeID: "a", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationFailed, obs.Status)

	obs, err = src.Dispatch(ctx, core.WorkItem{NodeID: "a", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, "ok", obs.Payload)

	assert.False(t, src.Exhausted())
	_, err = src.Dispatch(ctx, core.WorkItem{NodeID: "b", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, src.Exhausted())
}

func TestSource_IgnoresPolicyAndApprovalEntries(t *testing.T) {
	steps := []core.Step{
		{Kind: core.StepPolicy, NodeID: "a", Attempt: 1},
		{Kind: core.StepApproval, NodeID: "a", Attempt: 1},
		executionStep("a", 1, core.Observation{Status: core.ObservationSucceeded}),
	}
	src := NewSource(steps)

	_, err := src.Dispatch(context.Background(), core.WorkItem{NodeID: "a", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, src.Exhausted())
}

func TestSource_UnrecordedNodeIsDivergence(t *testing.T) {
	src := NewSource(nil)
	_, err := src.Dispatch(context.Background(), core.WorkItem{NodeID: "ghost", Attempt: 1})
	assert.ErrorIs(t, err, core.ErrReplayDivergence)
}

func TestSource_AttemptMismatchIsDivergence(t *testing.T) {
	src := NewSource([]core.Step{
		executionStep("a", 2, core.Observation{Status: core.ObservationSucceeded}),
	})
	_, err := src.Dispatch(context.Background(), core.WorkItem{NodeID: "a", Attempt: 1})
	assert.ErrorIs(t, err, core.ErrReplayDivergence)
}
