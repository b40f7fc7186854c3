package trajectory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

func TestRecorder_AssignsGapFreeSequences(t *testing.T) {
	r := NewRecorder(NewMemoryLog())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s, err := r.Record(ctx, core.Step{RunID: "run-1", Kind: core.StepExecution, NodeID: "n"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), s.Seq)
	}

	steps, err := r.Steps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, s := range steps {
		assert.Equal(t, uint64(i+1), s.Seq)
	}
}

func TestRecorder_SequencesAreScopedPerRun(t *testing.T) {
	r := NewRecorder(NewMemoryLog())
	ctx := context.Background()

	a, err := r.Record(ctx, core.Step{RunID: "run-a", Kind: core.StepExecution})
	require.NoError(t, err)
	b, err := r.Record(ctx, core.Step{RunID: "run-b", Kind: core.StepExecution})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(1), b.Seq)
}

func TestRecorder_ResumeContinuesAfterRestart(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	r1 := NewRecorder(log)
	for i := 0; i < 3; i++ {
		_, err := r1.Record(ctx, core.Step{RunID: "run-1", Kind: core.StepExecution})
		require.NoError(t, err)
	}

	// Fresh recorder over the same log, as after a process restart.
	r2 := NewRecorder(log)
	require.NoError(t, r2.Resume(ctx, "run-1"))

	s, err := r2.Record(ctx, core.Step{RunID: "run-1", Kind: core.StepExecution})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Seq)
}

func TestMemoryLog_RejectsSequenceGaps(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	assert.Error(t, log.Append(ctx, core.Step{RunID: "r", Seq: 2}), "first entry must be seq 1")

	require.NoError(t, log.Append(ctx, core.Step{RunID: "r", Seq: 1}))
	assert.Error(t, log.Append(ctx, core.Step{RunID: "r", Seq: 3}))
	require.NoError(t, log.Append(ctx, core.Step{RunID: "r", Seq: 2}))
}

func TestHashInputs_DeterministicAcrossMapOrder(t *testing.T) {
	item := core.WorkItem{
		RunID:   "run-1",
		NodeID:  "code",
		Attempt: 1,
		Mode:    "coder",
		Params:  map[string]any{"b": 2, "a": 1, "c": "x"},
		Inputs: map[string]core.Observation{
			"plan":   {Status: core.ObservationSucceeded, Payload: "the plan"},
			"review": {Status: core.ObservationSucceeded, Payload: "lgtm"},
		},
	}

	first := HashInputs(item)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, HashInputs(item))
	}
}

func TestHashInputs_SensitiveToEveryField(t *testing.T) {
	base := core.WorkItem{RunID: "r", NodeID: "n", Attempt: 1, Mode: "m"}
	baseHash := HashInputs(base)

	changed := base
	changed.Attempt = 2
	assert.NotEqual(t, baseHash, HashInputs(changed))

	changed = base
	changed.Feedback = "try again"
	assert.NotEqual(t, baseHash, HashInputs(changed))

	changed = base
	changed.Params = map[string]any{"k": "v"}
	assert.NotEqual(t, baseHash, HashInputs(changed))
}
