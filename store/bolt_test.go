package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenBolt_RequiresPath(t *testing.T) {
	_, err := OpenBolt("  ")
	assert.Error(t, err)
}

func TestBoltStore_TaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	_, err := s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)

	require.NoError(t, s.SaveTask(ctx, testTask("task-1")))
	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "do the thing", got.Instructions)
	require.Len(t, got.Workflow.Nodes, 1)
	assert.Equal(t, "solo", got.Workflow.Nodes[0].ID)
}

func TestBoltStore_RunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	run := testRun("run-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	run.State = core.RunExecuting
	run.Counters = core.CounterSnapshot{Steps: 3, Cost: 0.12}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunExecuting, got.State)
	assert.Equal(t, 3, got.Counters.Steps)
	assert.InDelta(t, 0.12, got.Counters.Cost, 1e-9)
}

func TestBoltStore_ArchiveSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conductor.db")

	s, err := OpenBolt(path)
	require.NoError(t, err)
	run := testRun("run-1", time.Now().UTC())
	run.State = core.RunFailed
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.Archive(ctx, "run-1"))
	require.NoError(t, s.Archive(ctx, "run-1"))
	require.NoError(t, s.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Archived)

	visible, err := reopened.ListRuns(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestBoltStore_ArchiveRejectsLiveRun(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	run := testRun("run-1", time.Now().UTC())
	run.State = core.RunExecuting
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Error(t, s.Archive(ctx, "run-1"))
	assert.ErrorIs(t, s.Archive(ctx, "missing"), core.ErrRunNotFound)
}

func TestBoltStore_StepsOrderedPerRun(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	for seq := uint64(1); seq <= 12; seq++ {
		require.NoError(t, s.Append(ctx, testStep("run-a", seq)))
	}
	require.NoError(t, s.Append(ctx, testStep("run-b", 1)))
	require.NoError(t, s.Append(ctx, testStep("run-b", 2)))

	steps, err := s.Steps(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, steps, 12)
	for i, step := range steps {
		assert.Equal(t, uint64(i+1), step.Seq)
		assert.Equal(t, "run-a", step.RunID)
	}

	other, err := s.Steps(ctx, "run-b")
	require.NoError(t, err)
	assert.Len(t, other, 2)

	none, err := s.Steps(ctx, "run-c")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBoltStore_AppendEnforcesSequence(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	assert.Error(t, s.Append(ctx, testStep("run-1", 3)))
	require.NoError(t, s.Append(ctx, testStep("run-1", 1)))
	assert.Error(t, s.Append(ctx, testStep("run-1", 3)))
	require.NoError(t, s.Append(ctx, testStep("run-1", 2)))
}
