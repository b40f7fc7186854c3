package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
	"conductor/internal/testutil"
	"conductor/worker"
)

func TestReplay_ReproducesParallelRun(t *testing.T) {
	e := New()
	sw := worker.NewScriptWorker().
		Succeed("src", "checked out", 0.01).
		Succeed("join", "merged", 0.01)
	scriptFor(t, e, sw, "src", "join")

	// lint is declared first but finishes last: it waits until test's result
	// is recorded, so the trajectory settles out of declaration order.
	lintSub := e.Subscribe("")
	defer lintSub.Close()
	require.NoError(t, e.Registry().RegisterMode("lint", core.WorkerFunc(func(ctx context.Context, _ core.WorkItem) (core.Observation, error) {
		for {
			select {
			case ev := <-lintSub.Events():
				if ev.Type == core.EventStepSucceeded && ev.Payload["node_id"] == "test" {
					return core.Observation{Status: core.ObservationSucceeded, Payload: "lint clean", Cost: 0.01}, nil
				}
			case <-ctx.Done():
				return core.Observation{}, ctx.Err()
			}
		}
	})))
	require.NoError(t, e.Registry().RegisterMode("test", core.WorkerFunc(func(context.Context, core.WorkItem) (core.Observation, error) {
		return core.Observation{Status: core.ObservationSucceeded, Payload: "tests green", Cost: 0.01}, nil
	})))

	spec := core.WorkflowSpec{Nodes: []core.NodeSpec{
		{ID: "src", Mode: "src"},
		{ID: "lint", Mode: "lint", After: []core.EdgeSpec{{From: "src"}}},
		{ID: "test", Mode: "test", After: []core.EdgeSpec{{From: "src"}}},
		{ID: "join", Mode: "join", Activation: core.ActivateAll, After: []core.EdgeSpec{{From: "lint"}, {From: "test"}}},
	}}
	run := submitAndWait(t, e, testutil.NewTaskBuilder().Workflow(spec).Build())
	require.Equal(t, core.RunCompleted, run.State)

	ctx := context.Background()
	steps, err := e.Trajectory(ctx, run.ID)
	require.NoError(t, err)
	var order []string
	for _, s := range steps {
		order = append(order, s.NodeID)
	}
	require.Equal(t, []string{"src", "test", "lint", "join"}, order)

	replayed, err := e.Replay(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, replayed.State)
	assert.Equal(t, run.Counters, replayed.Counters)
	// Workers were not consulted again.
	assert.Equal(t, 1, sw.Calls("src"))
}

func TestReplay_ReproducesPipelineRun(t *testing.T) {
	e := New()
	sw := worker.NewScriptWorker().
		Succeed("plan", "planned", 0.01).
		Succeed("code", "coded", 0.02).
		Succeed("verify", "verified", 0.01)
	scriptFor(t, e, sw, "plan", "code", "verify")

	original := submitAndWait(t, e, testutil.NewTaskBuilder().Pipeline("plan", "code", "verify").Build())
	require.Equal(t, core.RunCompleted, original.State)

	replayed, err := e.Replay(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, replayed.State)
	assert.Equal(t, original.ID, replayed.ID)
	assert.Equal(t, original.Counters.Steps, replayed.Counters.Steps)
	assert.InDelta(t, original.Counters.Cost, replayed.Counters.Cost, 1e-9)

	// Replay runs in a scratch store; the recorded trajectory is untouched.
	steps, err := e.Trajectory(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
	// The script workers are never consulted during replay.
	assert.Equal(t, 1, sw.Calls("plan"))
}

func TestReplay_ReproducesFailedRun(t *testing.T) {
	e := New()
	sw := worker.NewScriptWorker().Fail("flaky", "segfault", 0.01)
	scriptFor(t, e, sw, "flaky")

	task := testutil.NewTaskBuilder().
		Workflow(core.WorkflowSpec{Nodes: []core.NodeSpec{
			{ID: "flaky", Mode: "flaky", MaxAttempts: 2},
		}}).
		Build()
	original := submitAndWait(t, e, task)
	require.Equal(t, core.RunFailed, original.State)

	replayed, err := e.Replay(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, replayed.State)
	require.NotNil(t, replayed.Outcome)
	assert.Equal(t, "node_execution_error", replayed.Outcome.Cause)
}

func TestReplay_ReproducesCycleRun(t *testing.T) {
	e := New()
	pass := 0
	checker := core.WorkerFunc(func(_ context.Context, _ core.WorkItem) (core.Observation, error) {
		pass++
		return core.Observation{
			Status: core.ObservationSucceeded,
			Values: map[string]any{"rough": pass < 2},
			Cost:   0.01,
		}, nil
	})
	sw := worker.NewScriptWorker().Succeed("refine", "refined", 0.01)
	scriptFor(t, e, sw, "refiner")
	require.NoError(t, e.Registry().RegisterMode("checker", checker))
	require.NoError(t, e.Registry().RegisterPredicate("needs_work", func(obs core.Observation) bool {
		rough, _ := obs.Values["rough"].(bool)
		return rough
	}))

	spec := core.WorkflowSpec{
		Nodes: []core.NodeSpec{
			{
				ID: "refine", Mode: "refiner", Activation: core.ActivateAny,
				After: []core.EdgeSpec{{
					From:      "check",
					Condition: core.EdgeCondition{Kind: core.EdgeOnPredicate, Predicate: "needs_work"},
				}},
			},
			{ID: "check", Mode: "checker", After: []core.EdgeSpec{{From: "refine"}}},
		},
		Cycles: []core.CycleBound{{Nodes: []string{"refine", "check"}, MaxIterations: 5}},
	}
	original := submitAndWait(t, e, testutil.NewTaskBuilder().Workflow(spec).Build())
	require.Equal(t, core.RunCompleted, original.State)
	require.Equal(t, 4, original.Counters.Steps)

	replayed, err := e.Replay(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, replayed.State)
	assert.Equal(t, 4, replayed.Counters.Steps)
	// The live checker only ran during the original passes; replay re-derives
	// the loop from the recorded observations.
	assert.Equal(t, 2, pass)
}

func TestReplay_ReusesRecordedApprovals(t *testing.T) {
	e := New()
	sw := worker.NewScriptWorker().Succeed("code", "tests run", 0.01)
	scriptFor(t, e, sw, "code")
	sub := e.Subscribe("")
	defer sub.Close()

	task := testutil.NewTaskBuilder().
		Autonomy(core.AutonomySemiAuto).
		Workflow(core.WorkflowSpec{Nodes: []core.NodeSpec{
			{ID: "code", Mode: "code", Params: map[string]any{"command": "go test ./..."}},
		}}).
		Build()

	ctx := context.Background()
	runID, err := e.Submit(ctx, task)
	require.NoError(t, err)
	awaitEvent(t, sub, core.EventApprovalRequested, nodeIs("code"))
	require.NoError(t, e.Approve(ctx, runID, "code", true))
	awaitEvent(t, sub, core.EventApprovalRequested, nodeIs("deliver"))
	require.NoError(t, e.Approve(ctx, runID, "deliver", true))
	original, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, core.RunCompleted, original.State)

	// No human is consulted a second time.
	replayed, err := e.Replay(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, replayed.State)
}

func TestReplay_RequiresTerminalRun(t *testing.T) {
	e := New()
	blocked := make(chan struct{})
	w := core.WorkerFunc(func(ctx context.Context, _ core.WorkItem) (core.Observation, error) {
		close(blocked)
		<-ctx.Done()
		return core.Observation{}, ctx.Err()
	})
	require.NoError(t, e.Registry().RegisterMode("stall", w))

	ctx := context.Background()
	runID, err := e.Submit(ctx, testutil.NewTaskBuilder().Single("stall").Build())
	require.NoError(t, err)
	<-blocked

	_, err = e.Replay(ctx, runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")

	require.NoError(t, e.Cancel(ctx, runID))
	_, err = e.Wait(ctx, runID)
	require.NoError(t, err)
}

func TestReplay_UnknownRun(t *testing.T) {
	e := New()
	_, err := e.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestReplay_DivergesWhenPredicateChanges(t *testing.T) {
	e := New()
	var keepLooping atomic.Bool
	keepLooping.Store(true)
	pass := 0
	checker := core.WorkerFunc(func(_ context.Context, _ core.WorkItem) (core.Observation, error) {
		pass++
		return core.Observation{
			Status: core.ObservationSucceeded,
			Values: map[string]any{"rough": pass < 2},
			Cost:   0.01,
		}, nil
	})
	sw := worker.NewScriptWorker().Succeed("refine", "refined", 0.01)
	scriptFor(t, e, sw, "refiner")
	require.NoError(t, e.Registry().RegisterMode("checker", checker))
	require.NoError(t, e.Registry().RegisterPredicate("needs_work", func(obs core.Observation) bool {
		rough, _ := obs.Values["rough"].(bool)
		return keepLooping.Load() && rough
	}))

	spec := core.WorkflowSpec{
		Nodes: []core.NodeSpec{
			{
				ID: "refine", Mode: "refiner", Activation: core.ActivateAny,
				After: []core.EdgeSpec{{
					From:      "check",
					Condition: core.EdgeCondition{Kind: core.EdgeOnPredicate, Predicate: "needs_work"},
				}},
			},
			{ID: "check", Mode: "checker", After: []core.EdgeSpec{{From: "refine"}}},
		},
		Cycles: []core.CycleBound{{Nodes: []string{"refine", "check"}, MaxIterations: 5}},
	}
	original := submitAndWait(t, e, testutil.NewTaskBuilder().Workflow(spec).Build())
	require.Equal(t, core.RunCompleted, original.State)
	require.Equal(t, 4, original.Counters.Steps)

	// The predicate's behavior changed since the run was recorded, so the
	// replayed loop exits after the first pass.
	keepLooping.Store(false)
	_, err := e.Replay(context.Background(), original.ID)
	assert.ErrorIs(t, err, core.ErrReplayDivergence)
}
