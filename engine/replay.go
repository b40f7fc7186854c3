package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/core"
	"conductor/event"
	"conductor/graph"
	"conductor/store"
	"conductor/trajectory"
	"conductor/workflow"
)

// Replay re-executes a completed run's trajectory against a fresh state
// machine: recorded observations stand in for the execution environment,
// recorded approval answers stand in for approvers, and every policy and
// termination decision is re-derived from the same inputs. It returns the
// replayed run after verifying it reproduced the recorded trajectory and
// terminal state, or ErrReplayDivergence.
func (e *Engine) Replay(ctx context.Context, runID string) (*core.Run, error) {
	defer e.opts.RunLog.WithComponent("replay").WithContext("source_run", runID).StartTimer("replay")()
	original, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !original.State.Terminal() {
		return nil, fmt.Errorf("run %s: replay requires a terminal run, state is %s", runID, original.State)
	}
	task, err := e.store.GetTask(ctx, original.TaskID)
	if err != nil {
		return nil, err
	}
	recorded, err := e.store.Steps(ctx, runID)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(task.Workflow, e.registry)
	if err != nil {
		return nil, err
	}
	source := trajectory.NewSource(recorded)

	// The replay writes into a scratch engine so it can never disturb the
	// original run's record or its subscribers.
	scratch := newScratchEngine(e.registry, e.opts)
	run := &core.Run{
		ID:          original.ID,
		TaskID:      original.TaskID,
		State:       core.RunCreated,
		CreatedAt:   original.CreatedAt,
		CurrentPlan: 1,
	}
	if err := scratch.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := scratch.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	r := newRunner(scratch, run, task, g, source, replayConfigFor(original, recorded))
	go r.loop()
	select {
	case <-r.finished:
	case <-ctx.Done():
		r.requestCancel()
		<-r.finished
		return nil, ctx.Err()
	}

	replayed := r.snapshot()
	replaySteps, err := scratch.store.Steps(context.Background(), runID)
	if err != nil {
		return nil, err
	}
	if err := compareReplay(original, recorded, replayed, replaySteps, source); err != nil {
		return replayed, err
	}
	return replayed, nil
}

// newScratchEngine builds the throwaway engine a replay runs inside: volatile
// store, private bus, shared registry. One node in flight at a time: serial
// dispatch is what lets the recorded order dictate the replayed order.
func newScratchEngine(registry *workflow.Registry, opts Options) *Engine {
	return New(
		WithStore(store.NewMemoryStore()),
		WithBus(event.New()),
		WithRegistry(registry),
		WithMaxInFlight(1),
		WithStepTimeout(opts.StepTimeout),
		WithMaxReplans(opts.MaxReplans),
		WithMaxReviewPasses(opts.MaxReviewPasses),
	)
}

// replayConfigFor extracts the nondeterministic inputs a replay must reuse:
// the original start time, per-step timestamps and approval resolutions in
// recorded order.
func replayConfigFor(original *core.Run, recorded []core.Step) *replayConfig {
	startedAt := original.CreatedAt
	if original.StartedAt != nil {
		startedAt = *original.StartedAt
	}
	timestamps := make(map[uint64]time.Time, len(recorded))
	order := make([]string, 0, len(recorded))
	answers := make(map[string][]bool)
	for _, s := range recorded {
		timestamps[s.Seq] = s.Timestamp
		order = append(order, s.NodeID)
		if s.Kind != core.StepApproval {
			continue
		}
		approved, _ := s.Observation.Values["approved"].(bool)
		answers[s.NodeID] = append(answers[s.NodeID], approved)
	}
	var mu sync.Mutex
	return &replayConfig{
		startedAt:  startedAt,
		timestamps: timestamps,
		order:      order,
		answers: func(nodeID string) (bool, bool) {
			mu.Lock()
			defer mu.Unlock()
			queue := answers[nodeID]
			if len(queue) == 0 {
				return false, false
			}
			answers[nodeID] = queue[1:]
			return queue[0], true
		},
	}
}

// sortReady reorders simultaneously ready nodes by their next appearance in
// the unconsumed tail of the recorded trajectory. Combined with serial
// dispatch this reproduces the completion order the original pool happened to
// settle parallel branches in. Nodes absent from the tail keep their
// deterministic order behind the rest; the comparison pass reports the
// divergence they imply.
func (c *replayConfig) sortReady(ready []*core.Node, consumed uint64) {
	pos := func(id string) int {
		for i := int(consumed); i < len(c.order); i++ {
			if c.order[i] == id {
				return i
			}
		}
		return len(c.order)
	}
	sort.SliceStable(ready, func(i, j int) bool { return pos(ready[i].ID) < pos(ready[j].ID) })
}

// compareReplay checks a replayed run against the record. Divergence is any
// difference in terminal state or in the ordered step identities; wall-clock
// durations and event timing are acceptable nondeterminism.
func compareReplay(original *core.Run, recorded []core.Step, replayed *core.Run, replaySteps []core.Step, source *trajectory.Source) error {
	if replayed.State != original.State {
		return fmt.Errorf("%w: terminal state %s, recorded %s", core.ErrReplayDivergence, replayed.State, original.State)
	}
	if len(replaySteps) != len(recorded) {
		return fmt.Errorf("%w: produced %d steps, recorded %d", core.ErrReplayDivergence, len(replaySteps), len(recorded))
	}
	for i := range recorded {
		if err := stepsEquivalent(recorded[i], replaySteps[i]); err != nil {
			return err
		}
	}
	if !source.Exhausted() {
		return fmt.Errorf("%w: recorded observations left unconsumed", core.ErrReplayDivergence)
	}
	return nil
}

func stepsEquivalent(want, got core.Step) error {
	if got.Seq != want.Seq || got.Kind != want.Kind || got.NodeID != want.NodeID || got.Attempt != want.Attempt {
		return fmt.Errorf("%w: step %d replayed as %s/%s attempt %d, recorded %s/%s attempt %d",
			core.ErrReplayDivergence, want.Seq, got.Kind, got.NodeID, got.Attempt, want.Kind, want.NodeID, want.Attempt)
	}
	if got.Observation.Status != want.Observation.Status {
		return fmt.Errorf("%w: step %d observation status %s, recorded %s",
			core.ErrReplayDivergence, want.Seq, got.Observation.Status, want.Observation.Status)
	}
	wantVerdict, gotVerdict := decisionVerdict(want), decisionVerdict(got)
	if gotVerdict != wantVerdict {
		return fmt.Errorf("%w: step %d policy verdict %q, recorded %q",
			core.ErrReplayDivergence, want.Seq, gotVerdict, wantVerdict)
	}
	return nil
}

func decisionVerdict(s core.Step) core.PolicyVerdict {
	if s.Decision == nil {
		return ""
	}
	return s.Decision.Verdict
}
