package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"conductor/core"
	"conductor/event"
	"conductor/graph"
	"conductor/logging"
	"conductor/store"
	"conductor/trajectory"
	"conductor/workflow"
)

// Options configures an Engine using the functional options pattern. All
// dependencies have in-memory defaults so a bare New() is immediately usable
// for development and tests.
type Options struct {
	// Store persists tasks, runs and the trajectory log. Defaults to the
	// in-memory store.
	Store store.Store
	// Bus broadcasts run events. Defaults to a fresh bus.
	Bus *event.Bus
	// Registry resolves agent modes and named predicates. Defaults to an
	// empty registry.
	Registry *workflow.Registry
	// Logger receives structured engine logs. Defaults to NoOp.
	Logger logging.Logger
	// RunLog receives run-scoped lifecycle records (transitions, policy
	// decisions, dispatch outcomes). Defaults to a discard-backed logger.
	RunLog *logging.RunLogger

	// MaxInFlight bounds concurrently executing nodes per run.
	MaxInFlight int
	// StepTimeout bounds a single worker call; zero disables.
	StepTimeout time.Duration
	// MaxReplans bounds stall-triggered re-planning passes.
	MaxReplans int
	// MaxReviewPasses bounds Reviewing -> Executing revision loops.
	MaxReviewPasses int
}

// WithStore sets the persistence backend.
func WithStore(s store.Store) func(o *Options) { return func(o *Options) { o.Store = s } }

// WithBus sets the event bus.
func WithBus(b *event.Bus) func(o *Options) { return func(o *Options) { o.Bus = b } }

// WithRegistry sets the mode and predicate registry.
func WithRegistry(r *workflow.Registry) func(o *Options) { return func(o *Options) { o.Registry = r } }

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) func(o *Options) { return func(o *Options) { o.Logger = l } }

// WithRunLog sets the run-scoped lifecycle logger.
func WithRunLog(l *logging.RunLogger) func(o *Options) { return func(o *Options) { o.RunLog = l } }

// WithMaxInFlight bounds per-run node concurrency.
func WithMaxInFlight(n int) func(o *Options) { return func(o *Options) { o.MaxInFlight = n } }

// WithStepTimeout bounds a single worker call.
func WithStepTimeout(d time.Duration) func(o *Options) { return func(o *Options) { o.StepTimeout = d } }

// WithMaxReplans bounds stall-triggered re-planning.
func WithMaxReplans(n int) func(o *Options) { return func(o *Options) { o.MaxReplans = n } }

// WithMaxReviewPasses bounds review revision loops.
func WithMaxReviewPasses(n int) func(o *Options) { return func(o *Options) { o.MaxReviewPasses = n } }

// Engine accepts tasks, drives their runs through the lifecycle and exposes
// the event stream, approval callbacks and replay. It is safe for concurrent
// use; each run is serialized internally through its own exclusive section.
type Engine struct {
	*core.LoggerAdapter

	store    store.Store
	bus      *event.Bus
	registry *workflow.Registry
	recorder *trajectory.Recorder
	opts     Options

	mu   sync.RWMutex
	runs map[string]*runner
}

// New creates an Engine. Without options it runs fully in memory: volatile
// store, fresh event bus, empty registry, no logging.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxInFlight:     8,
		MaxReplans:      2,
		MaxReviewPasses: 2,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Bus == nil {
		opts.Bus = event.New(event.WithLogger(opts.Logger))
	}
	if opts.Registry == nil {
		opts.Registry = workflow.NewRegistry()
	}
	if opts.RunLog == nil {
		opts.RunLog = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.LogLevelInfo,
			Format:    "json",
			Output:    io.Discard,
			Component: "engine",
		})
	}

	return &Engine{
		LoggerAdapter: core.NewLoggerAdapter(opts.Logger),
		store:         opts.Store,
		bus:           opts.Bus,
		registry:      opts.Registry,
		recorder:      trajectory.NewRecorder(opts.Store),
		opts:          opts,
		runs:          make(map[string]*runner),
	}
}

// Registry returns the engine's mode and predicate registry for setup-time
// registration.
func (e *Engine) Registry() *workflow.Registry { return e.registry }

// Bus returns the engine's event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Submit validates and accepts a task, creates its Run and starts driving it
// asynchronously. The returned run ID addresses every later call.
func (e *Engine) Submit(ctx context.Context, task core.Task) (string, error) {
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now().UTC()
	}
	if err := e.registry.Validate(task.Workflow); err != nil {
		return "", err
	}
	g, err := graph.Build(task.Workflow, e.registry)
	if err != nil {
		return "", fmt.Errorf("building workflow graph: %w", err)
	}
	run := &core.Run{
		ID:          core.NewID(),
		TaskID:      task.ID,
		State:       core.RunCreated,
		CreatedAt:   time.Now().UTC(),
		CurrentPlan: 1,
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("persisting task: %w", err)
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("persisting run: %w", err)
	}

	r := newRunner(e, run, task, g, e.registry, nil)
	e.mu.Lock()
	e.runs[run.ID] = r
	e.mu.Unlock()

	e.LogInfo("run submitted", "run_id", run.ID, "task_id", task.ID, "nodes", len(task.Workflow.Nodes))
	go r.loop()
	return run.ID, nil
}

// Resume rehydrates an interrupted run from its persisted record and
// continues driving it. Whatever was in flight when the process stopped is
// sent back through the ready set for another attempt, so execution is
// at-least-once across restarts. Terminal runs and runs already being driven
// are rejected.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	if _, ok := e.runner(runID); ok {
		return fmt.Errorf("run %s is already being driven", runID)
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is terminal (%s), nothing to resume", runID, run.State)
	}
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	g, err := graph.Build(task.Workflow, e.registry)
	if err != nil {
		return fmt.Errorf("rebuilding workflow graph: %w", err)
	}
	if len(run.GraphState) > 0 {
		var st graph.State
		if err := json.Unmarshal(run.GraphState, &st); err != nil {
			return fmt.Errorf("decoding graph state of run %s: %w", runID, err)
		}
		if err := g.Restore(st); err != nil {
			return err
		}
	}
	for _, node := range g.Nodes() {
		switch node.Status {
		case core.NodeDispatched, core.NodeAwaitingApproval:
			if err := g.Retry(node.ID); err != nil {
				return err
			}
		}
	}
	if err := e.recorder.Resume(ctx, runID); err != nil {
		return err
	}
	steps, err := e.store.Steps(ctx, runID)
	if err != nil {
		return err
	}

	r := newRunner(e, run, task, g, e.registry, nil)
	r.counters.Restore(run.Counters)
	r.stepsRecorded = run.NextSeq
	if run.CurrentPlan > 1 {
		r.replans = run.CurrentPlan - 1
	}
	for _, s := range steps {
		if s.Kind == core.StepExecution && s.Observation.Status == core.ObservationSucceeded {
			r.lastSuccess = s.NodeID
		}
	}

	e.mu.Lock()
	e.runs[run.ID] = r
	e.mu.Unlock()

	e.LogInfo("run resumed", "run_id", run.ID, "state", string(run.State), "next_seq", run.NextSeq)
	go r.resumeLoop()
	return nil
}

// Cancel requests cooperative cancellation of a run. Cancelling a terminal
// run is a no-op, not an error.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	r, ok := e.runner(runID)
	if !ok {
		// The run may predate this process; answer from the store.
		if _, err := e.store.GetRun(ctx, runID); err != nil {
			return err
		}
		return nil
	}
	r.requestCancel()
	return nil
}

// Approve answers a pending approval request. nodeID addresses the suspended
// node; the planning and delivery sign-offs use the pseudo node IDs "plan"
// and "deliver". Answering an unknown or already-resolved request is an
// error.
func (e *Engine) Approve(ctx context.Context, runID, nodeID string, approve bool) error {
	r, ok := e.runner(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	return r.answerApproval(nodeID, approve, approvalSourceHuman)
}

// Run returns a snapshot of the run record.
func (e *Engine) Run(ctx context.Context, runID string) (*core.Run, error) {
	if r, ok := e.runner(runID); ok {
		return r.snapshot(), nil
	}
	return e.store.GetRun(ctx, runID)
}

// Trajectory returns the recorded entries of a run in order.
func (e *Engine) Trajectory(ctx context.Context, runID string) ([]core.Step, error) {
	return e.store.Steps(ctx, runID)
}

// Subscribe returns a subscription to a run's events ("" for all runs).
func (e *Engine) Subscribe(runID string) *event.Subscription {
	return e.bus.Subscribe(runID)
}

// Archive flags a terminal run as archived in the store.
func (e *Engine) Archive(ctx context.Context, runID string) error {
	return e.store.Archive(ctx, runID)
}

// Wait blocks until the run's driving goroutine finishes or the context is
// cancelled, then returns the final run snapshot.
func (e *Engine) Wait(ctx context.Context, runID string) (*core.Run, error) {
	r, ok := e.runner(runID)
	if !ok {
		return e.store.GetRun(ctx, runID)
	}
	select {
	case <-r.finished:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) runner(runID string) (*runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	return r, ok
}
