// Package conductor provides a high-level façade over the orchestration
// engine for driving multi-step agent workflows against a repository. Most
// applications interact with this package by:
//  1. Creating a Conductor via New() (optionally overriding the default
//     in-memory store, bus and logger)
//  2. Registering agent modes and named predicates on the registry
//  3. Submitting tasks and following their runs through the event stream,
//     answering approval requests as they surface
//
// The façade delegates orchestration to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply a durable store and a
// structured logger.
package conductor

import (
	"context"

	"conductor/core"
	"conductor/engine"
	"conductor/event"
	"conductor/logging"
	"conductor/store"
	"conductor/workflow"
)

// Options configures the Conductor instance.
type Options struct {
	// Store persists tasks, runs and trajectories. Defaults to in-memory;
	// supply store.OpenBolt for durability across restarts.
	Store store.Store
	// Registry resolves agent modes and named predicates. A fresh registry
	// is created when nil.
	Registry *workflow.Registry
	// Logger receives structured logs. Defaults to NoOp.
	Logger logging.Logger
	// Engine tuning passed through to engine.New.
	EngineOptions []func(o *engine.Options)
}

// Conductor is the high-level façade aggregating the engine, its registry
// and its event bus.
type Conductor struct {
	opts   Options
	engine *engine.Engine
}

// New creates a Conductor with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Conductor {
	opts := Options{
		Store:  store.NewMemoryStore(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = workflow.NewRegistry()
	}

	engOpts := []func(o *engine.Options){
		engine.WithStore(opts.Store),
		engine.WithRegistry(opts.Registry),
		engine.WithLogger(opts.Logger),
	}
	engOpts = append(engOpts, opts.EngineOptions...)

	return &Conductor{opts: opts, engine: engine.New(engOpts...)}
}

// Registry returns the mode and predicate registry for setup-time
// registration.
func (c *Conductor) Registry() *workflow.Registry { return c.engine.Registry() }

// Engine exposes the underlying engine for advanced use.
func (c *Conductor) Engine() *engine.Engine { return c.engine }

// Submit accepts a task and starts driving its run asynchronously. The
// returned run ID addresses every later call.
func (c *Conductor) Submit(ctx context.Context, task core.Task) (string, error) {
	return c.engine.Submit(ctx, task)
}

// SubmitSync is a synchronous helper that submits a task and blocks until
// its run terminates.
func (c *Conductor) SubmitSync(ctx context.Context, task core.Task) (*core.Run, error) {
	runID, err := c.engine.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	return c.engine.Wait(ctx, runID)
}

// Run returns a snapshot of a run.
func (c *Conductor) Run(ctx context.Context, runID string) (*core.Run, error) {
	return c.engine.Run(ctx, runID)
}

// Trajectory returns the recorded steps of a run in sequence order.
func (c *Conductor) Trajectory(ctx context.Context, runID string) ([]core.Step, error) {
	return c.engine.Trajectory(ctx, runID)
}

// Subscribe opens a live event subscription for a run.
func (c *Conductor) Subscribe(runID string) *event.Subscription {
	return c.engine.Subscribe(runID)
}

// Approve answers a pending approval request for a run.
func (c *Conductor) Approve(ctx context.Context, runID, nodeID string, approve bool) error {
	return c.engine.Approve(ctx, runID, nodeID, approve)
}

// Cancel requests cooperative cancellation of a run.
func (c *Conductor) Cancel(ctx context.Context, runID string) error {
	return c.engine.Cancel(ctx, runID)
}

// Resume continues driving a run interrupted by a process restart.
func (c *Conductor) Resume(ctx context.Context, runID string) error {
	return c.engine.Resume(ctx, runID)
}

// Wait blocks until a run terminates and returns its final snapshot.
func (c *Conductor) Wait(ctx context.Context, runID string) (*core.Run, error) {
	return c.engine.Wait(ctx, runID)
}

// Replay re-executes a terminal run against its recorded trajectory and
// verifies the outcome matches.
func (c *Conductor) Replay(ctx context.Context, runID string) (*core.Run, error) {
	return c.engine.Replay(ctx, runID)
}

// Archive marks a terminal run as archived.
func (c *Conductor) Archive(ctx context.Context, runID string) error {
	return c.engine.Archive(ctx, runID)
}
