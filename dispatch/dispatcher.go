package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/core"
	"conductor/logging"
)

// Options holds configuration overrides passed to New().
type Options struct {
	// MaxInFlight bounds concurrently executing work items.
	MaxInFlight int
	// ResultBuffer sets the result channel buffer.
	ResultBuffer int
	// MaxTransportRetries bounds retries of transport failures per attempt.
	MaxTransportRetries int
	// BaseBackoff is the first retry delay; it doubles per retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// StepTimeout bounds one worker call. Zero disables the per-call bound.
	StepTimeout time.Duration
	// Logger records retries and drops; defaults to NoOp.
	Logger logging.Logger
}

// Result is one settled work item: the observation the worker produced, or
// the infrastructure error that exhausted the retry budget.
type Result struct {
	Item        core.WorkItem
	Observation core.Observation
	Duration    time.Duration
	Err         error
}

// Key is the correlation identity of one execution attempt.
type Key struct {
	RunID   string
	NodeID  string
	Attempt int
}

// KeyOf derives the correlation key of a work item.
func KeyOf(item core.WorkItem) Key {
	return Key{RunID: item.RunID, NodeID: item.NodeID, Attempt: item.Attempt}
}

// Dispatcher drives work items through a bounded worker pool and emits
// exactly one Result per correlation key. Safe for concurrent use.
type Dispatcher struct {
	*core.LoggerAdapter

	worker  core.Worker
	sem     *semaphore.Weighted
	results chan Result

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	stepTimeout time.Duration

	mu      sync.Mutex
	settled map[Key]bool
	closed  bool
	wg      sync.WaitGroup
}

// New constructs a Dispatcher over a worker with optional overrides.
func New(worker core.Worker, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		MaxInFlight:         8,
		ResultBuffer:        256,
		MaxTransportRetries: 3,
		BaseBackoff:         250 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 256
	}
	if opts.MaxTransportRetries <= 0 {
		opts.MaxTransportRetries = 3
	}
	return &Dispatcher{
		LoggerAdapter: core.NewLoggerAdapter(opts.Logger),
		worker:        worker,
		sem:           semaphore.NewWeighted(int64(opts.MaxInFlight)),
		results:       make(chan Result, opts.ResultBuffer),
		maxRetries:    opts.MaxTransportRetries,
		baseBackoff:   opts.BaseBackoff,
		maxBackoff:    opts.MaxBackoff,
		stepTimeout:   opts.StepTimeout,
	}
}

// WithMaxInFlight bounds the worker pool.
func WithMaxInFlight(n int) func(o *Options) { return func(o *Options) { o.MaxInFlight = n } }

// WithStepTimeout bounds a single worker call.
func WithStepTimeout(d time.Duration) func(o *Options) { return func(o *Options) { o.StepTimeout = d } }

// WithTransportRetries configures the backoff ceiling.
func WithTransportRetries(n int, base, max time.Duration) func(o *Options) {
	return func(o *Options) {
		o.MaxTransportRetries = n
		if base > 0 {
			o.BaseBackoff = base
		}
		if max > 0 {
			o.MaxBackoff = max
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l logging.Logger) func(o *Options) { return func(o *Options) { o.Logger = l } }

// Results returns the channel delivering settled work items.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Enqueue admits a work item to the pool. Duplicate keys for settled or
// in-flight attempts are dropped, keeping at-least-once delivery idempotent.
// Enqueue blocks only while the pool is saturated.
func (d *Dispatcher) Enqueue(ctx context.Context, item core.WorkItem) error {
	key := KeyOf(item)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return context.Canceled
	}
	if d.settled == nil {
		d.settled = make(map[Key]bool)
	}
	if d.settled[key] {
		d.mu.Unlock()
		d.LogDebug("dropping duplicate work item", "run_id", item.RunID, "node_id", item.NodeID, "attempt", item.Attempt)
		return nil
	}
	d.settled[key] = true
	d.wg.Add(1)
	d.mu.Unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.wg.Done()
		return err
	}

	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		start := time.Now()
		obs, err := d.execute(ctx, item)
		d.emit(Result{Item: item, Observation: obs, Duration: time.Since(start), Err: err})
	}()
	return nil
}

func (d *Dispatcher) emit(res Result) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	d.results <- res
}

// execute runs one worker call with bounded exponential backoff on
// transport errors. Worker-reported node failures are not retried here;
// node-level retry policy belongs to the engine.
func (d *Dispatcher) execute(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	var lastErr error
	backoff := d.baseBackoff
	for try := 1; try <= d.maxRetries; try++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if d.stepTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.stepTimeout)
		}
		start := time.Now()
		obs, err := d.worker.Dispatch(callCtx, item)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return obs, nil
		}
		lastErr = err
		d.LogWarn("transport failure, backing off",
			"run_id", item.RunID, "node_id", item.NodeID, "attempt", item.Attempt,
			"try", try, "elapsed", time.Since(start), "error", err.Error())
		if try == d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return core.Observation{}, &core.InfrastructureError{Op: "dispatch", Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
	return core.Observation{}, &core.InfrastructureError{Op: "dispatch", Err: lastErr}
}

// Close waits for in-flight work and releases the result channel. Results of
// work finishing after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	close(d.results)
}
