package event

import (
	"sync"
	"sync/atomic"

	"conductor/core"
	"conductor/logging"
)

// Options holds configuration overrides passed to New().
type Options struct {
	// BufferSize sets the per-subscription channel buffer. Past this bound
	// events are dropped with a counter rather than blocking the publisher.
	BufferSize int
	// HistoryLimit caps retained per-run history used by ReplayFrom. Zero
	// keeps everything for the life of the bus.
	HistoryLimit int
	// Logger records drop warnings; defaults to NoOp.
	Logger logging.Logger
}

// Subscription is one consumer's ordered view of the bus. Close it when the
// consumer goes away; the bus never closes the Events channel while the
// subscription is live.
type Subscription struct {
	id      string
	runID   string
	ch      chan core.Event
	dropped atomic.Uint64
	once    sync.Once
	detach  func()
}

// Events returns the channel delivering the subscription's events.
func (s *Subscription) Events() <-chan core.Event { return s.ch }

// Dropped returns how many events overflowed this subscription's buffer.
// Consumers observing a non-zero delta should request ReplayFrom their last
// processed sequence number.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(s.detach)
}

// Bus is the typed publish/subscribe fan-out for run and step events. It
// assigns per-run sequence numbers at publish time and retains per-run
// history so reconnecting consumers can replay from a sequence number.
// All methods are safe for concurrent use.
type Bus struct {
	*core.LoggerAdapter

	mu         sync.RWMutex
	subs       map[string]*Subscription
	history    map[string][]core.Event
	nextSeq    map[string]uint64
	bufferSize int
	histLimit  int
	closed     bool
}

// New constructs a Bus with optional overrides.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{BufferSize: 128}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 128
	}
	return &Bus{
		LoggerAdapter: core.NewLoggerAdapter(opts.Logger),
		subs:          make(map[string]*Subscription),
		history:       make(map[string][]core.Event),
		nextSeq:       make(map[string]uint64),
		bufferSize:    opts.BufferSize,
		histLimit:     opts.HistoryLimit,
	}
}

// WithBufferSize overrides the per-subscription buffer bound.
func WithBufferSize(n int) func(o *Options) {
	return func(o *Options) { o.BufferSize = n }
}

// WithHistoryLimit bounds retained per-run history.
func WithHistoryLimit(n int) func(o *Options) {
	return func(o *Options) { o.HistoryLimit = n }
}

// WithLogger sets the bus logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Publish assigns the event's per-run sequence number, appends it to history
// and fans it out to matching subscriptions without ever blocking. The
// sequenced event is returned so callers can record it.
func (b *Bus) Publish(ev core.Event) core.Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	b.nextSeq[ev.RunID]++
	ev.Seq = b.nextSeq[ev.RunID]
	hist := append(b.history[ev.RunID], ev)
	if b.histLimit > 0 && len(hist) > b.histLimit {
		hist = hist[len(hist)-b.histLimit:]
	}
	b.history[ev.RunID] = hist
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.runID == "" || sub.runID == ev.RunID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.LogWarn("event dropped for slow subscriber", "run_id", ev.RunID, "seq", ev.Seq, "type", string(ev.Type))
		}
	}
	return ev
}

// Subscribe registers a consumer for one run's events, or for all runs when
// runID is empty.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		id:    core.NewID(),
		runID: runID,
		ch:    make(chan core.Event, b.bufferSize),
	}
	sub.detach = func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// ReplayFrom returns the retained events of one run with Seq >= from, in
// order. Consumers that observed drops call this to close their gap.
func (b *Bus) ReplayFrom(runID string, from uint64) []core.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := b.history[runID]
	out := make([]core.Event, 0, len(hist))
	for _, ev := range hist {
		if ev.Seq >= from {
			out = append(out, ev)
		}
	}
	return out
}

// History returns the full retained event sequence of one run.
func (b *Bus) History(runID string) []core.Event {
	return b.ReplayFrom(runID, 0)
}

// Close detaches all subscriptions and stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]*Subscription)
}
