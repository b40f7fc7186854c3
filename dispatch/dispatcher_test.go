package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

// countingWorker records dispatch calls and serves canned responses.
type countingWorker struct {
	mu       sync.Mutex
	calls    map[Key]int
	failures int // transport failures before succeeding
	obs      core.Observation
}

func newCountingWorker() *countingWorker {
	return &countingWorker{
		calls: make(map[Key]int),
		obs:   core.Observation{Status: core.ObservationSucceeded},
	}
}

func (w *countingWorker) Dispatch(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[KeyOf(item)]++
	if w.failures > 0 {
		w.failures--
		return core.Observation{}, errors.New("connection reset")
	}
	return w.obs, nil
}

func (w *countingWorker) callCount(key Key) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[key]
}

func item(node string, attempt int) core.WorkItem {
	return core.WorkItem{RunID: "run-1", NodeID: node, Attempt: attempt, Mode: "m"}
}

func TestEnqueue_EmitsOneResultPerKey(t *testing.T) {
	w := newCountingWorker()
	d := New(w)
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))

	res := <-d.Results()
	assert.Equal(t, "a", res.Item.NodeID)
	assert.NoError(t, res.Err)
	assert.Equal(t, core.ObservationSucceeded, res.Observation.Status)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestEnqueue_DropsDuplicateKeys(t *testing.T) {
	w := newCountingWorker()
	d := New(w)
	defer d.Close()

	key := KeyOf(item("a", 1))
	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))
	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))

	<-d.Results()
	select {
	case res := <-d.Results():
		t.Fatalf("unexpected second result for %v: %+v", key, res)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, w.callCount(key))
}

func TestEnqueue_DistinctAttemptsAreDistinctKeys(t *testing.T) {
	w := newCountingWorker()
	d := New(w)
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))
	require.NoError(t, d.Enqueue(context.Background(), item("a", 2)))

	<-d.Results()
	<-d.Results()
	assert.Equal(t, 1, w.callCount(KeyOf(item("a", 1))))
	assert.Equal(t, 1, w.callCount(KeyOf(item("a", 2))))
}

func TestExecute_RetriesTransportFailures(t *testing.T) {
	w := newCountingWorker()
	w.failures = 2
	d := New(w, WithTransportRetries(3, time.Millisecond, 5*time.Millisecond))
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))

	res := <-d.Results()
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, w.callCount(KeyOf(item("a", 1))))
}

func TestExecute_ExhaustedRetriesSurfaceInfrastructureError(t *testing.T) {
	w := newCountingWorker()
	w.failures = 10
	d := New(w, WithTransportRetries(2, time.Millisecond, 2*time.Millisecond))
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))

	res := <-d.Results()
	require.Error(t, res.Err)
	var infra *core.InfrastructureError
	assert.ErrorAs(t, res.Err, &infra)
	assert.Equal(t, 2, w.callCount(KeyOf(item("a", 1))))
}

func TestExecute_NodeFailureIsNotRetried(t *testing.T) {
	w := newCountingWorker()
	w.obs = core.Observation{Status: core.ObservationFailed, Error: "tests failed"}
	d := New(w, WithTransportRetries(3, time.Millisecond, 2*time.Millisecond))
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), item("a", 1)))

	res := <-d.Results()
	assert.NoError(t, res.Err)
	assert.Equal(t, core.ObservationFailed, res.Observation.Status)
	assert.Equal(t, 1, w.callCount(KeyOf(item("a", 1))))
}

func TestMaxInFlight_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	worker := core.WorkerFunc(func(ctx context.Context, item core.WorkItem) (core.Observation, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return core.Observation{Status: core.ObservationSucceeded}, nil
	})
	d := New(worker, WithMaxInFlight(2))
	defer d.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enqueue(context.Background(), item(string(rune('a'+i)), 1)))
	}
	for i := 0; i < 6; i++ {
		<-d.Results()
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClose_IsIdempotent(t *testing.T) {
	d := New(newCountingWorker())
	d.Close()
	d.Close()

	assert.Equal(t, context.Canceled, d.Enqueue(context.Background(), item("a", 1)))
}
