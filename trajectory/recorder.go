package trajectory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"conductor/core"
)

// Log is the minimal append-only store the recorder depends on. Append must
// be durable before it returns; the engine's write-ahead discipline relies
// on it.
type Log interface {
	// Append durably stores one entry. Entries for one run arrive with
	// strictly increasing sequence numbers.
	Append(ctx context.Context, step core.Step) error
	// Steps returns a run's entries ordered by sequence number.
	Steps(ctx context.Context, runID string) ([]core.Step, error)
}

// Recorder assigns sequence numbers and appends entries to a Log. It is safe
// for concurrent use across runs; entries of a single run are serialized by
// the engine's run-level exclusive section.
type Recorder struct {
	log     Log
	mu      sync.Mutex
	nextSeq map[string]uint64
}

// NewRecorder wraps a Log.
func NewRecorder(log Log) *Recorder {
	return &Recorder{log: log, nextSeq: make(map[string]uint64)}
}

// Record stamps the entry with the run's next sequence number and appends it
// durably. The stamped entry is returned.
func (r *Recorder) Record(ctx context.Context, step core.Step) (core.Step, error) {
	r.mu.Lock()
	r.nextSeq[step.RunID]++
	step.Seq = r.nextSeq[step.RunID]
	r.mu.Unlock()

	if err := r.log.Append(ctx, step); err != nil {
		return core.Step{}, fmt.Errorf("appending step %d of run %s: %w", step.Seq, step.RunID, err)
	}
	return step, nil
}

// Steps returns the recorded entries of one run in order.
func (r *Recorder) Steps(ctx context.Context, runID string) ([]core.Step, error) {
	return r.log.Steps(ctx, runID)
}

// Resume restores the recorder's sequence counter for a run from its
// persisted log, so appending continues gap-free after a restart.
func (r *Recorder) Resume(ctx context.Context, runID string) error {
	steps, err := r.log.Steps(ctx, runID)
	if err != nil {
		return err
	}
	var last uint64
	for _, s := range steps {
		if s.Seq > last {
			last = s.Seq
		}
	}
	r.mu.Lock()
	r.nextSeq[runID] = last
	r.mu.Unlock()
	return nil
}

// HashInputs computes the canonical digest of a work item's inputs, recorded
// with each execution step so replay can verify it is feeding nodes the same
// context.
func HashInputs(item core.WorkItem) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|", item.RunID, item.NodeID, item.Attempt, item.Mode, item.Feedback)

	// Params and inputs are hashed in sorted key order so map iteration
	// never leaks into the digest.
	paramKeys := make([]string, 0, len(item.Params))
	for k := range item.Params {
		paramKeys = append(paramKeys, k)
	}
	sort.Strings(paramKeys)
	for _, k := range paramKeys {
		raw, _ := json.Marshal(item.Params[k])
		fmt.Fprintf(h, "p:%s=%s|", k, raw)
	}

	inputKeys := make([]string, 0, len(item.Inputs))
	for k := range item.Inputs {
		inputKeys = append(inputKeys, k)
	}
	sort.Strings(inputKeys)
	for _, k := range inputKeys {
		raw, _ := json.Marshal(item.Inputs[k])
		fmt.Fprintf(h, "i:%s=%s|", k, raw)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// MemoryLog is a volatile Log implementation storing entries in a process
// local map. It is safe for concurrent access and suited to tests and
// ephemeral engines. Returned slices are copies to prevent external
// mutation.
type MemoryLog struct {
	mu    sync.RWMutex
	steps map[string][]core.Step
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{steps: make(map[string][]core.Step)}
}

// Append implements Log.
func (m *MemoryLog) Append(_ context.Context, step core.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.steps[step.RunID]
	if n := len(existing); n > 0 && step.Seq != existing[n-1].Seq+1 {
		return fmt.Errorf("sequence gap for run %s: have %d, appending %d", step.RunID, existing[n-1].Seq, step.Seq)
	}
	if len(existing) == 0 && step.Seq != 1 {
		return fmt.Errorf("first entry for run %s must have seq 1, got %d", step.RunID, step.Seq)
	}
	m.steps[step.RunID] = append(existing, step)
	return nil
}

// Steps implements Log.
func (m *MemoryLog) Steps(_ context.Context, runID string) ([]core.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Step, len(m.steps[runID]))
	copy(out, m.steps[runID])
	return out, nil
}
