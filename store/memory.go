package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conductor/core"
)

// MemoryStore is a volatile Store implementation keeping everything in
// process-local maps. It is safe for concurrent access and best suited for
// tests and ephemeral engines. Every returned record is a clone to prevent
// external mutation of internal state.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]core.Task
	runs  map[string]*core.Run
	steps map[string][]core.Step
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]core.Task),
		runs:  make(map[string]*core.Run),
		steps: make(map[string][]core.Step),
	}
}

// SaveTask stores the task. Tasks are immutable after submission; saving
// twice overwrites silently, which only happens on identical content.
func (s *MemoryStore) SaveTask(_ context.Context, task core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// GetTask returns the task by ID.
func (s *MemoryStore) GetTask(_ context.Context, id string) (core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return core.Task{}, fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
	}
	return task, nil
}

// SaveRun stores a clone of the run record.
func (s *MemoryStore) SaveRun(_ context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a clone of the run record.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	return run.Clone(), nil
}

// ListRuns returns clones of all runs ordered by creation time, then ID for
// runs created in the same instant.
func (s *MemoryStore) ListRuns(_ context.Context, includeArchived bool) ([]*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if run.Archived && !includeArchived {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Archive flags a terminal run as archived.
func (s *MemoryStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	if !run.State.Terminal() {
		return fmt.Errorf("run %s: cannot archive in state %s", id, run.State)
	}
	run.Archived = true
	return nil
}

// Append implements trajectory.Log with the same gap checks the recorder's
// write-ahead discipline depends on.
func (s *MemoryStore) Append(_ context.Context, step core.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.steps[step.RunID]
	if n := len(existing); n > 0 && step.Seq != existing[n-1].Seq+1 {
		return fmt.Errorf("sequence gap for run %s: have %d, appending %d", step.RunID, existing[n-1].Seq, step.Seq)
	}
	if len(existing) == 0 && step.Seq != 1 {
		return fmt.Errorf("first entry for run %s must have seq 1, got %d", step.RunID, step.Seq)
	}
	s.steps[step.RunID] = append(existing, step)
	return nil
}

// Steps implements trajectory.Log.
func (s *MemoryStore) Steps(_ context.Context, runID string) ([]core.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Step, len(s.steps[runID]))
	copy(out, s.steps[runID])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
