// Package store persists tasks, runs and trajectory entries. Two
// implementations ship: a volatile in-memory store for tests and ephemeral
// engines, and a bbolt-backed store for durable single-binary deployments.
// Both hand out clones so callers can never mutate persisted state in place.
package store

import (
	"context"

	"conductor/core"
)

// TaskStore persists submitted tasks. Tasks are immutable after submission,
// so there is no update path.
type TaskStore interface {
	SaveTask(ctx context.Context, task core.Task) error
	// GetTask returns core.ErrTaskNotFound when the task does not exist.
	GetTask(ctx context.Context, id string) (core.Task, error)
}

// RunStore persists run records. Runs are never deleted; Archive flags a
// terminal run so listings can hide it.
type RunStore interface {
	SaveRun(ctx context.Context, run *core.Run) error
	// GetRun returns core.ErrRunNotFound when the run does not exist.
	GetRun(ctx context.Context, id string) (*core.Run, error)
	// ListRuns returns every run, archived ones included only when asked,
	// ordered by creation time.
	ListRuns(ctx context.Context, includeArchived bool) ([]*core.Run, error)
	// Archive marks a terminal run as archived. Archiving a live run is an
	// error; archiving twice is not.
	Archive(ctx context.Context, id string) error
}

// Store is the full persistence surface the engine wires against: task and
// run records plus the append-only trajectory log.
type Store interface {
	TaskStore
	RunStore
	// Append and Steps satisfy trajectory.Log.
	Append(ctx context.Context, step core.Step) error
	Steps(ctx context.Context, runID string) ([]core.Step, error)
	Close() error
}
