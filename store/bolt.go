package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"conductor/core"
)

var (
	bucketTasks = []byte("tasks")
	bucketRuns  = []byte("runs")
	bucketSteps = []byte("steps")
)

// BoltStore is a durable Store backed by a single bbolt file. Records are
// JSON values keyed by ID; trajectory entries are keyed by run ID plus a
// big-endian sequence number so a cursor scan yields them in order.
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// OpenBolt opens (creating if needed) the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketRuns, bucketSteps} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveTask stores the task record.
func (s *BoltStore) SaveTask(_ context.Context, task core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task requires an id")
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b == nil {
			return errors.New("tasks bucket missing")
		}
		return b.Put([]byte(task.ID), raw)
	})
}

// GetTask returns the task by ID.
func (s *BoltStore) GetTask(_ context.Context, id string) (core.Task, error) {
	var task core.Task
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return core.Task{}, err
	}
	if !found {
		return core.Task{}, fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
	}
	return task, nil
}

// SaveRun upserts the run record.
func (s *BoltStore) SaveRun(_ context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return errors.New("runs bucket missing")
		}
		return b.Put([]byte(run.ID), raw)
	})
}

// GetRun returns the run record by ID.
func (s *BoltStore) GetRun(_ context.Context, id string) (*core.Run, error) {
	var out *core.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return nil
		}
		var run core.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		out = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	return out, nil
}

// ListRuns returns every run ordered by creation time.
func (s *BoltStore) ListRuns(_ context.Context, includeArchived bool) ([]*core.Run, error) {
	out := make([]*core.Run, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var run core.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.Archived && !includeArchived {
				return nil
			}
			out = append(out, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
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
func (s *BoltStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return errors.New("runs bucket missing")
		}
		key := []byte(id)
		raw := b.Get(key)
		if len(raw) == 0 {
			return fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
		}
		var run core.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		if !run.State.Terminal() {
			return fmt.Errorf("run %s: cannot archive in state %s", id, run.State)
		}
		run.Archived = true
		updated, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

// Append implements trajectory.Log. The entry is durable once the update
// transaction commits; a sequence gap against the last stored entry is
// rejected so a corrupted counter can never poison the log.
func (s *BoltStore) Append(_ context.Context, step core.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(step)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSteps)
		if b == nil {
			return errors.New("steps bucket missing")
		}
		last, ok := lastSeq(b, step.RunID)
		if ok && step.Seq != last+1 {
			return fmt.Errorf("sequence gap for run %s: have %d, appending %d", step.RunID, last, step.Seq)
		}
		if !ok && step.Seq != 1 {
			return fmt.Errorf("first entry for run %s must have seq 1, got %d", step.RunID, step.Seq)
		}
		return b.Put(stepKey(step.RunID, step.Seq), raw)
	})
}

// Steps implements trajectory.Log, returning a run's entries in sequence
// order via a prefix cursor scan.
func (s *BoltStore) Steps(_ context.Context, runID string) ([]core.Step, error) {
	out := make([]core.Step, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSteps)
		if b == nil {
			return nil
		}
		prefix := stepPrefix(runID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var step core.Step
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			out = append(out, step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stepPrefix(runID string) []byte {
	return []byte(runID + "\x00")
}

func stepKey(runID string, seq uint64) []byte {
	key := make([]byte, 0, len(runID)+9)
	key = append(key, stepPrefix(runID)...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func lastSeq(b *bolt.Bucket, runID string) (uint64, bool) {
	prefix := stepPrefix(runID)
	c := b.Cursor()
	// Seek just past the run's key range, then step back one.
	var probe []byte
	probe = append(probe, prefix...)
	probe = append(probe, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	k, _ := c.Seek(probe)
	if k == nil {
		k, _ = c.Last()
	} else {
		k, _ = c.Prev()
	}
	if k == nil || !strings.HasPrefix(string(k), string(prefix)) {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(prefix):]), true
}
