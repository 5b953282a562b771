// Package memory is the in-process storage backend. History is lost on exit.
package memory

import (
	"context"
	"sync"

	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Store keeps events and job snapshots in maps.
type Store struct {
	mu     sync.RWMutex
	events map[types.JobID][]types.Event
	jobs   map[types.JobID]types.Job
	closed bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		events: make(map[types.JobID][]types.Event),
		jobs:   make(map[types.JobID]types.Job),
	}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	details, err := types.NormalizeDetails(ev.Details)
	if err != nil {
		return err
	}
	ev.Details = details
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	return nil
}

func (s *Store) ListEventsSince(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []types.Event
	for _, ev := range s.events[jobID] {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) UpsertJob(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.Job{}, storage.ErrClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, storage.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
