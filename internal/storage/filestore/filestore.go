// Package filestore is the file-backed storage backend. Events go to an
// append-only WAL. Job upserts go to a second WAL that is folded into an
// atomically replaced JSON snapshot every CompactEvery upserts and on Close.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/internal/storage/wal"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const (
	journalFile    = "events.wal"
	jobJournalFile = "jobs.wal"
	snapshotFile   = "jobs.json"
)

// DefaultCompactEvery is the number of job upserts between snapshot rewrites.
const DefaultCompactEvery = 256

// Option configures Open.
type Option func(*Store)

// WithCompactEvery sets how many job upserts accumulate in the job journal
// before it is folded into the snapshot. n <= 0 keeps the default.
func WithCompactEvery(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.compactEvery = n
		}
	}
}

// Store keeps an in-memory index of the journals and the snapshot so reads
// never touch disk.
type Store struct {
	mu         sync.RWMutex
	journal    *wal.WAL
	jobJournal *wal.WAL
	snapshot   *snapshot.Manager
	events     map[types.JobID][]types.Event
	jobs       map[types.JobID]types.Job
	closed     bool

	compactEvery int
	pending      int // upserts in jobJournal not yet in the snapshot
	compactions  int
}

var _ storage.Store = (*Store)(nil)

// Open loads (or creates) the store under dir.
//
// Recovery loads the snapshot and then replays the job journal over it, so
// a crash between a snapshot rewrite and the journal reset only re-applies
// records the snapshot already holds.
func Open(dir string, syncOnAppend bool, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}

	journal, err := wal.Open(filepath.Join(dir, journalFile), syncOnAppend)
	if err != nil {
		return nil, err
	}
	jobJournal, err := wal.Open(filepath.Join(dir, jobJournalFile), syncOnAppend)
	if err != nil {
		journal.Close()
		return nil, err
	}

	s := &Store{
		journal:      journal,
		jobJournal:   jobJournal,
		snapshot:     snapshot.NewManager(filepath.Join(dir, snapshotFile)),
		events:       make(map[types.JobID][]types.Event),
		compactEvery: DefaultCompactEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	fail := func(err error) (*Store, error) {
		journal.Close()
		jobJournal.Close()
		return nil, err
	}

	err = journal.Replay(func(rec wal.Record) error {
		ev, err := rec.Event()
		if err != nil {
			return err
		}
		s.events[ev.JobID] = append(s.events[ev.JobID], ev)
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("filestore: replay journal: %w", err))
	}

	data, err := s.snapshot.Load()
	if err != nil {
		return fail(fmt.Errorf("filestore: load snapshot: %w", err))
	}
	s.jobs = data.Jobs

	err = jobJournal.Replay(func(rec wal.Record) error {
		job, err := rec.Job()
		if err != nil {
			return err
		}
		s.jobs[job.ID] = job
		s.pending++
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("filestore: replay job journal: %w", err))
	}

	return s, nil
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
	if _, err := s.journal.Append(ev); err != nil {
		return err
	}
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

// UpsertJob appends the job to the job journal and updates the in-memory
// view only once the append succeeded. Every compactEvery upserts the whole
// table is written to the snapshot and the journal is emptied.
func (s *Store) UpsertJob(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if _, err := s.jobJournal.AppendJob(job); err != nil {
		return err
	}
	s.jobs[job.ID] = job.Clone()
	s.pending++

	if s.pending >= s.compactEvery {
		// the upsert is already durable; a failed compaction is retried on
		// the next upsert and reported by Close
		_ = s.compactLocked()
	}
	return nil
}

// compactLocked folds the job journal into the snapshot. Caller holds s.mu.
func (s *Store) compactLocked() error {
	if s.pending == 0 {
		return nil
	}
	if err := s.snapshot.Write(snapshot.Data{Jobs: s.jobs}); err != nil {
		return fmt.Errorf("filestore: compact: %w", err)
	}
	if err := s.jobJournal.Reset(); err != nil {
		return fmt.Errorf("filestore: compact: %w", err)
	}
	s.pending = 0
	s.compactions++
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
	if s.closed {
		return nil
	}
	s.closed = true
	compactErr := s.compactLocked()
	return errors.Join(compactErr, s.journal.Close(), s.jobJournal.Close())
}
