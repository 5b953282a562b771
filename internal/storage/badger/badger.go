// Package badger is the embedded key-value storage backend built on
// badgerhold. Records are JSON encoded so event details keep their shape.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

// eventRecord keys are "<jobID>/<seq padded>" so an insert of a duplicate seq fails.
type eventRecord struct {
	Key   string `badgerhold:"key"`
	JobID string `badgerhold:"index"`
	Seq   uint64
	Event types.Event
}

type jobRecord struct {
	ID  string `badgerhold:"key"`
	Job types.Job
}

// Store wraps a badgerhold store.
type Store struct {
	store  *badgerhold.Store
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database directory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = badgerLogger{logger: logger.With("component", "badger")}
	options.Encoder = json.Marshal
	options.Decoder = json.Unmarshal

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	logger.Debug("badger store opened", "path", path)

	return &Store{store: store, logger: logger}, nil
}

// badgerLogger routes badger's internal logging into slog. Info and debug
// chatter from compactions is kept at debug level.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badgerdb.Logger = badgerLogger{}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func eventKey(jobID types.JobID, seq uint64) string {
	return fmt.Sprintf("%s/%020d", jobID, seq)
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := &eventRecord{
		Key:   eventKey(ev.JobID, ev.Seq),
		JobID: string(ev.JobID),
		Seq:   ev.Seq,
		Event: ev,
	}
	if err := s.store.Insert(rec.Key, rec); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsSince(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []eventRecord
	query := badgerhold.Where("JobID").Eq(string(jobID)).And("Seq").Gt(since).SortBy("Seq")
	if err := s.store.Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]types.Event, 0, len(records))
	for _, rec := range records {
		events = append(events, rec.Event)
	}
	return events, nil
}

func (s *Store) UpsertJob(ctx context.Context, job types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := &jobRecord{ID: string(job.ID), Job: job}
	if err := s.store.Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}
	var rec jobRecord
	if err := s.store.Get(string(id), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return types.Job{}, storage.ErrNotFound
		}
		return types.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return rec.Job, nil
}

func (s *Store) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
