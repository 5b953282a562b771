// Package storage defines the durable store behind the event log and the job
// registry. Backends live in sub-packages (memory, filestore, badger, postgres).
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/docflow/pkg/types"
)

var (
	// ErrNotFound is returned by GetJob when no snapshot exists for the id.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// EventStore persists the append-only event history of jobs.
//
// Event details come back from every driver in JSON shape (see
// types.NormalizeDetails): numbers are float64, slices []any and nested
// objects map[string]any, whatever Go types were appended.
type EventStore interface {
	// AppendEvent durably records ev. Events of one job arrive in seq order.
	AppendEvent(ctx context.Context, ev types.Event) error
	// ListEventsSince returns the events of jobID with Seq > since, ascending.
	ListEventsSince(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error)
}

// JobStore persists the latest snapshot of each job.
type JobStore interface {
	UpsertJob(ctx context.Context, job types.Job) error
	GetJob(ctx context.Context, id types.JobID) (types.Job, error)
}

// Store is the full durable store contract.
type Store interface {
	EventStore
	JobStore
	Close() error
}

// LastSeq returns the highest persisted sequence number of jobID, 0 if none.
func LastSeq(ctx context.Context, s EventStore, jobID types.JobID) (uint64, error) {
	events, err := s.ListEventsSince(ctx, jobID, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}
