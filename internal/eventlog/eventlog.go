// Package eventlog is the append-only, per-job ordered record of everything
// that happens to a job. Every append is persisted before it is forwarded to
// live observers.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrPersistence wraps every durable write failure returned by Append.
var ErrPersistence = errors.New("eventlog: persistence write failed")

// DefaultStoreTimeout bounds a single durable write.
const DefaultStoreTimeout = 5 * time.Second

// Publisher receives persisted events. PublishEvent must not block.
type Publisher interface {
	PublishEvent(ev types.Event)
}

// AppendHook observes every persisted event while the job's sequence lock is
// still held, so hooks see events of one job in seq order.
type AppendHook func(ev types.Event)

// FailureRecorder counts persistence failures.
type FailureRecorder interface {
	RecordPersistenceFailure()
}

// jobLog holds the per-job sequence counter.
type jobLog struct {
	mu     sync.Mutex
	last   uint64
	loaded bool
}

// Log assigns sequence numbers and persists events.
type Log struct {
	store        storage.EventStore
	storeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	jobs map[types.JobID]*jobLog

	hookMu    sync.RWMutex
	publisher Publisher
	hook      AppendHook
	failures  FailureRecorder
}

// Option configures a Log.
type Option func(*Log)

// WithStoreTimeout overrides DefaultStoreTimeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log writing to store.
func New(store storage.EventStore, opts ...Option) *Log {
	l := &Log{
		store:        store,
		storeTimeout: DefaultStoreTimeout,
		logger:       slog.Default(),
		now:          time.Now,
		jobs:         make(map[types.JobID]*jobLog),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPublisher sets where persisted events are forwarded.
func (l *Log) SetPublisher(p Publisher) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.publisher = p
}

// SetAppendHook installs the hook run after each successful append.
func (l *Log) SetAppendHook(h AppendHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.hook = h
}

// SetFailureRecorder installs a counter for persistence failures.
func (l *Log) SetFailureRecorder(r FailureRecorder) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.failures = r
}

func (l *Log) jobLog(jobID types.JobID) *jobLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	jl, ok := l.jobs[jobID]
	if !ok {
		jl = &jobLog{}
		l.jobs[jobID] = jl
	}
	return jl
}

// Append assigns the next sequence number, persists the event and forwards
// it. A failed write leaves the sequence untouched and returns an error
// wrapping ErrPersistence.
func (l *Log) Append(ctx context.Context, jobID types.JobID, kind types.EventKind, message string, details map[string]any) (types.Event, error) {
	jl := l.jobLog(jobID)
	jl.mu.Lock()
	defer jl.mu.Unlock()

	if !jl.loaded {
		if err := l.recover(ctx, jobID, jl); err != nil {
			l.recordFailure()
			return types.Event{}, fmt.Errorf("%w: recover sequence of job %s: %v", ErrPersistence, jobID, err)
		}
	}

	// live subscribers and replays see the same details shape
	normalized, err := types.NormalizeDetails(details)
	if err != nil {
		return types.Event{}, fmt.Errorf("eventlog: encode details of %s event: %w", kind, err)
	}
	ev := types.Event{
		JobID:     jobID,
		Seq:       jl.last + 1,
		Kind:      kind,
		Timestamp: l.now().UTC(),
		Message:   message,
		Details:   normalized,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
	err = l.store.AppendEvent(writeCtx, ev)
	cancel()
	if err != nil {
		l.recordFailure()
		l.logger.Error("event persistence failed", "jobID", jobID, "kind", kind, "seq", ev.Seq, "error", err)
		return types.Event{}, fmt.Errorf("%w: job %s seq %d: %v", ErrPersistence, jobID, ev.Seq, err)
	}
	jl.last = ev.Seq

	l.hookMu.RLock()
	hook, publisher := l.hook, l.publisher
	l.hookMu.RUnlock()

	if hook != nil {
		hook(ev)
	}
	if publisher != nil {
		publisher.PublishEvent(ev)
	}
	return ev, nil
}

// recover loads the last persisted seq so a restarted process continues the
// sequence instead of restarting at 1.
func (l *Log) recover(ctx context.Context, jobID types.JobID, jl *jobLog) error {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
	defer cancel()
	last, err := storage.LastSeq(readCtx, l.store, jobID)
	if err != nil {
		return err
	}
	jl.last = last
	jl.loaded = true
	return nil
}

// Replay returns the persisted events of jobID with Seq > since, ascending.
func (l *Log) Replay(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error) {
	readCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	events, err := l.store.ListEventsSince(readCtx, jobID, since)
	if err != nil {
		return nil, fmt.Errorf("replay job %s: %w", jobID, err)
	}
	return events, nil
}

// LastSeq returns the last sequence number assigned in this process.
func (l *Log) LastSeq(jobID types.JobID) uint64 {
	l.mu.Lock()
	jl, ok := l.jobs[jobID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	jl.mu.Lock()
	defer jl.mu.Unlock()
	return jl.last
}

// Forget drops the in-memory counter of an evicted job. The persisted
// history is untouched.
func (l *Log) Forget(jobID types.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jobID)
}

func (l *Log) recordFailure() {
	l.hookMu.RLock()
	r := l.failures
	l.hookMu.RUnlock()
	if r != nil {
		r.RecordPersistenceFailure()
	}
}
