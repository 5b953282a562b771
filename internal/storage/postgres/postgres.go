// Package postgres is the PostgreSQL storage backend (pgx connection pool).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS docflow_events (
	job_id     TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	kind       TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	message    TEXT        NOT NULL DEFAULT '',
	details    JSONB,
	PRIMARY KEY (job_id, seq)
);
CREATE TABLE IF NOT EXISTS docflow_jobs (
	id         TEXT        PRIMARY KEY,
	owner      TEXT        NOT NULL,
	status     TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS docflow_jobs_owner_idx ON docflow_jobs (owner);
`

// ErrDuplicateEvent is returned when (job_id, seq) already exists.
var ErrDuplicateEvent = errors.New("postgres: duplicate event")

// Store is a pgxpool backed store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("postgres store connected")
	return s, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var details []byte
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO docflow_events (job_id, seq, kind, ts, message, details) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(ev.JobID), int64(ev.Seq), string(ev.Kind), ev.Timestamp, ev.Message, details)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job=%s seq=%d", ErrDuplicateEvent, ev.JobID, ev.Seq)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsSince(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, ts, message, details FROM docflow_events WHERE job_id = $1 AND seq > $2 ORDER BY seq`,
		string(jobID), int64(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			seq     int64
			kind    string
			ev      types.Event
			details []byte
		)
		if err := rows.Scan(&seq, &kind, &ev.Timestamp, &ev.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.JobID = jobID
		ev.Seq = uint64(seq)
		ev.Kind = types.EventKind(kind)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) UpsertJob(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO docflow_jobs (id, owner, status, data, updated_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = now()`,
		string(job.ID), job.Owner, string(job.Status), data)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM docflow_jobs WHERE id = $1`, string(id)).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Job{}, storage.ErrNotFound
		}
		return types.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return types.Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
