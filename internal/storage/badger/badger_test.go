package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_EventsOrderedPerJob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now().UTC()
	// out-of-order inserts still come back sorted by seq
	for _, seq := range []uint64{2, 1, 3, 10} {
		require.NoError(t, s.AppendEvent(ctx, types.Event{
			JobID:     "job-a",
			Seq:       seq,
			Kind:      types.EventFallbackApplied,
			Timestamp: now,
			Details:   map[string]any{"tier": 2},
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, types.Event{JobID: "job-b", Seq: 1, Kind: types.EventJobAccepted}))

	events, err := s.ListEventsSince(ctx, "job-a", 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []uint64{2, 3, 10}, []uint64{events[0].Seq, events[1].Seq, events[2].Seq})
	assert.Equal(t, float64(2), events[0].Details["tier"])

	last, err := storage.LastSeq(ctx, s, "job-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)
}

func TestStore_DuplicateSeqRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ev := types.Event{JobID: "job-a", Seq: 1, Kind: types.EventJobAccepted}
	require.NoError(t, s.AppendEvent(ctx, ev))
	assert.Error(t, s.AppendEvent(ctx, ev))
}

func TestStore_JobUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	job := types.Job{ID: "job-a", Owner: "alice", Status: types.StatusQueued}
	require.NoError(t, s.UpsertJob(ctx, job))
	job.Status = types.StatusCompleted
	job.Result = &types.Result{OutputFilename: "a.pdf", Tier: 1}
	require.NoError(t, s.UpsertJob(ctx, job))

	got, err := s.GetJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "a.pdf", got.Result.OutputFilename)
}
