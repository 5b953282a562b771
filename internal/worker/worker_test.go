package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify bounded concurrency, idle-only hand-off, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/internal/fallback"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedHandler(context.Context, Task) (fallback.Outcome, error) {
	return fallback.Outcome{Status: types.StatusCompleted}, nil
}

// blockingHandler blocks every task until release is closed or ctx ends
type blockingHandler struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{})}
}

func (h *blockingHandler) handle(ctx context.Context, _ Task) (fallback.Outcome, error) {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-h.release:
		return fallback.Outcome{Status: types.StatusCompleted}, nil
	case <-ctx.Done():
		return fallback.Outcome{Status: types.StatusCancelled}, nil
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolStart_RejectsZeroWorkers(t *testing.T) {
	pool := NewPool(1, completedHandler, nil)
	assert.Error(t, pool.Start(0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	require.NoError(t, pool.Start(1))

	taskCount := 10
	go func() {
		for i := 0; i < taskCount; i++ {
			_ = pool.Submit(context.Background(), Task{JobID: types.JobID(fmt.Sprintf("task-%d", i))})
		}
	}()

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, types.StatusCompleted, r.Outcome.Status)
	}

	require.NoError(t, pool.Stop(context.Background()))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrencyIsBounded(t *testing.T) {
	h := newBlockingHandler()
	pool := NewPool(16, h.handle, nil)
	workerCount := 3
	require.NoError(t, pool.Start(workerCount))

	// the first N submissions are taken by idle workers
	for i := 0; i < workerCount; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{JobID: types.JobID(fmt.Sprintf("task-%d", i))}))
	}
	require.Eventually(t, func() bool { return pool.Busy() == workerCount }, time.Second, 5*time.Millisecond)

	// with every worker busy the next hand-off must wait
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := pool.Submit(ctx, Task{JobID: "overflow"})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(h.release)
	for i := 0; i < workerCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.Equal(t, int32(workerCount), h.peak.Load())

	require.NoError(t, pool.Stop(context.Background()))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, completedHandler, nil)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			err := pool.Submit(context.Background(), Task{JobID: types.JobID(fmt.Sprintf("task-%d", index))})
			assert.NoError(t, err)
		}(i)
	}

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(context.Background()))
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown_WaitsForRunningTasks(t *testing.T) {
	h := newBlockingHandler()
	pool := NewPool(4, h.handle, nil)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: "job-1"}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(h.release)
	}()
	require.NoError(t, pool.Stop(context.Background()))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Outcome.Status)

	_, err = pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

func TestGracefulShutdown_InterruptsAfterDeadline(t *testing.T) {
	h := newBlockingHandler()
	pool := NewPool(4, h.handle, nil)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: "job-1"}))
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, result.Outcome.Status)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	assert.NotPanics(t, func() {
		_ = pool.Stop(context.Background())
	})
}

func TestStopTwice(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Stop(context.Background()))
	assert.NoError(t, pool.Stop(context.Background()))
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	err := pool.Submit(context.Background(), Task{JobID: "task-before-start"})
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Stop(context.Background()))

	err := pool.Submit(context.Background(), Task{JobID: "task-after-stop"})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, completedHandler, nil)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Stop(context.Background()))

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

func TestWorkerPanicBecomesResultError(t *testing.T) {
	panicky := func(context.Context, Task) (fallback.Outcome, error) {
		panic("engine blew up")
	}
	pool := NewPool(1, panicky, nil)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: "job-1"}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-1"), result.JobID)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "engine blew up")

	// the worker survives the panic
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: "job-2"}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.Error(t, result.Err)

	require.NoError(t, pool.Stop(context.Background()))
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, completedHandler, nil)
	_ = pool.Start(8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(context.Background(), Task{JobID: types.JobID(fmt.Sprintf("task-%d", i))})
	}
	b.StopTimer()
	_ = pool.Stop(context.Background())
	<-done
}

func TestStop_AbandonsHandlerIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := func(context.Context, Task) (fallback.Outcome, error) {
		<-release
		return fallback.Outcome{Status: types.StatusCompleted}, nil
	}
	pool := NewPool(1, stubborn, nil)
	pool.SetAbandonTimeout(30 * time.Millisecond)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(context.Background(), Task{JobID: "job-1"}))
	require.Eventually(t, func() bool { return pool.Busy() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	_, err = pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}
