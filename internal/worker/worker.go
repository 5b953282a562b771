// ============================================================================
// docflow Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine that owns a job for its entire run
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait, or exit on stopCh)
//   2. Run the handler (fallback controller for that job)
//   3. Send result to resultCh
//
// A panic inside the handler is turned into Result.Err so the job is still
// finalized and the worker keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/docflow/internal/fallback"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging
	taskCh   <-chan Task     // Task channel (read-only, unbuffered)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // closed when the pool stops accepting work
	doneCh   <-chan struct{} // closed when Stop returned; later results are dropped
	ctx      context.Context // cancelled on forced shutdown
	handler  Handler
	busy     *atomic.Int32
	logger   *slog.Logger
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		// stop has priority over a task offered at the same moment
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.busy.Add(1)
			result := w.execute(task)
			w.busy.Add(-1)
			select {
			case w.resultCh <- result:
			case <-w.doneCh:
				w.logger.Warn("dropping result of abandoned worker", "worker", w.id, "jobID", result.JobID)
				return
			}
		}
	}
}

// execute runs the handler for one task
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.JobID = task.JobID

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", "worker", w.id, "jobID", task.JobID, "panic", r, "stack", string(debug.Stack()))
			result.Outcome = fallback.Outcome{}
			result.Err = fmt.Errorf("worker %d panic: %v", w.id, r)
		}
		result.Duration = time.Since(start)
	}()

	result.Outcome, result.Err = w.handler(w.ctx, task)
	return result
}
