// ============================================================================
// docflow Worker Pool - 有界並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行（最多 N 個任務同時執行）
//   2. taskCh 為無緩衝 channel：Submit 只有在某個 Worker 空閒時才會成功，
//      其餘任務留在 jobmanager 的 pending 佇列並保持 queued 狀態
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Registry    │ --Submit()--> taskCh (unbuffered)
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 優雅關閉:
//   Stop(ctx) 流程：
//   1. 關閉 stopCh，不再接受新任務（taskCh 永不關閉，Submit 不會 panic）
//   2. 等待 Worker 完成目前任務
//   3. ctx 到期仍未完成時取消 Worker 的 context，強迫 handler 返回
//   4. 取消後最多再等 abandonAfter；仍未返回的 Worker 被放棄（只記錄日誌）
//   5. 關閉 doneCh：ReceiveResult 取完緩衝結果後回傳 ErrPoolClosed，
//      被放棄的 Worker 之後的結果直接丟棄（resultCh 永不關閉）
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// DefaultAbandonTimeout bounds the wait for handlers after their context was cancelled.
const DefaultAbandonTimeout = 2 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	handler  Handler
	taskCh   chan Task     // 無緩衝，只交給空閒 Worker
	resultCh chan Result   // 結果通道，永不關閉
	stopCh   chan struct{} // 停止訊號
	doneCh   chan struct{} // Stop 結束後關閉
	ctx      context.Context
	cancel   context.CancelFunc
	busy     atomic.Int32
	logger   *slog.Logger
	wg       sync.WaitGroup

	abandonAfter time.Duration
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - resultBuffer: 結果通道的緩衝大小
//   - handler: 每個任務的執行邏輯
func NewPool(resultBuffer int, handler Handler, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		handler:  handler,
		taskCh:   make(chan Task),
		resultCh: make(chan Result, resultBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,

		abandonAfter: DefaultAbandonTimeout,
	}
}

// SetAbandonTimeout sets how long Stop waits for handlers that ignore their
// cancelled context. Must be called before Start.
func (p *Pool) SetAbandonTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.abandonAfter = d
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := &Worker{
			id:       i,
			taskCh:   p.taskCh,
			resultCh: p.resultCh,
			stopCh:   p.stopCh,
			doneCh:   p.doneCh,
			ctx:      p.ctx,
			handler:  p.handler,
			busy:     &p.busy,
			logger:   p.logger,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 把任務交給一個空閒 Worker，阻塞直到有 Worker 接手
//
// 回傳 ErrPoolClosed（Pool 停止中）或 ctx.Err()（呼叫者放棄等待）。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果；Stop 結束且結果取完後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.doneCh:
	}
	select {
	case result := <-p.resultCh:
		return result, nil
	default:
		return Result{}, ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
//
// 等待執行中的任務最多到 ctx 到期；之後取消 Worker context 再等待 handler 返回。
// 回傳值表示是否需要強制中斷（ctx.Err()）。
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("worker pool stop deadline reached, interrupting running jobs", "busy", p.Busy())
		p.cancel()

		timer := time.NewTimer(p.abandonAfter)
		select {
		case <-done:
		case <-timer.C:
			p.logger.Error("abandoning workers that ignored cancellation", "busy", p.Busy(), "waited", p.abandonAfter)
		}
		timer.Stop()
	}
	p.cancel()

	close(p.doneCh)
	return err
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy 返回正在執行任務的 Worker 數量
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
