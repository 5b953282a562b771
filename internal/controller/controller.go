// ============================================================================
// docflow 任務註冊中心 (Job Registry) - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 任務存在性與狀態的唯一來源；唯一可以建立或終止任務的元件
//
// 架構設計:
//   Registry 協調以下組件：
//   - JobManager: 任務表 + 狀態機 + pending FIFO
//   - Event Log: 每個任務有序、無缺號的事件紀錄（先寫 store 再廣播）
//   - Broadcast Hub: 即時通知訂閱者
//   - Worker Pool: 有界並發，每個任務由單一 worker 擁有
//   - Fallback Controller: 在 worker 內驅動轉換引擎的三層降級
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 被 Submit 喚醒，從 pending 隊列取任務交給空閒 worker
//   2. Result Loop - 接收 worker 的 Outcome，套用終止狀態
//
// 狀態轉換規則:
//   - 每次轉換恰好發出一個生命週期事件，只有贏得轉換的呼叫者會發出
//   - 每次轉換後把任務快照 upsert 到 durable store
//   - queued 任務被取消時由 Cancel 直接終止，從不呼叫轉換引擎
//
// 關閉流程:
//   1. 拒絕新的 Submit
//   2. 停止 dispatch loop
//   3. 等待 worker 完成（超過 ShutdownTimeout 則中斷執行中的轉換）
//   4. result loop 取完所有結果後退出
//   5. 仍在 queued 的任務以 shutdown 原因終止
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/internal/eventlog"
	"github.com/ChuLiYu/docflow/internal/fallback"
	"github.com/ChuLiYu/docflow/internal/jobmanager"
	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/internal/worker"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidConfiguration 表示提交的設定不一致或不合法
	ErrInvalidConfiguration = errors.New("invalid job configuration")
	// ErrJobNotFound 表示任務不存在（記憶體與 durable store 都沒有）
	ErrJobNotFound = jobmanager.ErrJobNotFound
	// ErrForbidden 表示請求者既不是擁有者也不是管理者
	ErrForbidden = errors.New("requester is not allowed to act on job")
	// ErrRegistryClosed 表示 Registry 已關閉
	ErrRegistryClosed = errors.New("registry is closed")
	// ErrNotTerminal 表示任務尚未終止，不能被移除
	ErrNotTerminal = errors.New("job is not terminal")

	// errNotRunnable 表示 worker 接手時任務已不是 queued
	errNotRunnable = errors.New("job is no longer queued")
)

// Default values applied by NewRegistry.
const (
	DefaultWorkerCount     = 4
	DefaultDeadline        = 10 * time.Minute
	DefaultStoreTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Runner drives one job to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, job types.Job, token fallback.CancelToken, emit fallback.Emitter) fallback.Outcome
}

// Metrics receives registry level counters. All methods must be cheap.
type Metrics interface {
	JobSubmitted()
	JobFinished(status types.Status, elapsed time.Duration)
	JobEvicted()
	RecordPersistenceFailure()
}

// Config Registry 配置
type Config struct {
	WorkerCount     int           // Worker 數量
	DefaultDeadline time.Duration // 未指定 deadline 時使用
	StoreTimeout    time.Duration // 每次 UpsertJob / GetJob 的上限
	ShutdownTimeout time.Duration // Stop 等待執行中任務的上限
	Logger          *slog.Logger
	Metrics         Metrics
}

// Registry 任務註冊中心
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics
	jobs     *jobmanager.JobManager
	store    storage.JobStore
	events   *eventlog.Log
	hub      *broadcast.Hub
	runner   Runner
	pool     *worker.Pool
	validate *validator.Validate
	now      func() time.Time

	wakeCh chan struct{}  // dispatch loop 喚醒訊號（容量 1）
	stopCh chan struct{}  // 停止訊號
	loopWg sync.WaitGroup // 等待所有循環退出

	mu      sync.Mutex
	started bool
	stopped bool
}

// ============================================================================
// 建構與生命週期
// ============================================================================

// NewRegistry 建立 Registry，並把自己接到 Event Log 與 Hub 上：
// append hook 記錄事件參照，Hub 以 Registry 判斷擁有者、以 Event Log 重播歷史。
func NewRegistry(cfg Config, store storage.JobStore, events *eventlog.Log, hub *broadcast.Hub, runner Runner) *Registry {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultDeadline
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = nopMetrics{}
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		jobs:     jobmanager.NewJobManager(),
		store:    store,
		events:   events,
		hub:      hub,
		runner:   runner,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	// fails only on a malformed tag name
	if err := types.RegisterValidations(r.validate); err != nil {
		panic(err)
	}
	r.pool = worker.NewPool(cfg.WorkerCount, r.runJob, logger)
	r.pool.SetAbandonTimeout(cfg.ShutdownTimeout)

	events.SetAppendHook(r.recordEvent)
	events.SetPublisher(hub)
	hub.SetAuthorizer(r)
	hub.SetReplayer(events)
	return r
}

// Start 啟動 worker pool 與兩個核心循環
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRegistryClosed
	}
	if r.started {
		return errors.New("registry already started")
	}

	if err := r.pool.Start(r.cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	r.started = true

	r.loopWg.Add(2)
	go r.dispatchLoop()
	go r.resultLoop()
	// jobs submitted before Start are already pending
	r.wake()

	r.logger.Info("registry started", "workers", r.cfg.WorkerCount)
	return nil
}

// Stop 優雅關閉 Registry。回傳非 nil 表示有執行中的任務被強制中斷。
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	r.logger.Info("stopping registry")

	var err error
	if started {
		close(r.stopCh)

		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		err = r.pool.Stop(stopCtx)
		cancel()

		// resultLoop exits after draining the closed result channel
		r.loopWg.Wait()
	}

	r.finalizeLeftovers()
	r.logger.Info("registry stopped")
	return err
}

func (r *Registry) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// wake 非阻塞地喚醒 dispatch loop
func (r *Registry) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 公開操作
// ============================================================================

// Submit 驗證設定、建立 queued 任務並排入佇列。不會等待轉換。
func (r *Registry) Submit(ctx context.Context, cfg types.Configuration, in types.InputDescriptor, owner string) (types.JobID, error) {
	if r.isStopped() {
		return "", ErrRegistryClosed
	}
	cfg, err := r.normalize(cfg, in, owner)
	if err != nil {
		return "", err
	}

	job := types.Job{
		ID:        types.JobID(uuid.NewString()),
		Owner:     owner,
		Input:     in,
		Config:    cfg,
		Status:    types.StatusQueued,
		Events:    []types.EventRef{},
		CreatedAt: r.now().UTC(),
	}
	entry, err := r.jobs.Register(job)
	if err != nil {
		return "", fmt.Errorf("failed to register job: %w", err)
	}

	r.emit(ctx, entry, types.EventJobAccepted, lifecycleMessage(job), lifecycleDetails(job))
	r.persist(ctx, entry)
	r.metrics.JobSubmitted()

	if err := r.jobs.Push(job.ID); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	r.wake()

	r.logger.Info("job submitted", "jobID", job.ID, "owner", owner, "filename", in.Filename, "deadline", cfg.Deadline)
	return job.ID, nil
}

// normalize 套用預設值並驗證設定的一致性
func (r *Registry) normalize(cfg types.Configuration, in types.InputDescriptor, owner string) (types.Configuration, error) {
	if owner == "" {
		return cfg, fmt.Errorf("%w: owner is required", ErrInvalidConfiguration)
	}
	if cfg.Compression == "" {
		cfg.Compression = types.CompressionStandard
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = r.cfg.DefaultDeadline
	}
	cfg.OCRLanguages = types.SplitOCRLanguages(cfg.OCRLanguages)

	if err := r.validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := r.validate.Struct(in); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if cfg.OCREnabled && len(cfg.OCRLanguages) == 0 {
		return cfg, fmt.Errorf("%w: ocr_languages must not be empty when OCR is enabled", ErrInvalidConfiguration)
	}
	return cfg, nil
}

// Cancel 設定合作式取消旗標，回傳是否為第一次設定。
// queued 任務立即終止為 cancelled；processing 任務在下一個 checkpoint 結束。
func (r *Registry) Cancel(ctx context.Context, jobID types.JobID, requester broadcast.Principal) (bool, error) {
	entry, ok := r.jobs.Get(jobID)
	if !ok {
		job, err := r.loadJob(ctx, jobID)
		if err != nil {
			return false, err
		}
		if !requester.Admin && job.Owner != requester.ID {
			return false, ErrForbidden
		}
		// evicted jobs are always terminal
		return false, nil
	}

	if owner := entry.Snapshot().Owner; !requester.Admin && owner != requester.ID {
		return false, ErrForbidden
	}
	if !entry.RequestCancel(types.CancelByUser) {
		return false, nil
	}
	r.logger.Info("cancellation requested", "jobID", jobID, "requester", requester.ID, "status", entry.Status())
	r.persist(ctx, entry)

	if entry.Status() == types.StatusQueued {
		r.finalizeQueued(ctx, entry)
	}
	return true, nil
}

// Query 回傳任務快照；已移出記憶體的任務從 durable store 讀取
func (r *Registry) Query(ctx context.Context, jobID types.JobID) (types.Job, error) {
	if job, err := r.jobs.Snapshot(jobID); err == nil {
		return job, nil
	}
	return r.loadJob(ctx, jobID)
}

// ListForOwner 回傳 owner 的所有任務快照，由新到舊
func (r *Registry) ListForOwner(owner string) []types.Job {
	return r.jobs.List(func(j types.Job) bool { return j.Owner == owner })
}

// List 回傳符合條件的任務快照，由新到舊；match 為 nil 時回傳全部
func (r *Registry) List(match func(types.Job) bool) []types.Job {
	return r.jobs.List(match)
}

// OwnerOf 實作 broadcast.Authorizer
func (r *Registry) OwnerOf(jobID types.JobID) (string, error) {
	if job, err := r.jobs.Snapshot(jobID); err == nil {
		return job.Owner, nil
	}
	job, err := r.loadJob(context.Background(), jobID)
	if err != nil {
		return "", err
	}
	return job.Owner, nil
}

// Stats 取得各狀態任務數量
func (r *Registry) Stats() map[types.Status]int {
	return r.jobs.Stats()
}

// QueueDepth 回傳等待 worker 的任務數
func (r *Registry) QueueDepth() int {
	return r.jobs.PendingCount()
}

// Retained 回傳記憶體中的任務數（含終止態）
func (r *Registry) Retained() int {
	return r.jobs.Len()
}

// Replay 回傳 jobID 中 seq > since 的事件
func (r *Registry) Replay(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error) {
	return r.events.Replay(ctx, jobID, since)
}

func (r *Registry) loadJob(ctx context.Context, jobID types.JobID) (types.Job, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	job, err := r.store.GetJob(readCtx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Job{}, ErrJobNotFound
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// ============================================================================
// Reaper 使用的操作
// ============================================================================

// Emit 以 Registry 的名義為 jobID 記錄一個事件
func (r *Registry) Emit(ctx context.Context, jobID types.JobID, kind types.EventKind, message string, details map[string]any) error {
	entry, ok := r.jobs.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	r.emit(ctx, entry, kind, message, details)
	return nil
}

// ExpireJob 以 deadline 原因設定取消旗標並發出 job_timeout。
// queued 任務立即終止為 timed_out。回傳旗標是否為第一次設定。
func (r *Registry) ExpireJob(ctx context.Context, jobID types.JobID, message string, details map[string]any) (bool, error) {
	entry, ok := r.jobs.Get(jobID)
	if !ok {
		return false, ErrJobNotFound
	}
	if !entry.RequestCancel(types.CancelByDeadline) {
		return false, nil
	}
	r.emit(ctx, entry, types.EventJobTimeout, message, details)
	r.persist(ctx, entry)

	if entry.Status() == types.StatusQueued {
		r.finalizeQueued(ctx, entry)
	}
	return true, nil
}

// ForceTimeout 強制把未終止的任務轉為 timed_out，並釋放執行中的引擎呼叫。
// 任務已終止時回傳 false。
func (r *Registry) ForceTimeout(ctx context.Context, jobID types.JobID) (bool, error) {
	entry, ok := r.jobs.Get(jobID)
	if !ok {
		return false, ErrJobNotFound
	}
	desc := &types.ErrorDescriptor{
		Category: types.CategoryTimeout,
		Reason:   types.ReasonDeadline,
		Message:  "job did not stop within the grace period after its deadline",
	}
	_, err := r.transition(ctx, entry, types.StatusTimedOut, func(j *types.Job) { j.Error = desc })
	if err != nil {
		if errors.Is(err, jobmanager.ErrIllegalTransition) && entry.Status().Terminal() {
			return false, nil
		}
		r.logger.Error("forced timeout rejected", "jobID", jobID, "error", err)
		return false, err
	}
	entry.ReleaseRun()
	r.logger.Warn("job forcibly timed out", "jobID", jobID)
	return true, nil
}

// Evict 把終止任務移出記憶體、Hub 與 Event Log 計數器；durable store 不受影響
func (r *Registry) Evict(ctx context.Context, jobID types.JobID) error {
	entry, ok := r.jobs.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	if !entry.Status().Terminal() {
		return ErrNotTerminal
	}
	r.persist(ctx, entry)
	r.jobs.Remove(jobID)
	r.hub.CloseJob(jobID)
	r.events.Forget(jobID)
	r.metrics.JobEvicted()
	r.logger.Debug("job evicted", "jobID", jobID)
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 把 pending 任務交給空閒 worker
//
// pool.Submit 阻塞直到有 worker 空閒，因此其餘任務保持 queued。
func (r *Registry) dispatchLoop() {
	defer r.loopWg.Done()

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("dispatch loop stopped")
			return
		case <-r.wakeCh:
		}

		for entry := r.jobs.PopPending(); entry != nil; entry = r.jobs.PopPending() {
			// cancelled or expired while waiting
			if entry.Status() != types.StatusQueued {
				continue
			}
			if entry.CancelRequested() {
				r.finalizeQueued(context.Background(), entry)
				continue
			}
			if err := r.pool.Submit(context.Background(), worker.Task{JobID: entry.ID()}); err != nil {
				if !errors.Is(err, worker.ErrPoolClosed) {
					r.logger.Error("failed to hand job to worker", "jobID", entry.ID(), "error", err)
				}
				// the job stays queued and is finalized by Stop
				r.logger.Info("dispatch loop stopped")
				return
			}
		}
	}
}

// resultLoop 處理 worker 回傳的 Outcome，直到 pool 關閉且結果取完
func (r *Registry) resultLoop() {
	defer r.loopWg.Done()
	for {
		result, err := r.pool.ReceiveResult()
		if err != nil {
			r.logger.Info("result loop stopped")
			return
		}
		r.handleResult(result)
	}
}

// runJob 是 worker 的 handler：取得任務所有權並執行 fallback controller
func (r *Registry) runJob(ctx context.Context, task worker.Task) (fallback.Outcome, error) {
	entry, ok := r.jobs.Get(task.JobID)
	if !ok {
		return fallback.Outcome{}, fmt.Errorf("job %s: %w", task.JobID, ErrJobNotFound)
	}
	if entry.CancelRequested() {
		r.finalizeQueued(ctx, entry)
		return fallback.Outcome{}, errNotRunnable
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry.SetRunCancel(cancel)
	defer entry.ReleaseRun()

	if _, err := r.transition(ctx, entry, types.StatusProcessing, nil); err != nil {
		return fallback.Outcome{}, fmt.Errorf("%w: %v", errNotRunnable, err)
	}

	job := entry.Snapshot()
	return r.runner.Run(runCtx, job, entry, &jobEmitter{r: r, entry: entry}), nil
}

// handleResult 套用單個任務的終止狀態
func (r *Registry) handleResult(result worker.Result) {
	ctx := context.Background()
	entry, ok := r.jobs.Get(result.JobID)
	if !ok {
		r.logger.Warn("result for unknown job", "jobID", result.JobID)
		return
	}

	outcome := result.Outcome
	switch {
	case errors.Is(result.Err, errNotRunnable):
		r.logger.Debug("job skipped by worker", "jobID", result.JobID, "reason", result.Err)
		return
	case result.Err != nil:
		r.logger.Error("worker failed to run job", "jobID", result.JobID, "error", result.Err)
		outcome = fallback.Outcome{
			Status: types.StatusFailed,
			Error: &types.ErrorDescriptor{
				Category: types.CategoryEngine,
				Reason:   types.ReasonEngine,
				Message:  result.Err.Error(),
			},
		}
	}

	_, err := r.transition(ctx, entry, outcome.Status, func(j *types.Job) {
		j.Result = outcome.Result
		j.Error = outcome.Error
		if outcome.Status == types.StatusCompleted {
			j.Progress.Percentage = 100
			j.Progress.Step = "done"
		}
	})
	if err != nil {
		if errors.Is(err, jobmanager.ErrIllegalTransition) && entry.Status() == types.StatusTimedOut {
			// the reaper forced timed_out while the engine call was still running
			r.logger.Info("job already timed out, dropping worker outcome", "jobID", result.JobID, "outcome", outcome.Status)
			return
		}
		r.logger.Error("failed to apply job outcome", "jobID", result.JobID, "outcome", outcome.Status, "error", err)
		return
	}

	attrs := []any{"jobID", result.JobID, "status", outcome.Status, "attempts", len(outcome.Attempts), "duration", result.Duration}
	if outcome.Error != nil {
		attrs = append(attrs, "category", outcome.Error.Category, "reason", outcome.Error.Reason)
	}
	r.logger.Info("job finished", attrs...)
}

// finalizeQueued 終止一個從未開始的任務（取消或 deadline）
func (r *Registry) finalizeQueued(ctx context.Context, entry *jobmanager.Entry) {
	to, desc := types.StatusCancelled, &types.ErrorDescriptor{
		Category: types.CategoryCancellation,
		Reason:   types.ReasonUserCancel,
		Message:  "job cancelled before it started",
	}
	if entry.CancelReason() == types.CancelByDeadline {
		to, desc = types.StatusTimedOut, &types.ErrorDescriptor{
			Category: types.CategoryTimeout,
			Reason:   types.ReasonDeadline,
			Message:  "job exceeded its deadline before it started",
		}
	}
	if _, err := r.transition(ctx, entry, to, func(j *types.Job) { j.Error = desc }); err != nil {
		// lost the race against a worker or a second finalizer
		r.logger.Debug("queued job already left queued state", "jobID", entry.ID(), "error", err)
	}
}

// finalizeLeftovers 在關閉時終止仍未開始的任務
func (r *Registry) finalizeLeftovers() {
	ctx := context.Background()
	for r.jobs.PopPending() != nil {
	}
	desc := &types.ErrorDescriptor{
		Category: types.CategoryCancellation,
		Reason:   types.ReasonShutdown,
		Message:  "registry shut down before the job started",
	}
	for _, job := range r.jobs.List(func(j types.Job) bool { return j.Status == types.StatusQueued }) {
		entry, ok := r.jobs.Get(job.ID)
		if !ok {
			continue
		}
		if _, err := r.transition(ctx, entry, types.StatusCancelled, func(j *types.Job) { j.Error = desc }); err != nil {
			r.logger.Debug("leftover job already finalized", "jobID", job.ID, "error", err)
		}
	}
}

// ============================================================================
// 狀態轉換 / 事件 / 持久化
// ============================================================================

// transition 套用狀態轉換；只有贏家會發出生命週期事件並寫入 store
func (r *Registry) transition(ctx context.Context, entry *jobmanager.Entry, to types.Status, mutate func(*types.Job)) (types.Job, error) {
	job, err := entry.Transition(to, r.now().UTC(), mutate)
	if err != nil {
		return job, err
	}

	r.emit(ctx, entry, types.LifecycleEvent(to), lifecycleMessage(job), lifecycleDetails(job))
	r.persist(ctx, entry)

	if to.Terminal() {
		start := job.StartedAt
		if start.IsZero() {
			start = job.CreatedAt
		}
		r.metrics.JobFinished(to, job.FinishedAt.Sub(start))
	}
	return job, nil
}

// emit 寫入事件；寫入失敗不影響任務，只標記 observability degraded
func (r *Registry) emit(ctx context.Context, entry *jobmanager.Entry, kind types.EventKind, message string, details map[string]any) {
	if _, err := r.events.Append(ctx, entry.ID(), kind, message, details); err != nil {
		entry.MarkDegraded()
		r.logger.Warn("event not recorded, observability degraded", "jobID", entry.ID(), "kind", kind, "error", err)
	}
}

// recordEvent 是 Event Log 的 append hook，在該任務的事件鎖內執行
func (r *Registry) recordEvent(ev types.Event) {
	if entry, ok := r.jobs.Get(ev.JobID); ok {
		entry.RecordEvent(types.EventRef{Seq: ev.Seq, Kind: ev.Kind})
	}
}

// persist 把最新快照寫入 durable store
func (r *Registry) persist(ctx context.Context, entry *jobmanager.Entry) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	err := entry.Persist(func(job types.Job) error {
		return r.store.UpsertJob(writeCtx, job)
	})
	if err != nil {
		entry.MarkDegraded()
		r.metrics.RecordPersistenceFailure()
		r.logger.Error("job snapshot not persisted", "jobID", entry.ID(), "error", err)
	}
}

// ============================================================================
// fallback.Emitter 實作
// ============================================================================

type jobEmitter struct {
	r     *Registry
	entry *jobmanager.Entry
}

func (e *jobEmitter) Emit(ctx context.Context, kind types.EventKind, message string, details map[string]any) {
	e.r.emit(ctx, e.entry, kind, message, details)
}

// Progress 更新任務進度並（節流後）推送給訂閱者；不寫入 store
func (e *jobEmitter) Progress(p types.Progress) {
	if applied, ok := e.entry.UpdateProgress(p, e.r.now().UTC()); ok {
		e.r.hub.PublishProgress(e.entry.ID(), applied)
	}
}

type nopMetrics struct{}

func (nopMetrics) JobSubmitted()                          {}
func (nopMetrics) JobFinished(types.Status, time.Duration) {}
func (nopMetrics) JobEvicted()                            {}
func (nopMetrics) RecordPersistenceFailure()              {}
