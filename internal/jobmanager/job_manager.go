// ============================================================================
// docflow 任務管理器 - 任務表與狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有活躍任務，並強制執行狀態轉換規則
//
// 任務狀態轉換 (State Machine):
//   queued (待處理)
//      ↓ 由 dispatcher 交給空閒 worker
//   processing (執行中)
//      ↓
//   completed / failed / cancelled / timed_out (終止狀態)
//
//   queued 也可以直接進入 cancelled 或 timed_out（從未啟動）。
//   終止狀態之後不允許任何轉換，違規回傳 *TransitionError。
//
// 並發安全:
//   - JobManager.mu 只保護 map 結構與 pending 佇列（存在性）
//   - 每個 Entry 自帶 mutex 保護欄位狀態
//   - 取消旗標為 atomic.Bool，checkpoint 讀取不需加鎖
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法狀態轉換
	ErrIllegalTransition = errors.New("illegal status transition")
)

// TransitionError 描述一次被拒絕的狀態轉換
type TransitionError struct {
	JobID types.JobID
	From  types.Status
	To    types.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// CanTransition 回報 from -> to 是否合法
func CanTransition(from, to types.Status) bool {
	switch from {
	case types.StatusQueued:
		switch to {
		case types.StatusProcessing, types.StatusCancelled, types.StatusTimedOut:
			return true
		}
	case types.StatusProcessing:
		switch to {
		case types.StatusCompleted, types.StatusFailed, types.StatusCancelled, types.StatusTimedOut:
			return true
		}
	}
	return false
}

// ============================================================================
// Entry：單一任務
// ============================================================================

// Entry 是任務表中的一筆記錄
type Entry struct {
	id        types.JobID
	mu        sync.Mutex
	job       types.Job
	cancel    atomic.Bool
	runCancel context.CancelFunc

	// persistMu 讓同一任務的 store 寫入依序進行
	persistMu sync.Mutex
}

// ID 回傳任務 ID（建立後不變，不需加鎖）
func (e *Entry) ID() types.JobID {
	return e.id
}

// Snapshot 回傳深拷貝
func (e *Entry) Snapshot() types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// Persist 在寫入鎖內取最新快照交給 write
//
// 快照在鎖內才取，所以後一次寫入的狀態永遠不舊於前一次，
// 慢的寫入不會把較新的快照覆蓋回舊版本。
func (e *Entry) Persist(write func(types.Job) error) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return write(e.Snapshot())
}

// Status 回傳目前狀態
func (e *Entry) Status() types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Status
}

// Transition 套用狀態轉換，mutate 在同一把鎖內修改其他欄位
//
// 只有贏得轉換的呼叫者會拿到 nil error，因此每個轉換只會發出一次生命週期事件。
func (e *Entry) Transition(to types.Status, at time.Time, mutate func(*types.Job)) (types.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.job.Status
	if !CanTransition(from, to) {
		return e.job.Clone(), &TransitionError{JobID: e.job.ID, From: from, To: to}
	}

	e.job.Status = to
	switch {
	case to == types.StatusProcessing:
		e.job.StartedAt = at
		e.job.LastProgressAt = at
	case to.Terminal():
		e.job.FinishedAt = at
	}
	if mutate != nil {
		mutate(&e.job)
	}
	return e.job.Clone(), nil
}

// RequestCancel 設定取消旗標，回傳是否為第一次設定
func (e *Entry) RequestCancel(reason types.CancelReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return false
	}
	if !e.cancel.CompareAndSwap(false, true) {
		return false
	}
	e.job.CancelRequested = true
	e.job.CancelReason = reason
	return true
}

// CancelRequested 是 worker checkpoint 使用的快速讀取
func (e *Entry) CancelRequested() bool {
	return e.cancel.Load()
}

// CancelReason 回傳取消原因（未取消時為空字串）
func (e *Entry) CancelReason() types.CancelReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.CancelReason
}

// SetRunCancel 記錄執行中 context 的 cancel 函式
func (e *Entry) SetRunCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCancel = cancel
}

// ReleaseRun 取消執行中 context，釋放 adapter 持有的資源
func (e *Entry) ReleaseRun() {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UpdateProgress 更新進度；只在 processing 時生效，百分比不會倒退
func (e *Entry) UpdateProgress(p types.Progress, at time.Time) (types.Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != types.StatusProcessing {
		return e.job.Progress, false
	}
	if p.Percentage < e.job.Progress.Percentage {
		p.Percentage = e.job.Progress.Percentage
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	e.job.Progress = p
	e.job.LastProgressAt = at
	return p, true
}

// RecordEvent 附加事件參照，序號必須嚴格遞增
func (e *Entry) RecordEvent(ref types.EventRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ref.Seq <= e.job.LastSeq() {
		return
	}
	e.job.Events = append(e.job.Events, ref)
}

// MarkDegraded 標記可觀測性降級（事件寫入失敗）
func (e *Entry) MarkDegraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.ObservabilityDegraded = true
}

// ============================================================================
// JobManager：任務表
// ============================================================================

// JobManager 代表任務管理器
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*Entry // 所有活躍任務
	queue []types.JobID          // 待處理佇列（FIFO）
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*Entry),
		queue: make([]types.JobID, 0),
	}
}

// Register 只加入任務表，尚未排入佇列
//
// Registry 先登記任務、發出 job_accepted，再呼叫 Push，
// 確保 dispatcher 看到任務時 job_accepted 已經是第一個事件。
func (jm *JobManager) Register(job types.Job) (*Entry, error) {
	if job.Status != types.StatusQueued {
		return nil, &TransitionError{JobID: job.ID, From: job.Status, To: types.StatusQueued}
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return nil, ErrDuplicateJob
	}

	e := &Entry{id: job.ID, job: job.Clone()}
	jm.jobs[job.ID] = e
	return e, nil
}

// Push 將已登記的任務排入 pending 佇列尾端
func (jm *JobManager) Push(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, ok := jm.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	jm.queue = append(jm.queue, jobID)
	return nil
}

// PopPending 取出最早的待處理任務，跳過已被移除的 ID
func (jm *JobManager) PopPending() *Entry {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		jobID := jm.queue[0]
		jm.queue = jm.queue[1:]
		if e, ok := jm.jobs[jobID]; ok {
			return e
		}
	}
	return nil
}

// PendingCount 回傳佇列長度
func (jm *JobManager) PendingCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue)
}

// Get 取得任務
func (jm *JobManager) Get(jobID types.JobID) (*Entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, ok := jm.jobs[jobID]
	return e, ok
}

// Snapshot 取得任務的深拷貝
func (jm *JobManager) Snapshot(jobID types.JobID) (types.Job, error) {
	e, ok := jm.Get(jobID)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return e.Snapshot(), nil
}

// entries 在讀鎖下複製 entry 指標，之後不持有 map 鎖讀取欄位
func (jm *JobManager) entries() []*Entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]*Entry, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		out = append(out, e)
	}
	return out
}

// List 回傳符合條件的任務快照，依建立時間由新到舊
func (jm *JobManager) List(match func(types.Job) bool) []types.Job {
	var out []types.Job
	for _, e := range jm.entries() {
		job := e.Snapshot()
		if match == nil || match(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Remove 從任務表移除任務（eviction），回傳是否存在
func (jm *JobManager) Remove(jobID types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if _, ok := jm.jobs[jobID]; !ok {
		return false
	}
	delete(jm.jobs, jobID)
	return true
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.Status]int {
	stats := make(map[types.Status]int)
	for _, e := range jm.entries() {
		stats[e.Status()]++
	}
	return stats
}

// Len 回傳任務表大小
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}
