// ============================================================================
// docflow Reaper - 逾時與清理背景掃描
// ============================================================================
//
// Package: internal/reaper
// 文件: reaper.go
// 功能: 保證沒有任務永遠停在 queued/processing，且暫存資源不會累積
//
// 每次 Sweep：
//   1. Deadline pass
//      - 非終止任務超過 deadline：設定取消旗標（原因 deadline）、發出 job_timeout
//      - grace period 後仍未終止：強制 timed_out 並釋放引擎呼叫
//   2. Retention pass
//      - 終止任務超過 retention，或超過 max_retained_jobs 的最舊任務：
//        發出 job_cleanup、刪除暫存檔、從 Registry/Hub/Event Log 移除
//
// 單一任務失敗只記錄 log，不中斷整個掃描。
//
// ============================================================================

package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/robfig/cron/v3"
)

// Defaults applied by New.
const (
	DefaultInterval    = 30 * time.Second
	DefaultGracePeriod = 10 * time.Second
	DefaultRetention   = time.Hour
)

// Registry is the part of the job registry the reaper drives.
type Registry interface {
	List(match func(types.Job) bool) []types.Job
	ExpireJob(ctx context.Context, jobID types.JobID, message string, details map[string]any) (bool, error)
	ForceTimeout(ctx context.Context, jobID types.JobID) (bool, error)
	Emit(ctx context.Context, jobID types.JobID, kind types.EventKind, message string, details map[string]any) error
	Evict(ctx context.Context, jobID types.JobID) error
}

// ArtifactRemover deletes the temporary files of a job.
type ArtifactRemover interface {
	RemoveArtifacts(ctx context.Context, job types.Job) error
}

// Config 掃描設定
type Config struct {
	Interval        time.Duration // 掃描間隔
	GracePeriod     time.Duration // 設定旗標到強制 timed_out 的等待時間
	Retention       time.Duration // 終止任務保留時間，0 表示不依時間清理
	MaxRetainedJobs int           // 記憶體中最多保留的終止任務數，0 表示不限
	Remover         ArtifactRemover
	Logger          *slog.Logger
}

// Stats 一次掃描的結果
type Stats struct {
	Expired int // 新設定 deadline 旗標
	Forced  int // 強制 timed_out
	Cleaned int // 移出 Registry
	Failed  int // 單一任務處理失敗
}

// Reaper 背景掃描器
type Reaper struct {
	reg    Registry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[types.JobID]*time.Timer // 尚未觸發的強制逾時
}

// New 建立 Reaper
func New(reg Registry, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Reaper{
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[types.JobID]*time.Timer),
	}
}

// Start 依 Interval 排程 Sweep
func (r *Reaper) Start() error {
	spec := "@every " + r.cfg.Interval.String()
	if _, err := r.cron.AddFunc(spec, func() {
		stats := r.Sweep(r.ctx)
		if stats != (Stats{}) {
			r.logger.Info("reaper sweep finished", "expired", stats.Expired, "forced", stats.Forced, "cleaned", stats.Cleaned, "failed", stats.Failed)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reaper started", "interval", r.cfg.Interval, "grace", r.cfg.GracePeriod, "retention", r.cfg.Retention)
	return nil
}

// Stop 停止排程，等待進行中的掃描結束，並取消尚未觸發的強制逾時
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.logger.Info("reaper stopped")
}

// Sweep 執行一次完整掃描
func (r *Reaper) Sweep(ctx context.Context) Stats {
	var stats Stats
	r.deadlinePass(ctx, &stats)
	r.retentionPass(ctx, &stats)
	return stats
}

// ============================================================================
// Deadline pass
// ============================================================================

func (r *Reaper) deadlinePass(ctx context.Context, stats *Stats) {
	now := r.now()
	active := r.reg.List(func(j types.Job) bool { return !j.Status.Terminal() })

	for _, job := range active {
		if job.Config.Deadline <= 0 {
			continue
		}
		deadline := job.CreatedAt.Add(job.Config.Deadline)
		if now.Before(deadline) {
			continue
		}

		// already flagged (by an earlier sweep or by its owner) and still running
		if job.CancelRequested {
			if !now.Before(deadline.Add(r.cfg.GracePeriod)) {
				r.force(ctx, job.ID, stats)
			}
			continue
		}

		newly, err := r.reg.ExpireJob(ctx, job.ID,
			fmt.Sprintf("job exceeded its deadline of %s", job.Config.Deadline),
			map[string]any{
				"deadline": job.Config.Deadline.String(),
				"elapsed":  now.Sub(job.CreatedAt).Round(time.Millisecond).String(),
				"status":   string(job.Status),
				"grace":    r.cfg.GracePeriod.String(),
			})
		if err != nil {
			stats.Failed++
			r.logger.Error("failed to expire job", "jobID", job.ID, "error", err)
			continue
		}
		if !newly {
			continue
		}
		stats.Expired++
		r.logger.Warn("job deadline exceeded", "jobID", job.ID, "status", job.Status, "deadline", job.Config.Deadline)
		r.scheduleForce(job.ID)
	}
}

// scheduleForce 在 grace period 後強制 timed_out
func (r *Reaper) scheduleForce(jobID types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if _, ok := r.timers[jobID]; ok {
		return
	}
	r.timers[jobID] = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.mu.Lock()
		delete(r.timers, jobID)
		r.mu.Unlock()
		if r.ctx.Err() != nil {
			return
		}
		var stats Stats
		r.force(r.ctx, jobID, &stats)
	})
}

func (r *Reaper) force(ctx context.Context, jobID types.JobID, stats *Stats) {
	forced, err := r.reg.ForceTimeout(ctx, jobID)
	if err != nil {
		stats.Failed++
		r.logger.Error("failed to force timeout", "jobID", jobID, "error", err)
		return
	}
	if forced {
		stats.Forced++
	}
}

// ============================================================================
// Retention pass
// ============================================================================

func (r *Reaper) retentionPass(ctx context.Context, stats *Stats) {
	if r.cfg.Retention <= 0 && r.cfg.MaxRetainedJobs <= 0 {
		return
	}
	now := r.now()
	// newest first
	terminal := r.reg.List(func(j types.Job) bool { return j.Status.Terminal() })

	for i, job := range terminal {
		var reason string
		switch {
		case r.cfg.Retention > 0 && now.Sub(job.FinishedAt) >= r.cfg.Retention:
			reason = "retention"
		case r.cfg.MaxRetainedJobs > 0 && i >= r.cfg.MaxRetainedJobs:
			reason = "capacity"
		default:
			continue
		}

		if err := r.cleanup(ctx, job, reason, now); err != nil {
			stats.Failed++
			r.logger.Error("job cleanup failed", "jobID", job.ID, "reason", reason, "error", err)
			continue
		}
		stats.Cleaned++
	}
}

// cleanup 發出 job_cleanup、刪除暫存檔並移除任務
//
// 暫存檔刪除失敗只記錄，不阻止 eviction；事件歷史仍保留在 durable store。
func (r *Reaper) cleanup(ctx context.Context, job types.Job, reason string, now time.Time) error {
	err := r.reg.Emit(ctx, job.ID, types.EventJobCleanup, "job evicted from registry", map[string]any{
		"reason": reason,
		"status": string(job.Status),
		"age":    now.Sub(job.FinishedAt).Round(time.Second).String(),
	})
	if err != nil {
		return err
	}

	if r.cfg.Remover != nil {
		if err := r.cfg.Remover.RemoveArtifacts(ctx, job); err != nil {
			r.logger.Error("failed to remove job artifacts", "jobID", job.ID, "error", err)
		}
	}
	return r.reg.Evict(ctx, job.ID)
}

// ============================================================================
// ArtifactRemover 實作
// ============================================================================

// DirRemover removes WorkDir/<jobID> and, for uploaded inputs, the upload
// directory that holds the input file.
type DirRemover struct {
	WorkDir   string
	UploadDir string
}

// RemoveArtifacts implements ArtifactRemover.
func (d DirRemover) RemoveArtifacts(_ context.Context, job types.Job) error {
	var errs []error
	if d.WorkDir != "" && job.ID != "" {
		if err := os.RemoveAll(filepath.Join(d.WorkDir, string(job.ID))); err != nil {
			errs = append(errs, err)
		}
	}
	if d.UploadDir != "" && job.Input.Path != "" {
		dir := filepath.Dir(filepath.Clean(job.Input.Path))
		root := filepath.Clean(d.UploadDir)
		// only directories strictly below the upload root
		if strings.HasPrefix(dir, root+string(filepath.Separator)) {
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// cron.Logger 轉接
// ============================================================================

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
