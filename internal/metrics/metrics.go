// ============================================================================
// docflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務生命週期指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - docflow_jobs_submitted_total: 接受的任務總數
//      - docflow_jobs_finished_total{status}: 依終止狀態分類的任務數
//      - docflow_jobs_evicted_total: Reaper 清理的任務數
//      - docflow_fallback_total{tier}: 降級到各 tier 的次數
//      - docflow_persistence_failures_total: durable store 寫入失敗
//      - docflow_broadcast_failures_total: 訂閱者投遞失敗
//
//   2. 性能指標 (Histogram)：
//      - docflow_job_duration_seconds{status}: 建立到終止的時間
//
//   3. 狀態指標 (GaugeFunc，抓取時才計算)：
//      - docflow_jobs{status}: 記憶體中各狀態任務數
//      - docflow_subscribers: 目前的訂閱數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(docflow_jobs_finished_total{status="failed"}[5m])
//     / rate(docflow_jobs_submitted_total[5m])
//
//   # 95 分位處理時間
//   histogram_quantile(0.95, sum by (le) (rate(docflow_job_duration_seconds_bucket[5m])))
//
// 所有方法在 nil *Collector 上都是 no-op，方便在測試中省略指標。
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docflow"

// StatusCounter reports how many jobs are held in each status.
type StatusCounter interface {
	Stats() map[types.Status]int
}

// SubscriberCounter reports the number of live subscriptions.
type SubscriberCounter interface {
	SubscriberCount() int
}

// QueueCounter reports dispatch backlog and how many jobs are retained in memory.
type QueueCounter interface {
	QueueDepth() int
	Retained() int
}

// Collector Prometheus 指標收集器
type Collector struct {
	reg prometheus.Registerer

	jobsSubmitted       prometheus.Counter
	jobsFinished        *prometheus.CounterVec
	jobsEvicted         prometheus.Counter
	fallbacks           *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	broadcastFailures   prometheus.Counter

	jobDuration *prometheus.HistogramVec
}

// NewCollector 建立指標並註冊到 reg；reg 為 nil 時使用 DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		reg: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted by the registry",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_evicted_total",
			Help:      "Total number of terminal jobs removed from memory",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Total number of escalations to a fallback tier",
		}, []string{"tier"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed writes to the durable store",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Total number of notifications that could not be delivered",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal status",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobsEvicted,
		c.fallbacks,
		c.persistenceFailures,
		c.broadcastFailures,
		c.jobDuration,
	)
	return c
}

// ObserveJobs 註冊依狀態分類的任務數 gauge
func (c *Collector) ObserveJobs(src StatusCounter) {
	if c == nil || src == nil {
		return
	}
	for _, s := range []types.Status{
		types.StatusQueued, types.StatusProcessing, types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled, types.StatusTimedOut,
	} {
		status := s
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "jobs",
			Help:        "Jobs currently held in memory by status",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 {
			return float64(src.Stats()[status])
		}))
	}
}

// ObserveSubscribers 註冊訂閱數 gauge
func (c *Collector) ObserveSubscribers(src SubscriberCounter) {
	if c == nil || src == nil {
		return
	}
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Live broadcast subscriptions",
	}, func() float64 {
		return float64(src.SubscriberCount())
	}))
}

// ObserveQueue 註冊佇列深度與記憶體中任務數 gauge
func (c *Collector) ObserveQueue(src QueueCounter) {
	if c == nil || src == nil {
		return
	}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Job IDs waiting for a worker",
		}, func() float64 {
			return float64(src.QueueDepth())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_retained",
			Help:      "Jobs held in the in-memory table, terminal ones included",
		}, func() float64 {
			return float64(src.Retained())
		}),
	)
}

// JobSubmitted 記錄任務被接受
func (c *Collector) JobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// JobFinished 記錄任務終止與耗時
func (c *Collector) JobFinished(status types.Status, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(string(status)).Inc()
	c.jobDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// JobEvicted 記錄任務被清理
func (c *Collector) JobEvicted() {
	if c == nil {
		return
	}
	c.jobsEvicted.Inc()
}

// RecordFallback 記錄降級到 tier
func (c *Collector) RecordFallback(tier int) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// RecordPersistenceFailure 記錄 durable store 寫入失敗
func (c *Collector) RecordPersistenceFailure() {
	if c == nil {
		return
	}
	c.persistenceFailures.Inc()
}

// RecordBroadcastFailure 記錄投遞失敗
func (c *Collector) RecordBroadcastFailure() {
	if c == nil {
		return
	}
	c.broadcastFailures.Inc()
}

// Handler 回傳 /metrics 端點；g 為 nil 時使用 DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
