// ============================================================================
// uws-engine Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露引擎運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter), label "list":
//      - uws_jobs_created_total
//      - uws_jobs_admitted_total
//      - uws_jobs_removed_total
//      - uws_admission_failures_total
//      - uws_jobs_finished_total          (+ label "phase")
//
//   2. 狀態指標 (Gauge):
//      - uws_jobs_running / uws_jobs_queued   label "list"
//      - uws_blocked_waiters
//      - uws_backup_jobs                      jobs in the last snapshot
//      - uws_recovery_time_seconds            duration of the last restore
//
//   3. 分佈 (Histogram):
//      - uws_job_run_seconds                  label "list"
//      - uws_backup_duration_seconds
//
//   4. 其他計數器:
//      - uws_blocking_rejected_total / uws_blocking_evicted_total
//      - uws_backup_saves_total / uws_backup_failures_total
//      - uws_restore_skipped_records_total
//
// Prometheus 查詢示例:
//
//   # 錯誤率
//   rate(uws_jobs_finished_total{phase="ERROR"}[5m]) / rate(uws_jobs_admitted_total[5m])
//
//   # 積壓
//   sum(uws_jobs_queued)
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/uws-engine/pkg/types"
)

const namespace = "uws"

// Collector owns every engine metric.
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsCreated       *prometheus.CounterVec
	jobsAdmitted      *prometheus.CounterVec
	jobsRemoved       *prometheus.CounterVec
	admissionFailures *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	jobRun            *prometheus.HistogramVec
	jobsRunning       *prometheus.GaugeVec
	jobsQueued        *prometheus.GaugeVec

	// 阻塞等待
	blockedWaiters  prometheus.Gauge
	blockedRejected prometheus.Counter
	blockedEvicted  prometheus.Counter

	// 備份
	backupSaves    prometheus.Counter
	backupFailures prometheus.Counter
	backupDuration prometheus.Histogram
	backupJobs     prometheus.Gauge
	recoveryTime   prometheus.Gauge
	restoreSkipped prometheus.Counter
}

// NewCollector registers every metric on reg. A nil reg gets a fresh
// registry that also carries the Go and process collectors.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	list := []string{"list"}
	c := &Collector{
		registry: reg,
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_created_total",
			Help: "Total number of jobs added to a job list",
		}, list),
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_admitted_total",
			Help: "Total number of jobs started or queued by the execution manager",
		}, list),
		jobsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_removed_total",
			Help: "Total number of jobs deleted or destroyed",
		}, list),
		admissionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_failures_total",
			Help: "Total number of jobs whose worker could not be built",
		}, list),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_finished_total",
			Help: "Total number of execution runs by final phase",
		}, []string{"list", "phase"}),
		jobRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_run_seconds",
			Help:    "Duration of execution runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, list),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_running",
			Help: "Current number of running jobs",
		}, list),
		jobsQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_queued",
			Help: "Current number of jobs waiting for an execution slot",
		}, list),
		blockedWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blocked_waiters",
			Help: "Current number of callers blocked on a phase change",
		}),
		blockedRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocking_rejected_total",
			Help: "Total number of wait requests rejected by a full waiter queue",
		}),
		blockedEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocking_evicted_total",
			Help: "Total number of waiters evicted by newer callers",
		}),
		backupSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backup_saves_total",
			Help: "Total number of successful backups",
		}),
		backupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backup_failures_total",
			Help: "Total number of failed backups",
		}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "backup_duration_seconds",
			Help:    "Backup duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		backupJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backup_jobs",
			Help: "Number of jobs in the last backup",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_time_seconds",
			Help: "Time taken by the last restore in seconds",
		}),
		restoreSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restore_skipped_records_total",
			Help: "Total number of corrupt snapshot records skipped on restore",
		}),
	}

	reg.MustRegister(
		c.jobsCreated, c.jobsAdmitted, c.jobsRemoved, c.admissionFailures,
		c.jobsFinished, c.jobRun, c.jobsRunning, c.jobsQueued,
		c.blockedWaiters, c.blockedRejected, c.blockedEvicted,
		c.backupSaves, c.backupFailures, c.backupDuration, c.backupJobs,
		c.recoveryTime, c.restoreSkipped,
	)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ============================================================================
// 阻塞等待 (blocking.Recorder)
// ============================================================================

func (c *Collector) WaitersChanged(total int) { c.blockedWaiters.Set(float64(total)) }
func (c *Collector) WaitRejected()            { c.blockedRejected.Inc() }
func (c *Collector) WaiterEvicted()           { c.blockedEvicted.Inc() }

// ============================================================================
// 備份 (backup.Recorder)
// ============================================================================

func (c *Collector) BackupSaved(jobs int, took time.Duration) {
	c.backupSaves.Inc()
	c.backupJobs.Set(float64(jobs))
	c.backupDuration.Observe(took.Seconds())
}

func (c *Collector) BackupFailed() { c.backupFailures.Inc() }

// Restored records the outcome of the startup restore.
func (c *Collector) Restored(jobs, skipped int, took time.Duration) {
	c.recoveryTime.Set(took.Seconds())
	c.restoreSkipped.Add(float64(skipped))
}

// ============================================================================
// 單一任務清單 (execmgr.Recorder, worker.Observer, joblist.Recorder)
// ============================================================================

// ListRecorder is the view of the collector for one job list.
type ListRecorder struct {
	c    *Collector
	list string
}

// List returns the recorder of the named list.
func (c *Collector) List(name string) *ListRecorder {
	return &ListRecorder{c: c, list: name}
}

func (r *ListRecorder) JobCreated()       { r.c.jobsCreated.WithLabelValues(r.list).Inc() }
func (r *ListRecorder) JobsRemoved(n int) { r.c.jobsRemoved.WithLabelValues(r.list).Add(float64(n)) }
func (r *ListRecorder) JobAdmitted()      { r.c.jobsAdmitted.WithLabelValues(r.list).Inc() }
func (r *ListRecorder) AdmissionFailed()  { r.c.admissionFailures.WithLabelValues(r.list).Inc() }

func (r *ListRecorder) ExecutionStats(running, queued int) {
	r.c.jobsRunning.WithLabelValues(r.list).Set(float64(running))
	r.c.jobsQueued.WithLabelValues(r.list).Set(float64(queued))
}

func (r *ListRecorder) JobFinished(phase types.ExecutionPhase, runtime time.Duration) {
	r.c.jobsFinished.WithLabelValues(r.list, string(phase)).Inc()
	r.c.jobRun.WithLabelValues(r.list).Observe(runtime.Seconds())
}
