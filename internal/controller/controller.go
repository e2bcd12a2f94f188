// ============================================================================
// uws-engine 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組，負責啟動恢復、背景循環和優雅關閉
//
// 架構設計:
//   - JobList + execmgr.Manager: one pair per configured list
//   - blocking.Coordinator: shared by every list
//   - backup.Manager: one blob per list in the configured sink
//   - metrics.Collector: every component reports to it
//   - worker.Registry: resolves a job's task name to a factory
//
// 背景循環 (2 個 Goroutine):
//   1. Sweep Loop  - destroys jobs past their destruction time
//   2. Backup Loop - saves by frequency and/or list events
//
// 啟動流程:
//   1. backup.Restore - rebuild lists; interrupted runs follow the policy
//   2. start the loops
//
// 關閉順序:
//   1. close(stopCh), cancel the loop context, wait for the loops
//   2. Shutdown every execution manager (interrupt running jobs)
//   3. wait for the workers to return
//   4. final backup, then close the sink
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/backup"
	"github.com/ChuLiYu/uws-engine/internal/blocking"
	"github.com/ChuLiYu/uws-engine/internal/config"
	"github.com/ChuLiYu/uws-engine/internal/execmgr"
	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/joblist"
	"github.com/ChuLiYu/uws-engine/internal/metrics"
	"github.com/ChuLiYu/uws-engine/internal/worker"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// TaskParam names the job parameter that selects the task to run.
const TaskParam = "task"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrUnknownList    = errors.New("unknown job list")
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 核心控制器
type Controller struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Collector
	registry *worker.Registry
	sink     backup.Sink

	lists    map[string]*joblist.JobList
	order    []string
	blocking *blocking.Coordinator
	backup   *backup.Manager

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRegistry replaces the built-in task registry.
func WithRegistry(r *worker.Registry) Option {
	return func(c *Controller) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithSink replaces the sink built from the backup config.
func WithSink(s backup.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithMetrics reuses an existing collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController 建立新的 Controller 實例
func NewController(ctx context.Context, cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Controller{
		cfg:      cfg,
		log:      slog.Default(),
		registry: worker.Builtins(),
		lists:    make(map[string]*joblist.JobList),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(nil)
	}

	// 1. 每個清單一組 execmgr + joblist
	policy := execmgr.InterruptPolicy(cfg.Execution.InterruptPolicy)
	lists := make([]*joblist.JobList, 0, len(cfg.Lists))
	for _, lc := range cfg.Lists {
		rec := c.metrics.List(lc.Name)
		logger := c.log.With("list", lc.Name)
		exec := execmgr.New(execmgr.Config{
			MaxRunning:      lc.MaxRunning,
			InterruptPolicy: policy,
		}, c.factoryFor(lc), execmgr.WithLogger(logger), execmgr.WithRecorder(rec))

		l := joblist.New(joblist.Config{
			Name:                     lc.Name,
			DefaultDestruction:       lc.DefaultDestruction,
			MaxDestruction:           lc.MaxDestruction,
			DefaultExecutionDuration: lc.DefaultExecutionDuration,
			MaxExecutionDuration:     lc.MaxExecutionDuration,
		}, exec, c.log, rec)

		c.lists[lc.Name] = l
		c.order = append(c.order, lc.Name)
		lists = append(lists, l)
	}

	// 2. 阻塞協調器
	c.blocking = blocking.New(blocking.Config{
		MaxWait:          cfg.Blocking.MaxWait,
		MaxWaitersPerKey: cfg.Blocking.MaxWaitersPerKey,
		EvictOldest:      cfg.Blocking.EvictOldest,
	}, c.log, c.metrics)

	// 3. 備份
	if c.sink == nil {
		sink, err := NewSink(ctx, cfg.Backup)
		if err != nil {
			return nil, fmt.Errorf("failed to create backup sink: %w", err)
		}
		c.sink = sink
	}
	c.backup = backup.New(backup.Config{
		Mode:            backup.Mode(cfg.Backup.Mode),
		Interval:        cfg.Backup.Interval,
		MinEventGap:     cfg.Backup.MinEventGap,
		InterruptPolicy: policy,
	}, c.sink, lists, c.log, c.metrics)

	return c, nil
}

// NewSink builds the sink selected by the backup config.
func NewSink(ctx context.Context, cfg config.BackupConfig) (backup.Sink, error) {
	switch cfg.Sink {
	case "", "file":
		return backup.NewFileSink(cfg.File.Dir)
	case "memory":
		return backup.NewMemorySink(), nil
	case "s3":
		return backup.NewS3Sink(ctx, backup.S3Config{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
	case "etcd":
		return backup.NewEtcdSink(backup.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
			LogLevel:    cfg.Etcd.LogLevel,
		})
	}
	return nil, fmt.Errorf("unknown backup sink %q", cfg.Sink)
}

// factoryFor resolves the "task" parameter of a job, falling back to the
// task configured for the list.
func (c *Controller) factoryFor(lc config.ListConfig) worker.Factory {
	return func(j *job.Job) (worker.TaskFunc, error) {
		name := lc.Task
		if p, ok := j.Param(TaskParam); ok && p.Value() != "" {
			name = p.Value()
		}
		f, err := c.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		return f(j)
	}
}

// ============================================================================
// 啟動 / 關閉
// ============================================================================

// Start 恢復所有清單並啟動背景循環。
// A failed restore is logged; the lists that could be read stay restored.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	// 1. 恢復階段
	c.log.Info("Starting recovery...")
	n, err := c.backup.Restore(ctx)
	if err != nil {
		c.log.Error("Recovery incomplete", "error", err)
	}
	c.log.Info("Recovery completed", "duration", time.Since(c.startTime), "jobs", n)

	// 2. 啟動背景循環
	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.loopWg.Add(2)
	go c.sweepLoop()
	go func() {
		defer c.loopWg.Done()
		c.backup.Run(loopCtx)
		c.log.Info("Backup loop stopped")
	}()

	c.log.Info("Controller started", "lists", c.order, "tasks", c.registry.Names())
	return nil
}

// sweepLoop 定期銷毀過期任務
func (c *Controller) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Sweep loop stopped")
			return
		case <-ticker.C:
			c.Sweep(time.Now().UTC())
		}
	}
}

// Sweep destroys the jobs of every list whose destruction time has passed.
func (c *Controller) Sweep(now time.Time) int {
	removed := 0
	for _, name := range c.order {
		removed += len(c.lists[name].SweepExpired(now))
	}
	return removed
}

// Stop 優雅關閉 Controller. Workers are given until ctx is done to
// return; the final backup runs either way.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	// 1. 停止背景循環
	close(c.stopCh)
	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()

	// 2. 中斷執行中任務
	for _, name := range c.order {
		c.lists[name].Manager().Shutdown()
	}

	// 3. 等待 worker 退出
	for _, name := range c.order {
		if err := c.lists[name].Manager().Wait(ctx); err != nil {
			c.log.Warn("Workers still running at shutdown", "list", name, "error", err)
			break
		}
	}

	// 4. 最後一次備份
	if c.backup != nil && c.cfg.Backup.Mode != string(backup.ModeOff) {
		c.backup.SaveLogged(context.WithoutCancel(ctx))
	}
	if closer, ok := c.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.log.Error("Failed to close backup sink", "error", err)
		}
	}

	c.log.Info("Controller stopped")
}

// ============================================================================
// 公開方法
// ============================================================================

// List returns the named job list.
func (c *Controller) List(name string) (*joblist.JobList, error) {
	l, ok := c.lists[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	return l, nil
}

// ListNames returns the configured list names in config order.
func (c *Controller) ListNames() []string {
	return append([]string(nil), c.order...)
}

func (c *Controller) Blocking() *blocking.Coordinator { return c.blocking }
func (c *Controller) Metrics() *metrics.Collector     { return c.metrics }
func (c *Controller) Backup() *backup.Manager         { return c.backup }
func (c *Controller) Registry() *worker.Registry      { return c.registry }

// CreateJob adds a PENDING job to list and, when run is set, starts it.
func (c *Controller) CreateJob(list, owner string, params []types.Parameter, opts joblist.NewJobOptions, run bool) (*job.Job, error) {
	l, err := c.List(list)
	if err != nil {
		return nil, err
	}
	if c.isStopped() {
		return nil, ErrStopped
	}
	j, err := l.NewJob(owner, params, opts)
	if err != nil {
		return nil, err
	}
	if run {
		if _, err := l.Execute(j.ID(), owner); err != nil {
			return j, err
		}
	}
	return j, nil
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// ListStatus 單一清單狀態
type ListStatus struct {
	Name    string                       `json:"name"`
	Jobs    int                          `json:"jobs"`
	Running int                          `json:"running"`
	Queued  int                          `json:"queued"`
	Phases  map[types.ExecutionPhase]int `json:"phases"`
}

// Status 系統狀態
type Status struct {
	Uptime  string       `json:"uptime"`
	Lists   []ListStatus `json:"lists"`
	Waiters int          `json:"waiters"`
	Tasks   []string     `json:"tasks"`
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime).Truncate(time.Second)
	}
	c.mu.Unlock()

	st := Status{
		Uptime:  uptime.String(),
		Waiters: c.blocking.Total(),
		Tasks:   c.registry.Names(),
	}
	for _, name := range c.order {
		l := c.lists[name]
		ls := ListStatus{
			Name:    name,
			Running: len(l.Manager().Running()),
			Queued:  len(l.Manager().Queued()),
			Phases:  make(map[types.ExecutionPhase]int),
		}
		for _, j := range l.Snapshot() {
			ls.Jobs++
			ls.Phases[j.Phase()]++
		}
		st.Lists = append(st.Lists, ls)
	}
	return st
}
