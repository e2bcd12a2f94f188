// ============================================================================
// uws-engine Execution Manager - admission control
// ============================================================================
//
// Package: internal/execmgr
// File: manager.go
// Function: Decides whether an admitted job runs at once or waits in the
// queue, and tracks which jobs own a worker.
//
// State:
//   running  map[id]*entry  jobs with a live worker (or re-registered EXECUTING jobs)
//   queued   []*job.Job     admitted jobs waiting for a slot, FIFO
//   A job is in at most one of the two.
//
// Capacity:
//   MaxRunning == 0 means unlimited: every admitted job executes at once.
//   Otherwise excess jobs move to QUEUED and are promoted in admission
//   order as running slots free up.
//
// Lock order:
//   Manager.mu may be held while a job's own lock is taken (Phase,
//   Transition). A job never calls back into the manager, and workers
//   report completion only after releasing every job lock, so the reverse
//   order never happens.
//
// ============================================================================

package execmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/internal/worker"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// InterruptPolicy selects the phase running jobs are forced into when the
// manager shuts down or when a job saved mid-run is restored.
type InterruptPolicy string

const (
	// InterruptAbort makes interrupted jobs terminal (ABORTED).
	InterruptAbort InterruptPolicy = "abort"
	// InterruptRequeue returns interrupted jobs to PENDING for re-admission.
	InterruptRequeue InterruptPolicy = "requeue"
)

// Phase returns the phase the policy forces interrupted jobs into.
func (p InterruptPolicy) Phase() types.ExecutionPhase {
	if p == InterruptRequeue {
		return types.PhasePending
	}
	return types.PhaseAborted
}

// Recorder receives execution metrics.
type Recorder interface {
	worker.Observer
	JobAdmitted()
	AdmissionFailed()
	ExecutionStats(running, queued int)
}

// Config holds the admission settings.
type Config struct {
	MaxRunning      int
	InterruptPolicy InterruptPolicy
}

type entry struct {
	job    *job.Job
	worker *worker.Worker
	// stop ends the tracking of a job run by no worker of this manager.
	stop chan struct{}
}

// Manager tracks the running and queued jobs of one job list.
type Manager struct {
	cfg      Config
	factory  worker.Factory
	log      *slog.Logger
	recorder Recorder
	baseCtx  context.Context

	mu      sync.Mutex
	running map[string]*entry
	queued  []*job.Job

	workers sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// New creates a manager that builds task functions with factory.
func New(cfg Config, factory worker.Factory, opts ...Option) *Manager {
	if cfg.InterruptPolicy == "" {
		cfg.InterruptPolicy = InterruptAbort
	}
	m := &Manager{
		cfg:      cfg,
		factory:  factory,
		log:      slog.Default(),
		recorder: noopRecorder{},
		baseCtx:  context.Background(),
		running:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admit starts j, queues it when no slot is free, or reconciles tracking
// for jobs already executing or finished. It returns the job's phase.
func (m *Manager) Admit(j *job.Job) types.ExecutionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.reportLocked()

	id := j.ID()
	p := j.Phase()

	switch {
	case phase.IsFinished(p):
		m.forgetLocked(id)
		m.log.Warn("Finished job admitted, ignoring", "job_id", id, "phase", p)
		return p

	case phase.IsExecuting(p):
		if _, ok := m.running[id]; !ok {
			m.removeQueuedLocked(id)
			e := &entry{job: j, stop: make(chan struct{})}
			m.running[id] = e
			m.workers.Add(1)
			go m.track(e)
		}
		return p
	}

	if _, ok := m.running[id]; ok {
		return p
	}
	if m.isQueuedLocked(id) {
		return p
	}

	if m.cfg.MaxRunning > 0 && len(m.running) >= m.cfg.MaxRunning {
		if p != types.PhaseQueued {
			if err := j.Transition(types.PhaseQueued, false); err != nil {
				m.log.Error("Failed to queue job", "job_id", id, "phase", p, "error", err)
				return j.Phase()
			}
		}
		m.queued = append(m.queued, j)
		m.recorder.JobAdmitted()
		m.log.Info("Job queued", "job_id", id, "position", len(m.queued))
		return types.PhaseQueued
	}

	return m.startLocked(j)
}

// Release stops tracking j. Calling it for an untracked job is a no-op.
// Freed slots are handed to queued jobs in admission order.
func (m *Manager) Release(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.reportLocked()

	m.forgetLocked(j.ID())
	m.promoteLocked()
}

// Shutdown interrupts every running and queued job according to the
// interrupt policy and clears both sets. The manager can admit jobs again
// afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	running := make([]*job.Job, 0, len(m.running))
	for _, e := range m.running {
		running = append(running, e.job)
		e.release()
	}
	queued := m.queued
	m.running = make(map[string]*entry)
	m.queued = nil
	m.reportLocked()
	m.mu.Unlock()

	target := m.cfg.InterruptPolicy.Phase()
	for _, j := range running {
		j.Interrupt(target)
	}
	for _, j := range queued {
		j.Interrupt(target)
	}
	if len(running)+len(queued) > 0 {
		m.log.Info("Execution manager shut down",
			"interrupted", len(running), "dequeued", len(queued), "phase", target)
	}
}

// Wait blocks until every worker goroutine has returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of the running jobs.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Queued returns the ids of the queued jobs in admission order.
func (m *Manager) Queued() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.queued))
	for _, j := range m.queued {
		ids = append(ids, j.ID())
	}
	return ids
}

// IsRunning reports whether the job holds a running slot.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Policy returns the interrupt policy.
func (m *Manager) Policy() InterruptPolicy { return m.cfg.InterruptPolicy }

func (m *Manager) startLocked(j *job.Job) types.ExecutionPhase {
	id := j.ID()
	task, err := m.factory(j)
	if err != nil {
		m.recorder.AdmissionFailed()
		m.log.Error("Admission failed, job left untouched", "job_id", id, "error", err)
		return j.Phase()
	}

	if j.Phase() == types.PhasePending {
		if err := j.Transition(types.PhaseQueued, false); err != nil {
			m.log.Error("Failed to queue job", "job_id", id, "error", err)
			return j.Phase()
		}
	}
	if err := j.Transition(types.PhaseExecuting, false); err != nil {
		m.log.Error("Failed to start job", "job_id", id, "error", err)
		return j.Phase()
	}

	w := worker.New(j, task, worker.WithLogger(m.log), worker.WithObserver(m.recorder))
	m.running[id] = &entry{job: j, worker: w}
	m.recorder.JobAdmitted()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		started := time.Now()
		w.Run(m.baseCtx)
		m.finished(w)
		m.log.Debug("Worker exited", "job_id", id, "duration", time.Since(started))
	}()
	return types.PhaseExecuting
}

// finished releases the slot of w unless the job has since been
// re-admitted under another worker.
func (m *Manager) finished(w *worker.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.reportLocked()

	id := w.Job().ID()
	if e, ok := m.running[id]; ok && e.worker == w {
		delete(m.running, id)
	}
	m.promoteLocked()
}

// track holds the slot of a job executing outside this manager until the
// job stops executing or the entry is released.
func (m *Manager) track(e *entry) {
	defer m.workers.Done()
	id := e.job.ID()
	for {
		p, changed := e.job.Watch()
		if !phase.IsExecuting(p) {
			break
		}
		select {
		case <-changed:
		case <-e.stop:
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.reportLocked()
	if cur, ok := m.running[id]; ok && cur == e {
		delete(m.running, id)
		m.log.Debug("Tracked job stopped executing, slot released", "job_id", id, "phase", e.job.Phase())
	}
	m.promoteLocked()
}

func (e *entry) release() {
	if e.stop != nil {
		select {
		case <-e.stop:
		default:
			close(e.stop)
		}
	}
}

func (m *Manager) promoteLocked() {
	for len(m.queued) > 0 && (m.cfg.MaxRunning <= 0 || len(m.running) < m.cfg.MaxRunning) {
		next := m.queued[0]
		m.queued = m.queued[1:]

		if p := next.Phase(); p != types.PhaseQueued {
			m.log.Debug("Dropping queued job that changed phase", "job_id", next.ID(), "phase", p)
			continue
		}
		if m.startLocked(next) != types.PhaseExecuting {
			if err := next.Fail(types.ErrorSummary{Type: types.ErrorFatal, Message: "job could not be started"}, false); err != nil {
				m.log.Error("Failed to report start failure", "job_id", next.ID(), "error", err)
			}
		}
	}
}

func (m *Manager) forgetLocked(id string) {
	if e, ok := m.running[id]; ok {
		e.release()
		delete(m.running, id)
	}
	m.removeQueuedLocked(id)
}

func (m *Manager) isQueuedLocked(id string) bool {
	for _, q := range m.queued {
		if q.ID() == id {
			return true
		}
	}
	return false
}

func (m *Manager) removeQueuedLocked(id string) {
	for i, q := range m.queued {
		if q.ID() == id {
			m.queued = append(m.queued[:i:i], m.queued[i+1:]...)
			return
		}
	}
}

func (m *Manager) reportLocked() {
	m.recorder.ExecutionStats(len(m.running), len(m.queued))
}

type noopRecorder struct{}

func (noopRecorder) JobFinished(types.ExecutionPhase, time.Duration) {}
func (noopRecorder) JobAdmitted()                                  {}
func (noopRecorder) AdmissionFailed()                              {}
func (noopRecorder) ExecutionStats(int, int)                       {}
