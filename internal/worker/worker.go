// ============================================================================
// uws-engine Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs the task function of exactly one executing job in its own
// goroutine and feeds the outcome back into the job's state machine.
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Run(ctx)                                │
//   │   ├─ job.Bind(cancel)  (must be EXECUTING)│
//   │   ├─ context with execution duration      │
//   │   ├─ go task(ctx, job)                    │
//   │   ├─ select: task done | ctx done         │
//   │   └─ Apply(outcome)                       │
//   └──────────────────────────────────────────┘
//
// Outcomes:
//   - Ok        -> COMPLETED
//   - Cancelled -> ABORTED (expected control flow, never logged as error)
//   - Failed    -> ERROR; a *TaskError keeps its message and type, any other
//                  error or panic becomes a fatal internal error
//
// Cancellation is cooperative. When the context is done before the task
// returns, the job is moved to ABORTED at once; the task's late result is
// logged and discarded.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// InternalErrorMessage is the only text an unexpected failure exposes.
const InternalErrorMessage = "internal error, reported in logs, retry or contact the administrator"

// TaskFunc produces the results of a job. It must watch ctx and return
// promptly once it is done.
type TaskFunc func(ctx context.Context, j *job.Job) error

// Factory builds the task function of a job. A factory error is an
// admission failure: the job is left untouched.
type Factory func(j *job.Job) (TaskFunc, error)

// Observer is notified of every applied outcome.
type Observer interface {
	JobFinished(phase types.ExecutionPhase, runtime time.Duration)
}

// OutcomeKind enumerates the three ways a run can end.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeCancelled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the result of one run.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Worker is bound 1:1 to a job for one execution run.
type Worker struct {
	job      *job.Job
	task     TaskFunc
	log      *slog.Logger
	observer Observer

	execution atomic.Uint64
	applied   atomic.Bool
	started   time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// New builds a worker for j.
func New(j *job.Job, task TaskFunc, opts ...Option) *Worker {
	w := &Worker{
		job:  j,
		task: task,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("job_id", j.ID())
	return w
}

// Job returns the job the worker is bound to.
func (w *Worker) Job() *job.Job { return w.job }

// Run executes the task and applies its outcome. It returns immediately,
// without side effects, when the job is not EXECUTING.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	execution, ok := w.job.Bind(cancel)
	if !ok {
		w.log.Debug("Worker skipped, job no longer executing", "phase", w.job.Phase())
		return
	}
	w.execution.Store(execution)
	w.started = time.Now()

	if d := w.job.ExecutionDuration(); d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		done <- w.invoke(ctx)
	}()

	var out Outcome
	select {
	case err := <-done:
		out = classify(ctx, err)
	case <-ctx.Done():
		out = Outcome{Kind: OutcomeCancelled, Err: ctx.Err()}
		go w.discardLate(done)
	}

	if errors.Is(out.Err, context.DeadlineExceeded) {
		w.log.Info("Execution duration exceeded", "limit", w.job.ExecutionDuration())
	}
	w.Apply(out)
}

// Apply records the outcome on the job. Only the first call of a worker has
// any effect; it reports whether the outcome was recorded.
func (w *Worker) Apply(out Outcome) bool {
	if !w.applied.CompareAndSwap(false, true) {
		w.log.Debug("Outcome already applied, ignoring", "outcome", out.Kind)
		return false
	}

	var (
		target  types.ExecutionPhase
		summary *types.ErrorSummary
	)
	switch out.Kind {
	case OutcomeOk:
		target = types.PhaseCompleted
	case OutcomeCancelled:
		target = types.PhaseAborted
	default:
		target = types.PhaseError
		summary = w.summarize(out.Err)
	}

	execution := w.execution.Load()
	err := w.job.Finish(execution, target, summary)
	switch {
	case err == nil:
		w.log.Info("Job finished", "phase", target, "duration", time.Since(w.started))
		if w.observer != nil {
			w.observer.JobFinished(target, time.Since(w.started))
		}
		return true

	case errors.Is(err, job.ErrStaleExecution):
		w.log.Warn("Outcome of an interrupted run discarded", "outcome", out.Kind)
		return false
	}

	current := w.job.Phase()
	if out.Kind == OutcomeCancelled {
		if current == types.PhaseAborted {
			// aborted from outside; the cancellation is the expected echo
			w.log.Info("Job aborted", "duration", time.Since(w.started))
			if w.observer != nil {
				w.observer.JobFinished(types.PhaseAborted, time.Since(w.started))
			}
			return true
		}
		w.log.Warn("Cancellation rejected by state machine", "phase", current, "error", err)
		return false
	}
	w.log.Warn("Outcome rejected by state machine",
		"outcome", out.Kind, "phase", current, "error", err)

	fallback := &types.ErrorSummary{Type: types.ErrorFatal, Message: InternalErrorMessage}
	if ferr := w.job.Finish(execution, types.PhaseError, fallback); ferr != nil {
		w.log.Warn("Fallback error report rejected, keeping concurrent phase",
			"phase", w.job.Phase(), "error", ferr)
		return false
	}
	if w.observer != nil {
		w.observer.JobFinished(types.PhaseError, time.Since(w.started))
	}
	return true
}

func (w *Worker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return w.task(ctx, w.job)
}

func (w *Worker) discardLate(done <-chan error) {
	err := <-done
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		w.log.Info("Late task result discarded", "error", err)
		return
	}
	w.log.Debug("Late task result discarded")
}

func (w *Worker) summarize(err error) *types.ErrorSummary {
	var te *TaskError
	if errors.As(err, &te) {
		if te.Type == types.ErrorTransient {
			w.log.Warn("Task failed", "type", te.Type, "error", te.Message)
		} else {
			w.log.Error("Task failed", "type", te.Type, "error", te.Message)
		}
		return te.Summary()
	}

	w.log.Error("Unexpected task failure", "error", err)
	return &types.ErrorSummary{Type: types.ErrorFatal, Message: InternalErrorMessage}
}

func classify(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Outcome{Kind: OutcomeCancelled, Err: ctx.Err()}
	}
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeOk}
}
