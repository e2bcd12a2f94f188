// ============================================================================
// uws-engine Job Record
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: The entity a client creates, polls and reads results from.
//
// Locking:
//   Every field that changes after construction is guarded by Job.mu. The
//   phase, start/end time and error summary always change together under
//   the write lock, so a reader never sees ERROR without its summary.
//   A Job never calls out to another component while holding mu.
//
// Notification:
//   Watch returns the current phase and a channel that is closed on the
//   next phase change. Each change closes the channel and installs a new
//   one (broadcast to every waiter).
//
// ============================================================================

package job

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

var (
	// ErrNotUpdatable is returned when parameters change outside PENDING.
	ErrNotUpdatable = errors.New("job parameters can only change while PENDING")
	// ErrNotExecuting is returned when results are added to a job that is not running.
	ErrNotExecuting = errors.New("job is not executing")
	// ErrStaleExecution is returned when an outcome belongs to an earlier run.
	ErrStaleExecution = errors.New("outcome belongs to a previous execution")
)

// Options holds the optional settings of a new job.
type Options struct {
	ID                string
	Owner             string // empty = anonymous
	CreationTime      time.Time
	DestructionTime   time.Time
	ExecutionDuration time.Duration // <= 0 = unlimited, rounded up to whole seconds
	Quote             time.Duration // <= 0 = unknown, rounded up to whole seconds
	Parameters        []types.Parameter
}

// Job is one unit of asynchronous work.
type Job struct {
	id       string
	owner    string
	creation time.Time
	now      func() time.Time

	mu                sync.RWMutex
	machine           phase.Machine
	destruction       time.Time
	executionDuration time.Duration
	quote             time.Duration
	params            []types.Parameter
	results           []types.Result
	errSummary        *types.ErrorSummary
	changed           chan struct{}
	execution         uint64
	cancel            func()
}

// New creates a job in PENDING.
func New(opts Options) *Job {
	j := &Job{
		id:                opts.ID,
		owner:             opts.Owner,
		creation:          opts.CreationTime,
		now:               func() time.Time { return time.Now().UTC() },
		machine:           phase.New(),
		destruction:       opts.DestructionTime,
		executionDuration: wholeSeconds(opts.ExecutionDuration),
		quote:             wholeSeconds(opts.Quote),
		params:            append([]types.Parameter(nil), opts.Parameters...),
		changed:           make(chan struct{}),
	}
	if j.creation.IsZero() {
		j.creation = j.now()
	}
	return j
}

func (j *Job) ID() string { return j.id }

// Owner returns the owner id, "" for an anonymous job.
func (j *Job) Owner() string { return j.owner }

func (j *Job) CreationTime() time.Time { return j.creation }

func (j *Job) Phase() types.ExecutionPhase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.machine.Phase()
}

func (j *Job) StartTime() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.machine.StartTime()
}

func (j *Job) EndTime() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.machine.EndTime()
}

func (j *Job) DestructionTime() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.destruction
}

// SetDestructionTime changes when the job becomes eligible for removal.
func (j *Job) SetDestructionTime(t time.Time) {
	j.mu.Lock()
	j.destruction = t
	j.mu.Unlock()
}

// ExecutionDuration is the runtime budget, 0 when unlimited.
func (j *Job) ExecutionDuration() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.executionDuration
}

// SetExecutionDuration changes the runtime budget; only while PENDING.
// The budget is rounded up to whole seconds.
func (j *Job) SetExecutionDuration(d time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !phase.IsUpdatable(j.machine.Phase()) {
		return ErrNotUpdatable
	}
	j.executionDuration = wholeSeconds(d)
	return nil
}

func (j *Job) Quote() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.quote
}

// Parameters returns a copy of the declared parameters.
func (j *Job) Parameters() []types.Parameter {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]types.Parameter(nil), j.params...)
}

// Param returns the first parameter with the given name.
func (j *Job) Param(name string) (types.Parameter, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, p := range j.params {
		if p.Name == name {
			return p, true
		}
	}
	return types.Parameter{}, false
}

// SetParameter adds or replaces a parameter; only while PENDING.
func (j *Job) SetParameter(p types.Parameter) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !phase.IsUpdatable(j.machine.Phase()) {
		return ErrNotUpdatable
	}
	for i := range j.params {
		if j.params[i].Name == p.Name {
			j.params[i] = p
			return nil
		}
	}
	j.params = append(j.params, p)
	return nil
}

// Results returns a copy of the result descriptors.
func (j *Job) Results() []types.Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]types.Result(nil), j.results...)
}

// AddResult appends a result descriptor. Results are produced while the
// job is executing; once it has left that state the list is frozen.
func (j *Job) AddResult(r types.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !phase.IsExecuting(j.machine.Phase()) {
		return ErrNotExecuting
	}
	j.results = append(j.results, r)
	return nil
}

// Error returns the error summary, nil unless the job failed.
func (j *Job) Error() *types.ErrorSummary {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.errSummary == nil {
		return nil
	}
	s := *j.errSummary
	return &s
}

// Watch returns the current phase and a channel closed on the next change.
func (j *Job) Watch() (types.ExecutionPhase, <-chan struct{}) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.machine.Phase(), j.changed
}

// Execution returns the token of the current execution run. It increases
// every time the job enters EXECUTING from another phase.
func (j *Job) Execution() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.execution
}

// Transition moves the job to target through the state machine.
func (j *Job) Transition(target types.ExecutionPhase, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(target, force)
}

// Fail moves the job to ERROR with its summary in one step.
func (j *Job) Fail(summary types.ErrorSummary, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(types.PhaseError, force); err != nil {
		return err
	}
	j.errSummary = &summary
	return nil
}

// Bind registers the cancellation handle of a worker about to run the
// job. It succeeds only while the job is EXECUTING and returns the token
// of the execution run the worker belongs to.
func (j *Job) Bind(cancel func()) (uint64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.machine.Phase() != types.PhaseExecuting {
		return 0, false
	}
	j.cancel = cancel
	return j.execution, true
}

// Finish applies a worker outcome. The outcome is rejected with
// ErrStaleExecution when the job has since entered another execution run,
// and with a *phase.TransitionError once the job is finished or the move is
// otherwise illegal. A finished job is never overwritten.
func (j *Job) Finish(execution uint64, target types.ExecutionPhase, summary *types.ErrorSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.execution != execution {
		return ErrStaleExecution
	}
	if cur := j.machine.Phase(); phase.IsFinished(cur) {
		return &phase.TransitionError{From: cur, To: target}
	}
	if err := j.transitionLocked(target, false); err != nil {
		return err
	}
	if target == types.PhaseError && summary != nil {
		s := *summary
		j.errSummary = &s
	}
	return nil
}

// Abort moves the job to ABORTED and fires the worker's cancellation
// handle, if any. Aborting an already aborted job is a no-op.
func (j *Job) Abort() error {
	j.mu.Lock()
	if j.machine.Phase() == types.PhaseAborted {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancel
	if err := j.transitionLocked(types.PhaseAborted, false); err != nil {
		j.mu.Unlock()
		return err
	}
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Interrupt stops the worker (if any) and forces the job into target.
// The current execution run is invalidated, so a late outcome from the
// interrupted worker is discarded. Used on shutdown and restore.
func (j *Job) Interrupt(target types.ExecutionPhase) {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.execution++
	_ = j.transitionLocked(target, true)
	if target != types.PhaseError {
		j.errSummary = nil
	}
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (j *Job) transitionLocked(target types.ExecutionPhase, force bool) error {
	prev := j.machine.Phase()
	if err := j.machine.Transition(target, force, j.now()); err != nil {
		return err
	}
	if target == types.PhaseExecuting && prev != types.PhaseExecuting && prev != types.PhaseSuspended {
		j.execution++
	}
	if !phase.IsExecuting(target) {
		j.cancel = nil
	}
	if prev != target {
		close(j.changed)
		j.changed = make(chan struct{})
	}
	return nil
}
