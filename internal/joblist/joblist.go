// ============================================================================
// uws-engine Job List - 任務集合
// ============================================================================
//
// Package: internal/joblist
// File: joblist.go
// 功能: Named, owner-indexed collection of jobs. Each list owns exactly one
// execution manager, applies the destruction and execution-duration
// policies to new jobs, and publishes mutation events for the backup loop.
//
// 數據結構:
//   jobs    map[id]*job.Job              主存儲 (single source of truth)
//   byOwner map[owner]map[id]*job.Job    owner 索引, anonymous jobs under ""
//
// 並發安全:
//   sync.RWMutex favoring concurrent reads. List, Get and Snapshot only take
//   the read lock, and job fields are read after it is released, so the
//   list lock is never held while a job lock is taken.
//
// ============================================================================

package joblist

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/uws-engine/internal/execmgr"
	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already exists")
	ErrForbidden    = errors.New("job belongs to another owner")
)

// ============================================================================
// 事件
// ============================================================================

// EventKind classifies list mutations.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventPhase
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventPhase:
		return "phase"
	}
	return "unknown"
}

// Event describes one mutation of a list.
type Event struct {
	Kind  EventKind
	List  string
	JobID string
	Phase types.ExecutionPhase
}

// Recorder receives list metrics.
type Recorder interface {
	JobCreated()
	JobsRemoved(n int)
}

// Config holds the policies of one list.
type Config struct {
	Name string
	// DefaultDestruction is added to the creation time of jobs that do not
	// ask for a destruction time. Zero keeps jobs until removed.
	DefaultDestruction time.Duration
	// MaxDestruction caps requested destruction times. Zero means no cap.
	MaxDestruction time.Duration
	// DefaultExecutionDuration applies when a job does not ask for one.
	DefaultExecutionDuration time.Duration
	// MaxExecutionDuration caps requested execution durations.
	MaxExecutionDuration time.Duration
}

// NewJobOptions are the client-requested settings of a new job.
type NewJobOptions struct {
	DestructionTime   time.Time
	ExecutionDuration time.Duration
	Quote             time.Duration
}

// JobList is a named collection of jobs.
type JobList struct {
	cfg      Config
	log      *slog.Logger
	exec     *execmgr.Manager
	recorder Recorder
	now      func() time.Time

	mu      sync.RWMutex
	jobs    map[string]*job.Job
	byOwner map[string]map[string]*job.Job

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int
}

// New creates an empty list driving its jobs through exec.
func New(cfg Config, exec *execmgr.Manager, log *slog.Logger, recorder Recorder) *JobList {
	if log == nil {
		log = slog.Default()
	}
	return &JobList{
		cfg:      cfg,
		log:      log.With("list", cfg.Name),
		exec:     exec,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*job.Job),
		byOwner:  make(map[string]map[string]*job.Job),
		subs:     make(map[int]chan Event),
	}
}

func (l *JobList) Name() string { return l.cfg.Name }

// Manager returns the execution manager owned by the list.
func (l *JobList) Manager() *execmgr.Manager { return l.exec }

// ============================================================================
// 新增 / 查詢 / 刪除
// ============================================================================

// NewJob creates a PENDING job with a fresh id, applies the list policies
// and adds it.
func (l *JobList) NewJob(owner string, params []types.Parameter, opts NewJobOptions) (*job.Job, error) {
	created := l.now()
	j := job.New(job.Options{
		ID:                uuid.NewString(),
		Owner:             owner,
		CreationTime:      created,
		DestructionTime:   l.destructionFor(created, opts.DestructionTime),
		ExecutionDuration: l.executionDurationFor(opts.ExecutionDuration),
		Quote:             opts.Quote,
		Parameters:        params,
	})
	if err := l.Add(j); err != nil {
		return nil, err
	}
	return j, nil
}

// Add inserts j. A job without a destruction time gets the default one.
func (l *JobList) Add(j *job.Job) error {
	if j.DestructionTime().IsZero() {
		if d := l.destructionFor(j.CreationTime(), time.Time{}); !d.IsZero() {
			j.SetDestructionTime(d)
		}
	}

	l.mu.Lock()
	if _, exists := l.jobs[j.ID()]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID())
	}
	l.insertLocked(j)
	l.mu.Unlock()

	if l.recorder != nil {
		l.recorder.JobCreated()
	}
	l.log.Info("Job added", "job_id", j.ID(), "owner", j.Owner())
	l.publish(Event{Kind: EventAdded, List: l.cfg.Name, JobID: j.ID(), Phase: j.Phase()})
	return nil
}

// Get returns the job with the given id.
func (l *JobList) Get(id string) (*job.Job, error) {
	l.mu.RLock()
	j, ok := l.jobs[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// GetOwned returns the job when owner may access it. Anonymous jobs are
// visible to everyone; owned jobs only to their owner.
func (l *JobList) GetOwned(id, owner string) (*job.Job, error) {
	j, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if j.Owner() != "" && j.Owner() != owner {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return j, nil
}

// Remove deletes the job, aborting it first when it is still active.
func (l *JobList) Remove(id string) error {
	l.mu.Lock()
	j, ok := l.jobs[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	l.deleteLocked(j)
	l.mu.Unlock()

	if phase.IsActive(j.Phase()) {
		if err := j.Abort(); err != nil {
			l.log.Warn("Abort on removal rejected", "job_id", id, "error", err)
		}
	}
	if l.exec != nil {
		l.exec.Release(j)
	}
	if l.recorder != nil {
		l.recorder.JobsRemoved(1)
	}
	l.log.Info("Job removed", "job_id", id)
	l.publish(Event{Kind: EventRemoved, List: l.cfg.Name, JobID: id, Phase: j.Phase()})
	return nil
}

// Len returns the number of jobs.
func (l *JobList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.jobs)
}

// Snapshot returns references to every job. The caller reads job fields
// under each job's own lock.
func (l *JobList) Snapshot() []*job.Job {
	l.mu.RLock()
	out := make([]*job.Job, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, j)
	}
	l.mu.RUnlock()

	sortByCreation(out)
	return out
}

// Restore inserts jobs rebuilt from a snapshot without applying the list
// policies, then re-admits the jobs that were waiting in the queue.
// Duplicate ids are skipped. It returns the number of inserted jobs.
func (l *JobList) Restore(jobs []*job.Job) int {
	var (
		inserted []*job.Job
		requeue  []*job.Job
	)

	l.mu.Lock()
	for _, j := range jobs {
		if _, exists := l.jobs[j.ID()]; exists {
			l.log.Warn("Duplicate job in snapshot, skipping", "job_id", j.ID())
			continue
		}
		l.insertLocked(j)
		inserted = append(inserted, j)
	}
	l.mu.Unlock()

	for _, j := range inserted {
		if j.Phase() == types.PhaseQueued {
			requeue = append(requeue, j)
		}
	}
	sortByCreation(requeue)
	if l.exec != nil {
		for _, j := range requeue {
			l.exec.Admit(j)
		}
	}
	return len(inserted)
}

// ============================================================================
// 生命週期操作
// ============================================================================

// Execute admits the job to the execution manager.
func (l *JobList) Execute(id, owner string) (types.ExecutionPhase, error) {
	j, err := l.GetOwned(id, owner)
	if err != nil {
		return types.PhaseUnknown, err
	}
	if phase.IsFinished(j.Phase()) {
		return j.Phase(), &phase.TransitionError{From: j.Phase(), To: types.PhaseExecuting}
	}
	p := l.exec.Admit(j)
	l.publish(Event{Kind: EventPhase, List: l.cfg.Name, JobID: id, Phase: p})
	return p, nil
}

// Abort stops the job and frees its execution slot.
func (l *JobList) Abort(id, owner string) error {
	j, err := l.GetOwned(id, owner)
	if err != nil {
		return err
	}
	if err := j.Abort(); err != nil {
		return err
	}
	l.exec.Release(j)
	l.publish(Event{Kind: EventPhase, List: l.cfg.Name, JobID: id, Phase: types.PhaseAborted})
	return nil
}

// Archive moves a finished job to ARCHIVED.
func (l *JobList) Archive(id, owner string) error {
	j, err := l.GetOwned(id, owner)
	if err != nil {
		return err
	}
	if err := j.Transition(types.PhaseArchived, false); err != nil {
		return err
	}
	l.publish(Event{Kind: EventPhase, List: l.cfg.Name, JobID: id, Phase: types.PhaseArchived})
	return nil
}

// SweepExpired removes every job whose destruction time is not after now.
// It returns the removed ids.
func (l *JobList) SweepExpired(now time.Time) []string {
	var expired []string
	for _, j := range l.Snapshot() {
		d := j.DestructionTime()
		if !d.IsZero() && !d.After(now) {
			expired = append(expired, j.ID())
		}
	}

	removed := expired[:0]
	for _, id := range expired {
		if err := l.Remove(id); err != nil {
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		l.log.Info("Expired jobs destroyed", "count", len(removed))
	}
	return removed
}

// ============================================================================
// 訂閱
// ============================================================================

// Subscribe returns a channel receiving list events and a function that
// ends the subscription. Delivery never blocks the list: when the buffer
// is full the event is dropped, so subscribers must treat an event as a
// hint that something changed.
func (l *JobList) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *JobList) publish(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (l *JobList) insertLocked(j *job.Job) {
	l.jobs[j.ID()] = j
	owned, ok := l.byOwner[j.Owner()]
	if !ok {
		owned = make(map[string]*job.Job)
		l.byOwner[j.Owner()] = owned
	}
	owned[j.ID()] = j
}

func (l *JobList) deleteLocked(j *job.Job) {
	delete(l.jobs, j.ID())
	if owned, ok := l.byOwner[j.Owner()]; ok {
		delete(owned, j.ID())
		if len(owned) == 0 {
			delete(l.byOwner, j.Owner())
		}
	}
}

func (l *JobList) destructionFor(created, requested time.Time) time.Time {
	if requested.IsZero() {
		if l.cfg.DefaultDestruction <= 0 {
			return time.Time{}
		}
		requested = created.Add(l.cfg.DefaultDestruction)
	}
	if l.cfg.MaxDestruction > 0 {
		if limit := created.Add(l.cfg.MaxDestruction); requested.After(limit) {
			return limit
		}
	}
	return requested
}

func (l *JobList) executionDurationFor(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = l.cfg.DefaultExecutionDuration
	}
	if l.cfg.MaxExecutionDuration > 0 && (requested <= 0 || requested > l.cfg.MaxExecutionDuration) {
		return l.cfg.MaxExecutionDuration
	}
	return requested
}

func sortByCreation(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ta, tb := jobs[a].CreationTime(), jobs[b].CreationTime()
		if ta.Equal(tb) {
			return jobs[a].ID() < jobs[b].ID()
		}
		return ta.Before(tb)
	})
}
