// ============================================================================
// uws-engine Blocking Coordinator - long-poll waits on phase changes
// ============================================================================
//
// Package: internal/blocking
// File: coordinator.go
// Purpose: Lets clients wait for a job's phase to change without polling,
// while bounding how many callers may wait per (job, caller) key.
//
// Protocol:
//   Wait(ctx, job, req)
//     ├─ Watch()            phase + change channel, taken before registering
//     ├─ Block()            key, capacity check, granted wait
//     ├─ select             change | timer | eviction | ctx
//     └─ Unblock()          always, idempotent
//
// Keys:
//   job id + principal when the caller is authenticated, job id + origin
//   hint otherwise.
//
// ============================================================================

package blocking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

const (
	DefaultMaxWait          = 60 * time.Second
	DefaultMaxWaitersPerKey = 3
)

// Config holds the waiting policy.
type Config struct {
	MaxWait          time.Duration
	MaxWaitersPerKey int
	EvictOldest      bool // false: a full queue rejects the newcomer
}

// Recorder receives coordinator metrics.
type Recorder interface {
	WaitersChanged(total int)
	WaitRejected()
	WaiterEvicted()
}

// Waiter is one registered caller.
type Waiter struct {
	key     string
	granted time.Duration
	evicted chan struct{}
	once    sync.Once
}

// Granted returns how long the waiter may block.
func (w *Waiter) Granted() time.Duration { return w.granted }

// Evicted is closed when a newer caller pushed this waiter out.
func (w *Waiter) Evicted() <-chan struct{} { return w.evicted }

func (w *Waiter) evict() {
	w.once.Do(func() { close(w.evicted) })
}

// Request describes one wait.
type Request struct {
	MaxWait   time.Duration // < 0 asks for the maximum
	Principal string
	Origin    string
	// Until restricts the early return to one phase. Empty means any change.
	Until types.ExecutionPhase
}

// Outcome tells why a wait returned.
type Outcome int

const (
	NotBlocked Outcome = iota
	Changed
	TimedOut
	Evicted
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case NotBlocked:
		return "not_blocked"
	case Changed:
		return "changed"
	case TimedOut:
		return "timed_out"
	case Evicted:
		return "evicted"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is what a wait observed.
type Result struct {
	Phase   types.ExecutionPhase
	Granted time.Duration
	Outcome Outcome
}

// Coordinator owns the waiter queues of every key.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	recorder Recorder

	mu     sync.Mutex
	queues map[string][]*Waiter
	total  int
}

// New creates a coordinator; zero config values take the defaults.
func New(cfg Config, log *slog.Logger, recorder Recorder) *Coordinator {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MaxWaitersPerKey <= 0 {
		cfg.MaxWaitersPerKey = DefaultMaxWaitersPerKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		recorder: recorder,
		queues:   make(map[string][]*Waiter),
	}
}

// Key builds the waiter key of a caller.
func Key(jobID, principal, origin string) string {
	if principal != "" {
		return jobID + "|principal:" + principal
	}
	return jobID + "|origin:" + origin
}

// GrantedWait caps a requested wait by the configured maximum.
func (c *Coordinator) GrantedWait(requested time.Duration) time.Duration {
	if requested < 0 || requested > c.cfg.MaxWait {
		return c.cfg.MaxWait
	}
	return requested
}

// Block registers a caller waiting on j. It returns a nil waiter and a
// zero grant when the caller must not block: no job, a job outside the
// active phases, a zero wait, or a full queue under the reject policy.
func (c *Coordinator) Block(j *job.Job, requested time.Duration, principal, origin string) (*Waiter, time.Duration) {
	if j == nil {
		return nil, 0
	}
	if !phase.IsActive(j.Phase()) {
		return nil, 0
	}
	granted := c.GrantedWait(requested)
	if granted == 0 {
		return nil, 0
	}

	key := Key(j.ID(), principal, origin)

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[key]
	if len(q) >= c.cfg.MaxWaitersPerKey {
		if !c.cfg.EvictOldest {
			c.log.Debug("Waiter queue full, rejecting", "key", key, "size", len(q))
			if c.recorder != nil {
				c.recorder.WaitRejected()
			}
			return nil, 0
		}
		oldest := q[0]
		q = q[1:]
		c.total--
		oldest.evict()
		c.log.Debug("Waiter queue full, evicted oldest", "key", key)
		if c.recorder != nil {
			c.recorder.WaiterEvicted()
		}
	}

	w := &Waiter{key: key, granted: granted, evicted: make(chan struct{})}
	c.queues[key] = append(q, w)
	c.total++
	c.reportLocked()
	return w, granted
}

// Unblock removes w from its queue. Removing an absent or nil waiter is a
// no-op.
func (c *Coordinator) Unblock(w *Waiter) {
	if w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[w.key]
	for i, cur := range q {
		if cur != w {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(c.queues, w.key)
		} else {
			c.queues[w.key] = q
		}
		c.total--
		c.reportLocked()
		return
	}
}

// Wait blocks until the job's phase changes (or reaches req.Until), the
// granted wait elapses, the waiter is evicted, or ctx is done. A timeout
// is a normal outcome.
func (c *Coordinator) Wait(ctx context.Context, j *job.Job, req Request) Result {
	if j == nil {
		return Result{Phase: types.PhaseUnknown}
	}

	current, changed := j.Watch()
	if req.Until != "" && current == req.Until {
		return Result{Phase: current}
	}

	w, granted := c.Block(j, req.MaxWait, req.Principal, req.Origin)
	if w == nil {
		return Result{Phase: j.Phase()}
	}
	defer c.Unblock(w)

	timer := time.NewTimer(granted)
	defer timer.Stop()

	for {
		select {
		case <-changed:
			current, changed = j.Watch()
			if req.Until == "" || current == req.Until {
				return Result{Phase: current, Granted: granted, Outcome: Changed}
			}
		case <-timer.C:
			return Result{Phase: j.Phase(), Granted: granted, Outcome: TimedOut}
		case <-w.Evicted():
			return Result{Phase: j.Phase(), Granted: granted, Outcome: Evicted}
		case <-ctx.Done():
			return Result{Phase: j.Phase(), Granted: granted, Outcome: Cancelled}
		}
	}
}

// Waiting returns the number of waiters registered under key.
func (c *Coordinator) Waiting(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[key])
}

// Total returns the number of registered waiters across all keys.
func (c *Coordinator) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Coordinator) reportLocked() {
	if c.recorder != nil {
		c.recorder.WaitersChanged(c.total)
	}
}
