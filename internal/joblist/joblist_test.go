package joblist

// ============================================================================
// Job List Test File
// Purpose: Verify indexing, ownership, filters, destruction and events
// ============================================================================

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/uws-engine/internal/execmgr"
	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/testutil"
	"github.com/ChuLiYu/uws-engine/internal/worker"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

func blockingTask(*job.Job) (worker.TaskFunc, error) {
	return func(ctx context.Context, _ *job.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil
}

func newList(t *testing.T, cfg Config) *JobList {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "query"
	}
	m := execmgr.New(execmgr.Config{}, blockingTask)
	l := New(cfg, m, nil, nil)
	t.Cleanup(m.Shutdown)
	return l
}

func ids(jobs []*job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID())
	}
	return out
}

// ============================================================================
// 新增 / 查詢 / 刪除
// ============================================================================

func TestNewJobGeneratesUUID(t *testing.T) {
	l := newList(t, Config{})
	j, err := l.NewJob("alice", []types.Parameter{types.Scalar("QUERY", "SELECT 1")}, NewJobOptions{})
	require.NoError(t, err)

	_, err = uuid.Parse(j.ID())
	assert.NoError(t, err)
	assert.Equal(t, types.PhasePending, j.Phase())
	assert.Equal(t, "alice", j.Owner())
	assert.Equal(t, 1, l.Len())

	got, err := l.Get(j.ID())
	require.NoError(t, err)
	assert.Same(t, j, got)
}

func TestAddDuplicate(t *testing.T) {
	l := newList(t, Config{})
	require.NoError(t, l.Add(job.New(job.Options{ID: "a"})))
	assert.ErrorIs(t, l.Add(job.New(job.Options{ID: "a"})), ErrDuplicateJob)
}

func TestGetOwned(t *testing.T) {
	l := newList(t, Config{})
	require.NoError(t, l.Add(job.New(job.Options{ID: "owned", Owner: "alice"})))
	require.NoError(t, l.Add(job.New(job.Options{ID: "anon"})))

	_, err := l.GetOwned("owned", "alice")
	assert.NoError(t, err)
	_, err = l.GetOwned("owned", "bob")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = l.GetOwned("owned", "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = l.GetOwned("anon", "bob")
	assert.NoError(t, err)
	_, err = l.GetOwned("missing", "alice")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRemoveAbortsActiveJob(t *testing.T) {
	l := newList(t, Config{})
	j, err := l.NewJob("alice", nil, NewJobOptions{})
	require.NoError(t, err)
	_, err = l.Execute(j.ID(), "alice")
	require.NoError(t, err)
	require.Equal(t, types.PhaseExecuting, j.Phase())

	require.NoError(t, l.Remove(j.ID()))
	assert.Equal(t, types.PhaseAborted, j.Phase())
	assert.Zero(t, l.Len())
	assert.Empty(t, l.List("alice", nil))
	assert.False(t, l.Manager().IsRunning(j.ID()))
	assert.ErrorIs(t, l.Remove(j.ID()), ErrJobNotFound)
}

// ============================================================================
// 生命週期操作
// ============================================================================

func TestExecuteAbortArchive(t *testing.T) {
	l := newList(t, Config{})
	j, err := l.NewJob("alice", nil, NewJobOptions{})
	require.NoError(t, err)

	_, err = l.Execute(j.ID(), "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	p, err := l.Execute(j.ID(), "alice")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseExecuting, p)

	require.NoError(t, l.Abort(j.ID(), "alice"))
	assert.Equal(t, types.PhaseAborted, j.Phase())

	_, err = l.Execute(j.ID(), "alice")
	assert.Error(t, err)

	require.NoError(t, l.Archive(j.ID(), "alice"))
	assert.Equal(t, types.PhaseArchived, j.Phase())
}

func TestArchiveRequiresFinishedJob(t *testing.T) {
	l := newList(t, Config{})
	j, err := l.NewJob("", nil, NewJobOptions{})
	require.NoError(t, err)
	assert.Error(t, l.Archive(j.ID(), ""))
	assert.Equal(t, types.PhasePending, j.Phase())
}

// ============================================================================
// 過濾
// ============================================================================

func addAt(t *testing.T, l *JobList, id, owner string, created time.Time, p types.ExecutionPhase) *job.Job {
	t.Helper()
	j := job.New(job.Options{ID: id, Owner: owner, CreationTime: created})
	if p != types.PhasePending {
		require.NoError(t, j.Transition(p, true))
	}
	require.NoError(t, l.Add(j))
	return j
}

func TestListFilters(t *testing.T) {
	l := newList(t, Config{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	addAt(t, l, "1", "alice", base, types.PhaseCompleted)
	addAt(t, l, "2", "alice", base.Add(time.Hour), types.PhaseError)
	addAt(t, l, "3", "alice", base.Add(2*time.Hour), types.PhaseArchived)
	addAt(t, l, "4", "bob", base.Add(3*time.Hour), types.PhasePending)
	addAt(t, l, "5", "alice", base.Add(4*time.Hour), types.PhasePending)

	tests := []struct {
		name    string
		owner   string
		filters Filters
		want    []string
	}{
		{"all hides archived", "", nil, []string{"1", "2", "4", "5"}},
		{"owner index", "alice", nil, []string{"1", "2", "5"}},
		{"phase", "", Filters{Phases(types.PhaseCompleted, types.PhaseError)}, []string{"1", "2"}},
		{"archived named", "", Filters{Phases(types.PhaseArchived)}, []string{"3"}},
		{"after", "", Filters{After(base.Add(time.Hour))}, []string{"4", "5"}},
		{"last", "", Filters{Last(2)}, []string{"4", "5"}},
		{"last after phase", "alice", Filters{Last(1), Phases(types.PhaseCompleted, types.PhaseError)}, []string{"2"}},
		{"last zero", "", Filters{Last(0)}, []string{}},
		{"and", "alice", Filters{Phases(types.PhasePending), After(base)}, []string{"5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(l.List(tt.owner, tt.filters)))
		})
	}
}

// ============================================================================
// 銷毀策略
// ============================================================================

func TestDestructionPolicy(t *testing.T) {
	l := newList(t, Config{DefaultDestruction: time.Hour, MaxDestruction: 24 * time.Hour})

	j, err := l.NewJob("", nil, NewJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, j.CreationTime().Add(time.Hour), j.DestructionTime())

	far := time.Now().Add(30 * 24 * time.Hour)
	capped, err := l.NewJob("", nil, NewJobOptions{DestructionTime: far})
	require.NoError(t, err)
	assert.Equal(t, capped.CreationTime().Add(24*time.Hour), capped.DestructionTime())

	added := job.New(job.Options{ID: "plain"})
	require.NoError(t, l.Add(added))
	assert.Equal(t, added.CreationTime().Add(time.Hour), added.DestructionTime())
}

func TestExecutionDurationPolicy(t *testing.T) {
	l := newList(t, Config{DefaultExecutionDuration: time.Minute, MaxExecutionDuration: time.Hour})

	j, err := l.NewJob("", nil, NewJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, j.ExecutionDuration())

	j, err = l.NewJob("", nil, NewJobOptions{ExecutionDuration: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, j.ExecutionDuration())
}

func TestSweepExpired(t *testing.T) {
	l := newList(t, Config{})
	now := time.Now().UTC()
	require.NoError(t, l.Add(job.New(job.Options{ID: "old", DestructionTime: now.Add(-time.Minute)})))
	require.NoError(t, l.Add(job.New(job.Options{ID: "due", DestructionTime: now})))
	require.NoError(t, l.Add(job.New(job.Options{ID: "young", DestructionTime: now.Add(time.Hour)})))
	require.NoError(t, l.Add(job.New(job.Options{ID: "forever"})))

	removed := l.SweepExpired(now)
	assert.ElementsMatch(t, []string{"old", "due"}, removed)
	assert.ElementsMatch(t, []string{"young", "forever"}, ids(l.Snapshot()))
}

// ============================================================================
// 快照 / 恢復 / 事件
// ============================================================================

func TestRestoreReadmitsQueuedJobs(t *testing.T) {
	l := newList(t, Config{})

	created := time.Now().UTC().Add(-time.Minute)
	queued := job.New(job.Options{ID: "q", Owner: "alice", CreationTime: created})
	require.NoError(t, queued.Transition(types.PhaseQueued, true))
	done := job.New(job.Options{ID: "d", Owner: "alice", CreationTime: created.Add(time.Second)})
	require.NoError(t, done.Transition(types.PhaseCompleted, true))

	n := l.Restore([]*job.Job{queued, done, job.New(job.Options{ID: "q"})})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"q", "d"}, ids(l.List("alice", nil)))

	testutil.MustWaitFor(t, func() bool { return queued.Phase() == types.PhaseExecuting })
	assert.Equal(t, types.PhaseCompleted, done.Phase())
}

func TestSubscribeEvents(t *testing.T) {
	l := newList(t, Config{})
	events, cancel := l.Subscribe(8)

	j, err := l.NewJob("", nil, NewJobOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Remove(j.ID()))

	ev := <-events
	assert.Equal(t, EventAdded, ev.Kind)
	assert.Equal(t, "query", ev.List)
	assert.Equal(t, j.ID(), ev.JobID)
	ev = <-events
	assert.Equal(t, EventRemoved, ev.Kind)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	_, err = l.NewJob("", nil, NewJobOptions{})
	assert.NoError(t, err)
}

func TestSubscribeNeverBlocks(t *testing.T) {
	l := newList(t, Config{})
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = l.NewJob("", nil, NewJobOptions{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}
}
