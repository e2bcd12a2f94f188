package job

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

func newTestJob(id, owner string) *Job {
	return New(Options{
		ID:         id,
		Owner:      owner,
		Parameters: []types.Parameter{types.Scalar("query", "SELECT 1")},
	})
}

func runToExecuting(t *testing.T, j *Job) uint64 {
	t.Helper()
	require.NoError(t, j.Transition(types.PhaseQueued, false))
	require.NoError(t, j.Transition(types.PhaseExecuting, false))
	exec, ok := j.Bind(func() {})
	require.True(t, ok)
	return exec
}

// Scenario: PENDING -> QUEUED succeeds, QUEUED -> COMPLETED is rejected.
func TestTransitionScenario(t *testing.T) {
	j := newTestJob("J", "alice")
	assert.Equal(t, types.PhasePending, j.Phase())

	require.NoError(t, j.Transition(types.PhaseQueued, false))
	assert.Equal(t, types.PhaseQueued, j.Phase())

	err := j.Transition(types.PhaseCompleted, false)
	assert.ErrorIs(t, err, phase.ErrInvalidTransition)
	assert.Equal(t, types.PhaseQueued, j.Phase())
}

func TestParametersOnlyUpdatableWhilePending(t *testing.T) {
	j := newTestJob("J", "")
	require.NoError(t, j.SetParameter(types.Scalar("maxrec", "10")))
	require.NoError(t, j.SetParameter(types.Scalar("query", "SELECT 2")))

	params := j.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, "SELECT 2", params[0].Value(), "replacing keeps declaration order")
	assert.Equal(t, "maxrec", params[1].Name)

	require.NoError(t, j.Transition(types.PhaseQueued, false))
	assert.ErrorIs(t, j.SetParameter(types.Scalar("maxrec", "20")), ErrNotUpdatable)
	assert.ErrorIs(t, j.SetExecutionDuration(time.Minute), ErrNotUpdatable)
}

func TestResultsAppendOnlyWhileExecuting(t *testing.T) {
	j := newTestJob("J", "")
	assert.ErrorIs(t, j.AddResult(types.Result{ID: "r0"}), ErrNotExecuting)

	exec := runToExecuting(t, j)
	require.NoError(t, j.AddResult(types.Result{ID: "r1"}))
	require.NoError(t, j.AddResult(types.Result{ID: "r2"}))
	require.NoError(t, j.Finish(exec, types.PhaseCompleted, nil))

	assert.ErrorIs(t, j.AddResult(types.Result{ID: "r3"}), ErrNotExecuting)
	results := j.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "r2", results[1].ID)
}

func TestTimestampInvariants(t *testing.T) {
	j := newTestJob("J", "")
	assert.True(t, j.StartTime().IsZero())
	assert.True(t, j.EndTime().IsZero())

	exec := runToExecuting(t, j)
	assert.False(t, j.StartTime().IsZero())
	assert.True(t, j.EndTime().IsZero())

	require.NoError(t, j.Finish(exec, types.PhaseError, &types.ErrorSummary{Type: types.ErrorFatal, Message: "boom"}))
	assert.False(t, j.EndTime().IsZero())
	require.NotNil(t, j.Error())
	assert.Equal(t, "boom", j.Error().Message)
}

func TestWatchBroadcastsPhaseChange(t *testing.T) {
	j := newTestJob("J", "")
	p, ch := j.Watch()
	assert.Equal(t, types.PhasePending, p)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ch:
			case <-time.After(2 * time.Second):
				t.Error("waiter was not notified")
			}
		}()
	}

	require.NoError(t, j.Transition(types.PhaseQueued, false))
	wg.Wait()

	p2, ch2 := j.Watch()
	assert.Equal(t, types.PhaseQueued, p2)
	select {
	case <-ch2:
		t.Fatal("new channel must stay open until the next change")
	default:
	}
}

func TestAbortFiresCancel(t *testing.T) {
	j := newTestJob("J", "")
	require.NoError(t, j.Transition(types.PhaseQueued, false))
	require.NoError(t, j.Transition(types.PhaseExecuting, false))

	cancelled := make(chan struct{})
	_, ok := j.Bind(func() { close(cancelled) })
	require.True(t, ok)

	require.NoError(t, j.Abort())
	assert.Equal(t, types.PhaseAborted, j.Phase())
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel was not called")
	}

	require.NoError(t, j.Abort(), "second abort is a no-op")
}

func TestAbortFinishedJobFails(t *testing.T) {
	j := newTestJob("J", "")
	exec := runToExecuting(t, j)
	require.NoError(t, j.Finish(exec, types.PhaseCompleted, nil))
	assert.ErrorIs(t, j.Abort(), phase.ErrInvalidTransition)
}

func TestBindRequiresExecuting(t *testing.T) {
	j := newTestJob("J", "")
	_, ok := j.Bind(func() {})
	assert.False(t, ok)
}

func TestInterruptInvalidatesExecution(t *testing.T) {
	j := newTestJob("J", "")
	exec := runToExecuting(t, j)

	j.Interrupt(types.PhasePending)
	assert.Equal(t, types.PhasePending, j.Phase())
	assert.True(t, j.EndTime().IsZero())

	err := j.Finish(exec, types.PhaseAborted, nil)
	assert.True(t, errors.Is(err, ErrStaleExecution))
	assert.Equal(t, types.PhasePending, j.Phase())
}

// Two outcomes race on the same run: exactly one wins.
func TestConcurrentOutcomesSingleWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		j := newTestJob("J", "")
		exec := runToExecuting(t, j)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = j.Finish(exec, types.PhaseCompleted, nil)
		}()
		go func() {
			defer wg.Done()
			errs[1] = j.Finish(exec, types.PhaseError, &types.ErrorSummary{Type: types.ErrorFatal, Message: "x"})
		}()
		wg.Wait()

		if errs[0] == nil {
			assert.ErrorIs(t, errs[1], phase.ErrInvalidTransition)
			assert.Equal(t, types.PhaseCompleted, j.Phase())
			assert.Nil(t, j.Error())
		} else {
			assert.NoError(t, errs[1])
			assert.ErrorIs(t, errs[0], phase.ErrInvalidTransition)
			assert.Equal(t, types.PhaseError, j.Phase())
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := New(Options{
		ID:                "job-1",
		Owner:             "alice",
		CreationTime:      created,
		DestructionTime:   created.Add(72 * time.Hour),
		ExecutionDuration: 30 * time.Second,
		Parameters: []types.Parameter{
			types.Scalar("query", "SELECT *"),
			{Name: "bands", Kind: types.ParamArray, Values: []string{"u", "g", "r"}},
			{Name: "upload", Kind: types.ParamFile, File: &types.FileRef{ID: "f1", Location: "blob://f1", Size: 12}},
		},
	})
	exec := runToExecuting(t, j)
	require.NoError(t, j.AddResult(types.Result{ID: "result", Type: "simple", Href: "http://x/r", MIMEType: "text/csv", Size: 42}))
	require.NoError(t, j.Finish(exec, types.PhaseError, &types.ErrorSummary{Type: types.ErrorTransient, Message: "db busy", HasDetail: true}))

	rec := j.Record("async")
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded types.JobRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := FromRecord(decoded)
	require.NoError(t, err)
	assert.Equal(t, rec, restored.Record("async"))
	assert.Equal(t, "alice", restored.Owner())
	assert.Equal(t, types.PhaseError, restored.Phase())
	assert.Equal(t, 30*time.Second, restored.ExecutionDuration())
}

func TestRecordKeepsSubSecondBudgets(t *testing.T) {
	tests := []struct {
		name   string
		budget time.Duration
		want   time.Duration
	}{
		{"half second", 500 * time.Millisecond, time.Second},
		{"fractional", 1500 * time.Millisecond, 2 * time.Second},
		{"whole", 3 * time.Second, 3 * time.Second},
		{"unlimited", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(Options{ID: "budget", ExecutionDuration: tt.budget, Quote: tt.budget})
			assert.Equal(t, tt.want, j.ExecutionDuration())
			assert.Equal(t, tt.want, j.Quote())

			restored, err := FromRecord(j.Record("l"))
			require.NoError(t, err)
			assert.Equal(t, j.ExecutionDuration(), restored.ExecutionDuration())
			assert.Equal(t, j.Quote(), restored.Quote())
		})
	}

	j := newTestJob("pending", "")
	require.NoError(t, j.SetExecutionDuration(200*time.Millisecond))
	assert.Equal(t, time.Second, j.ExecutionDuration())
	assert.Equal(t, int64(1), j.Record("l").ExecutionDuration)
}

func TestRecordAnonymousUnlimited(t *testing.T) {
	j := newTestJob("anon", "")
	rec := j.Record("sync")
	assert.Nil(t, rec.Owner)
	assert.Equal(t, int64(-1), rec.ExecutionDuration)
	assert.Equal(t, int64(-1), rec.Quote)
	assert.Nil(t, rec.StartTime)
	assert.Nil(t, rec.EndTime)
}

func TestFromRecordRejectsInvalid(t *testing.T) {
	_, err := FromRecord(types.JobRecord{Phase: types.PhasePending})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = FromRecord(types.JobRecord{ID: "x", Phase: "RUNNING"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
