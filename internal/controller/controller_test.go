package controller

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/uws-engine/internal/backup"
	"github.com/ChuLiYu/uws-engine/internal/config"
	"github.com/ChuLiYu/uws-engine/internal/joblist"
	"github.com/ChuLiYu/uws-engine/internal/metrics"
	"github.com/ChuLiYu/uws-engine/internal/testutil"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig(policy string) *config.Config {
	cfg := config.Default()
	cfg.Lists = []config.ListConfig{
		{Name: "query", Task: "sleep"},
		{Name: "batch", Task: "sleep", MaxRunning: 1},
	}
	cfg.Execution.InterruptPolicy = policy
	cfg.Backup.Mode = "off"
	cfg.Backup.Sink = "memory"
	cfg.SweepInterval = time.Hour
	return cfg
}

// createTestController creates a started controller writing to sink.
func createTestController(t *testing.T, cfg *config.Config, sink backup.Sink) *Controller {
	t.Helper()
	c, err := NewController(context.Background(), cfg,
		WithSink(sink),
		WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func stop(c *Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Stop(ctx)
}

func waitPhase(t *testing.T, c *Controller, list, id string, want types.ExecutionPhase) {
	t.Helper()
	l, err := c.List(list)
	require.NoError(t, err)
	testutil.MustWaitFor(t, func() bool {
		j, err := l.Get(id)
		return err == nil && j.Phase() == want
	}, testutil.WithTimeout(2*time.Second))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	assert.Equal(t, []string{"query", "batch"}, c.ListNames())
	_, err := c.List("query")
	assert.NoError(t, err)
	_, err = c.List("missing")
	assert.ErrorIs(t, err, ErrUnknownList)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestNewControllerRejectsUnknownSink(t *testing.T) {
	cfg := testConfig("abort")
	cfg.Backup.Sink = "ftp"
	_, err := NewController(context.Background(), cfg, WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	assert.Error(t, err)
}

func TestCreateJobRunsTask(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	j, err := c.CreateJob("query", "alice", []types.Parameter{types.Scalar("duration", "10ms")}, joblist.NewJobOptions{}, true)
	require.NoError(t, err)
	waitPhase(t, c, "query", j.ID(), types.PhaseCompleted)
	assert.Len(t, j.Results(), 1)
}

func TestCreateJobWithoutRunStaysPending(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	j, err := c.CreateJob("query", "", nil, joblist.NewJobOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, j.Phase())
}

func TestTaskParameterSelectsTask(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	j, err := c.CreateJob("query", "", []types.Parameter{
		types.Scalar(TaskParam, "fail"),
		types.Scalar("message", "bad input"),
	}, joblist.NewJobOptions{}, true)
	require.NoError(t, err)

	waitPhase(t, c, "query", j.ID(), types.PhaseError)
	require.NotNil(t, j.Error())
	assert.Equal(t, "bad input", j.Error().Message)
}

func TestUnknownTaskLeavesJobPending(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	j, err := c.CreateJob("query", "", []types.Parameter{types.Scalar(TaskParam, "nope")}, joblist.NewJobOptions{}, true)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, j.Phase())
}

func TestCreateJobUnknownList(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	_, err := c.CreateJob("missing", "", nil, joblist.NewJobOptions{}, false)
	assert.ErrorIs(t, err, ErrUnknownList)
}

func TestSweep(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	past := time.Now().UTC().Add(-time.Minute)
	_, err := c.CreateJob("query", "", nil, joblist.NewJobOptions{DestructionTime: past}, false)
	require.NoError(t, err)
	_, err = c.CreateJob("query", "", nil, joblist.NewJobOptions{}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Sweep(time.Now().UTC()))
	l, _ := c.List("query")
	assert.Equal(t, 1, l.Len())
}

func TestGetStatus(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	defer stop(c)

	long := []types.Parameter{types.Scalar("duration", "1h")}
	_, err := c.CreateJob("batch", "", long, joblist.NewJobOptions{}, true)
	require.NoError(t, err)
	_, err = c.CreateJob("batch", "", long, joblist.NewJobOptions{}, true)
	require.NoError(t, err)
	_, err = c.CreateJob("query", "", nil, joblist.NewJobOptions{}, false)
	require.NoError(t, err)

	st := c.GetStatus()
	require.Len(t, st.Lists, 2)
	assert.Equal(t, "query", st.Lists[0].Name)
	assert.Equal(t, 1, st.Lists[0].Jobs)
	assert.Equal(t, 1, st.Lists[0].Phases[types.PhasePending])

	batch := st.Lists[1]
	assert.Equal(t, 2, batch.Jobs)
	assert.Equal(t, 1, batch.Running)
	assert.Equal(t, 1, batch.Queued)
	assert.Equal(t, 1, batch.Phases[types.PhaseExecuting])
	assert.Equal(t, 1, batch.Phases[types.PhaseQueued])
	assert.Contains(t, st.Tasks, "sleep")
}

// ============================================================================
// 關閉與恢復
// ============================================================================

func TestStopIsIdempotent(t *testing.T) {
	c := createTestController(t, testConfig("abort"), backup.NewMemorySink())
	stop(c)
	stop(c)

	_, err := c.CreateJob("query", "", nil, joblist.NewJobOptions{}, false)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestRestartRestoresJobs(t *testing.T) {
	tests := []struct {
		policy string
		want   types.ExecutionPhase
	}{
		{"abort", types.PhaseAborted},
		{"requeue", types.PhasePending},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			sink := backup.NewMemorySink()
			cfg := testConfig(tt.policy)
			cfg.Backup.Mode = "frequency"

			first := createTestController(t, cfg, sink)
			running, err := first.CreateJob("query", "alice", []types.Parameter{types.Scalar("duration", "1h")}, joblist.NewJobOptions{}, true)
			require.NoError(t, err)
			waitPhase(t, first, "query", running.ID(), types.PhaseExecuting)
			done, err := first.CreateJob("query", "alice", []types.Parameter{types.Scalar("duration", "1ms")}, joblist.NewJobOptions{}, true)
			require.NoError(t, err)
			waitPhase(t, first, "query", done.ID(), types.PhaseCompleted)
			stop(first)

			second := createTestController(t, cfg, sink)
			defer stop(second)

			l, err := second.List("query")
			require.NoError(t, err)
			assert.Equal(t, 2, l.Len())

			j, err := l.Get(running.ID())
			require.NoError(t, err)
			assert.Equal(t, tt.want, j.Phase())
			assert.Equal(t, "alice", j.Owner())

			j, err = l.Get(done.ID())
			require.NoError(t, err)
			assert.Equal(t, types.PhaseCompleted, j.Phase())
			assert.Len(t, j.Results(), 1)
		})
	}
}
