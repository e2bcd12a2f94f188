package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/uws-engine/internal/blocking"
	"github.com/ChuLiYu/uws-engine/internal/backup"
	"github.com/ChuLiYu/uws-engine/internal/execmgr"
	"github.com/ChuLiYu/uws-engine/internal/joblist"
	"github.com/ChuLiYu/uws-engine/internal/worker"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

var (
	_ execmgr.Recorder  = (*ListRecorder)(nil)
	_ worker.Observer   = (*ListRecorder)(nil)
	_ joblist.Recorder  = (*ListRecorder)(nil)
	_ blocking.Recorder = (*Collector)(nil)
	_ backup.Recorder   = (*Collector)(nil)
)

func TestNewCollector(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	assert.NotNil(t, c.Registry())

	// a nil registry gets its own
	assert.NotNil(t, NewCollector(nil).Registry())
}

func TestListRecorder(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	q := c.List("query")
	other := c.List("other")

	q.JobCreated()
	q.JobCreated()
	q.JobAdmitted()
	q.AdmissionFailed()
	q.JobsRemoved(3)
	q.ExecutionStats(2, 5)
	q.JobFinished(types.PhaseCompleted, 2*time.Second)
	q.JobFinished(types.PhaseError, time.Second)
	other.JobCreated()

	assert.Equal(t, 2.0, promtest.ToFloat64(c.jobsCreated.WithLabelValues("query")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.jobsCreated.WithLabelValues("other")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.jobsAdmitted.WithLabelValues("query")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.admissionFailures.WithLabelValues("query")))
	assert.Equal(t, 3.0, promtest.ToFloat64(c.jobsRemoved.WithLabelValues("query")))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.jobsRunning.WithLabelValues("query")))
	assert.Equal(t, 5.0, promtest.ToFloat64(c.jobsQueued.WithLabelValues("query")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.jobsFinished.WithLabelValues("query", "COMPLETED")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.jobsFinished.WithLabelValues("query", "ERROR")))
}

func TestBlockingAndBackupMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.WaitersChanged(4)
	c.WaitRejected()
	c.WaiterEvicted()
	c.WaiterEvicted()
	c.BackupSaved(12, 30*time.Millisecond)
	c.BackupFailed()
	c.Restored(10, 2, 1500*time.Millisecond)

	assert.Equal(t, 4.0, promtest.ToFloat64(c.blockedWaiters))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.blockedRejected))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.blockedEvicted))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.backupSaves))
	assert.Equal(t, 12.0, promtest.ToFloat64(c.backupJobs))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.backupFailures))
	assert.Equal(t, 1.5, promtest.ToFloat64(c.recoveryTime))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.restoreSkipped))
}

func TestHandler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.List("query").JobCreated()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `uws_jobs_created_total{list="query"} 1`)
}
