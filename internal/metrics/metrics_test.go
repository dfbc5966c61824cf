package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellflow/internal/domain"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.TaskEnqueued("echo")
	c.TaskEnqueued("echo")
	c.TaskFinished("echo", domain.StatusCompleted, 20*time.Millisecond)
	c.TaskFinished("boom", domain.StatusFailed, time.Millisecond)
	c.TaskRetried("boom")
	c.QueueChanged(3, 1)
	c.ScheduleFired("echo")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.enqueued.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("echo", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("boom", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retried.WithLabelValues("boom")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueLen))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busy))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduled.WithLabelValues("echo")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.TaskEnqueued("echo")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wellflow_tasks_enqueued_total{task="echo"} 1`)
}
