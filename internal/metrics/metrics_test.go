package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.ScanStarted()
	c.ScanStarted()
	c.ScanFinished(StatusCompleted, 3*time.Second)
	c.ScanFinished(StatusFailed, time.Second)
	c.TraceAppended()
	c.TraceAppended()
	c.TraceAppended()
	c.TraceAppendFailed()
	c.ObserverAdded()
	c.ObserverAdded()
	c.ObserverRemoved(true)

	assert.InDelta(t, 2, testutil.ToFloat64(c.scansStarted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.scansFinished.WithLabelValues(StatusCompleted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.scansFinished.WithLabelValues(StatusFailed)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.traceEvents), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.traceAppendFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.observers), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.observerDrops), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(c.scanDuration))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ScanStarted()
	c.ScanFinished(StatusCancelled, time.Second)
	c.TraceAppended()
	c.TraceAppendFailed()
	c.ObserverAdded()
	c.ObserverRemoved(false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ScanStarted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "threatwatch_scans_started_total 1"))
}
