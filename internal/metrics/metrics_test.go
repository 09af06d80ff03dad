package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveClaim("priority")
	m.ObserveClaim("priority")
	m.ObserveClaim("standard")
	m.ObserveClaimError()
	m.ObserveFinished("public", "done", 1.5)
	m.ObservePage(true)
	m.ObservePage(false)
	m.ObservePage(false)
	m.ObserveGuardRejection()
	m.ObserveReaper(2, 1)
	m.ScanStarted()
	m.ScanStarted()
	m.ScanEnded()
	m.ObserveHTTP("GET", "/api/scans/{scanId}", 200, 0.01)
	m.ObserveHTTP("GET", "/api/scans/{scanId}", 404, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScansClaimed.WithLabelValues("priority")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansClaimed.WithLabelValues("standard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansFinished.WithLabelValues("public", "done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesCrawled.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardRejections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReaperFixed.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/scans/{scanId}", "404")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveClaim("priority")
		m.ObserveClaimError()
		m.ObserveFinished("advanced", "failed", 3)
		m.ObservePage(true)
		m.ObserveGuardRejection()
		m.ObserveReaper(1, 1)
		m.ObserveSinkDrop()
		m.ScanStarted()
		m.ScanEnded()
		m.ObserveHTTP("GET", "/health", 200, 0)
	})
}
