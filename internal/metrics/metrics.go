// Package metrics holds the Prometheus collectors for the scan pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanner"

// Metrics holds all Prometheus collectors for claims, scans, crawls and the reaper.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ScansClaimed     *prometheus.CounterVec
	ScansFinished    *prometheus.CounterVec
	ScanDuration     *prometheus.HistogramVec
	ScansRunning     prometheus.Gauge
	PagesCrawled     *prometheus.CounterVec
	GuardRejections  prometheus.Counter
	ReaperFixed      *prometheus.CounterVec
	ClaimErrors      prometheus.Counter
	EventSinkDropped prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New creates and registers the collectors. A nil registerer uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScansClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_claimed_total",
			Help:      "Scans claimed by the worker loop",
		}, []string{"tier"}),
		ScansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal state",
		}, []string{"scan_type", "status"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock time from claim to terminal update",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		}, []string{"scan_type"}),
		ScansRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_running",
			Help:      "Scans currently executing in this process",
		}),
		PagesCrawled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_crawled_total",
			Help:      "Pages fetched by the crawler",
		}, []string{"outcome"}),
		GuardRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Targets rejected by the target guard",
		}),
		ReaperFixed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_fixed_total",
			Help:      "Stale scans failed by the reaper",
		}, []string{"kind"}),
		ClaimErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_errors_total",
			Help:      "Claim attempts that returned an error",
		}),
		EventSinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_dropped_total",
			Help:      "Scan events not written to the analytics sink",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route template and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route template",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveClaim counts a claim from the given tier.
func (m *Metrics) ObserveClaim(tier string) {
	if m == nil {
		return
	}
	m.ScansClaimed.WithLabelValues(tier).Inc()
}

// ObserveClaimError counts a failed claim attempt.
func (m *Metrics) ObserveClaimError() {
	if m == nil {
		return
	}
	m.ClaimErrors.Inc()
}

// ObserveFinished records a terminal scan outcome and its duration.
func (m *Metrics) ObserveFinished(scanType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ScansFinished.WithLabelValues(scanType, status).Inc()
	m.ScanDuration.WithLabelValues(scanType).Observe(seconds)
}

// ScanStarted and ScanEnded track in-flight scans.
func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.ScansRunning.Inc()
}

func (m *Metrics) ScanEnded() {
	if m == nil {
		return
	}
	m.ScansRunning.Dec()
}

// ObservePage counts a crawled page; ok is false when the fetch failed.
func (m *Metrics) ObservePage(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.PagesCrawled.WithLabelValues(outcome).Inc()
}

// ObserveGuardRejection counts a rejected target.
func (m *Metrics) ObserveGuardRejection() {
	if m == nil {
		return
	}
	m.GuardRejections.Inc()
}

// ObserveReaper adds the scans a sweep fixed.
func (m *Metrics) ObserveReaper(queued, running int) {
	if m == nil {
		return
	}
	m.ReaperFixed.WithLabelValues("queued").Add(float64(queued))
	m.ReaperFixed.WithLabelValues("running").Add(float64(running))
}

// ObserveSinkDrop counts a scan event that was not written.
func (m *Metrics) ObserveSinkDrop() {
	if m == nil {
		return
	}
	m.EventSinkDropped.Inc()
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}
