package job

import (
	"context"
	"fmt"
	"time"

	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/metrics"
	"github.com/site-scanner/internal/storage"
)

// Error messages written on scans failed by the reaper.
const (
	StaleQueuedMessage  = "stale queued scan (auto-cleanup on startup)"
	StaleRunningMessage = "stale running scan (auto-timeout on startup)"
)

// Sweeper is the sweep half of the Job Store
type Sweeper interface {
	SweepStale(ctx context.Context, sweep storage.StaleSweep) (storage.SweepResult, error)
}

// Reaper fails scans abandoned by a previous process. It runs once at
// startup, before the worker loop claims anything.
type Reaper struct {
	store      Sweeper
	queuedTTL  time.Duration
	runningTTL time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// ReaperOption configures a Reaper
type ReaperOption func(*Reaper)

// WithReaperClock overrides the clock used to compute cutoffs.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// WithReaperMetrics records fixed counts.
func WithReaperMetrics(m *metrics.Metrics) ReaperOption {
	return func(r *Reaper) { r.metrics = m }
}

// NewReaper creates a Reaper with the configured TTLs
func NewReaper(store Sweeper, cfg config.ReaperConfig, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:      store,
		queuedTTL:  cfg.QueuedTTL,
		runningTTL: cfg.RunningTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep fails queued scans older than the queued TTL and running scans
// started longer ago than the running TTL. Running it twice in a row fixes
// nothing the second time.
func (r *Reaper) Sweep(ctx context.Context) (storage.SweepResult, error) {
	now := r.now().UTC()
	res, err := r.store.SweepStale(ctx, storage.StaleSweep{
		QueuedCutoff:   now.Add(-r.queuedTTL),
		RunningCutoff:  now.Add(-r.runningTTL),
		QueuedMessage:  StaleQueuedMessage,
		RunningMessage: StaleRunningMessage,
	})
	if err != nil {
		return res, fmt.Errorf("failed to sweep stale scans: %w", err)
	}

	r.metrics.ObserveReaper(res.FixedQueued, res.FixedRunning)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"fixed_queued":  res.FixedQueued,
		"fixed_running": res.FixedRunning,
	}).Info("Stale scan sweep complete")

	return res, nil
}
