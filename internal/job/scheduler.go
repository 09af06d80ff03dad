// Package job claims queued scans, runs them to a terminal state and
// sweeps stale ones.
package job

import (
	"context"
	"fmt"

	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/metrics"
	"github.com/site-scanner/internal/models"
)

// Claimer is the claim half of the Job Store
type Claimer interface {
	ClaimNext(ctx context.Context) (*models.ClaimedScan, error)
}

// Scheduler hands out the next scan to run. Priority-plan owners are served
// first and ties break on the lowest scan id; the store does the ordering and
// the locking so two claimers never receive the same scan.
type Scheduler struct {
	store   Claimer
	metrics *metrics.Metrics
}

// NewScheduler creates a Scheduler over store. m may be nil.
func NewScheduler(store Claimer, m *metrics.Metrics) *Scheduler {
	return &Scheduler{store: store, metrics: m}
}

// Next claims one scan. It returns nil, nil when the queue is empty.
func (s *Scheduler) Next(ctx context.Context) (*models.ClaimedScan, error) {
	claimed, err := s.store.ClaimNext(ctx)
	if err != nil {
		s.metrics.ObserveClaimError()
		return nil, fmt.Errorf("failed to claim next scan: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	s.metrics.ObserveClaim(string(claimed.Tier))
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scan_id":   claimed.ID,
		"scan_type": claimed.Type,
		"tier":      claimed.Tier,
	}).Info("Claimed scan")

	return claimed, nil
}
