package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/site-scanner/internal/types"
)

// ScanCounter is the slice of the Job Store quota checks read from
type ScanCounter interface {
	CountScansSince(ctx context.Context, userID int64, since time.Time) (int, error)
	LatestScanAt(ctx context.Context, userID, siteID int64, scanType types.ScanType) (*time.Time, error)
}

// StoreQuota answers quota questions from scans already in the store. It
// records nothing itself: the scan row created after an allowed decision
// is the record.
type StoreQuota struct {
	store ScanCounter
	now   func() time.Time
}

// NewStoreQuota creates a limiter over store
func NewStoreQuota(store ScanCounter) (*StoreQuota, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &StoreQuota{store: store, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the time source, for tests.
func (q *StoreQuota) WithClock(now func() time.Time) *StoreQuota {
	q.now = now
	return q
}

// Acquire counts the user's scans in the window, then checks the cooldown
func (q *StoreQuota) Acquire(ctx context.Context, req Request) (Decision, error) {
	now := q.now()
	used, err := q.store.CountScansSince(ctx, req.UserID, now.Add(-req.Window))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count scans: %w", err)
	}
	if used >= req.Limit {
		return Decision{Reason: ReasonQuota, Used: used}, nil
	}

	if req.Cooldown > 0 {
		last, err := q.store.LatestScanAt(ctx, req.UserID, req.SiteID, req.ScanType)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load latest scan: %w", err)
		}
		if last != nil {
			if since := now.Sub(*last); since < req.Cooldown {
				return Decision{Reason: ReasonCooldown, Used: used, RetryAfter: req.Cooldown - since}, nil
			}
		}
	}

	return Decision{Allowed: true, Used: used}, nil
}

// Release is a no-op; there is nothing to undo.
func (q *StoreQuota) Release(context.Context, Decision) error {
	return nil
}
