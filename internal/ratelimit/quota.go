// Package ratelimit enforces per-user scan quotas and per-site retest
// cooldowns at enqueue time.
package ratelimit

import (
	"context"
	"time"

	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/types"
)

// Reason says why a request was denied
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonQuota    Reason = "quota"
	ReasonCooldown Reason = "cooldown"
)

// Request describes one enqueue attempt
type Request struct {
	UserID   int64
	SiteID   int64
	ScanType types.ScanType
	Limit    int           // scans allowed per Window, any type
	Window   time.Duration // rolling window
	Cooldown time.Duration // minimum gap per (user, site, type); 0 disables
}

// Decision is the outcome of Acquire. A denied decision reports Used and,
// for cooldowns, how long until a retry can succeed.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Used       int
	RetryAfter time.Duration

	// set on allowed Redis decisions so Release can undo them
	member      string
	windowKey   string
	cooldownKey string
}

// Limiter checks a request against the quota and the cooldown, quota
// first, and records it when allowed. Release undoes an allowed decision
// whose scan was never created.
type Limiter interface {
	Acquire(ctx context.Context, req Request) (Decision, error)
	Release(ctx context.Context, d Decision) error
}

// FallbackLimiter uses Primary and switches to Fallback for any request
// Primary fails to answer.
type FallbackLimiter struct {
	Primary  Limiter
	Fallback Limiter
}

// Acquire asks Primary, then Fallback when Primary errors
func (f *FallbackLimiter) Acquire(ctx context.Context, req Request) (Decision, error) {
	d, err := f.Primary.Acquire(ctx, req)
	if err == nil {
		return d, nil
	}
	logging.FromContext(ctx).WithError(err).Warn("Quota backend unavailable, using store counts")
	return f.Fallback.Acquire(ctx, req)
}

// Release releases on whichever limiter produced d
func (f *FallbackLimiter) Release(ctx context.Context, d Decision) error {
	if d.member != "" {
		return f.Primary.Release(ctx, d)
	}
	return f.Fallback.Release(ctx, d)
}
