// Package service implements the enqueue and query operations behind the
// HTTP API.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/errors"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/ratelimit"
	"github.com/site-scanner/internal/storage"
	"github.com/site-scanner/internal/types"
)

// Messages returned to callers when a request is refused.
const (
	MsgSiteLimit          = "Site limit reached for current plan"
	MsgSiteNotVerified    = "Site must be verified before advanced scans"
	MsgAdvancedOnFreePlan = "Advanced scans are not available on Free plan"
	MsgPlanMissing        = "Plan missing"
	MsgUnknownUser        = "Unknown user"
)

// ScanService registers sites, enqueues scans and reads them back. Every
// operation is scoped to the calling user.
type ScanService struct {
	store   storage.Store
	limiter ratelimit.Limiter
	quota   config.QuotaConfig
}

// NewScanService creates a scan service. A nil limiter counts scans in the
// store.
func NewScanService(store storage.Store, limiter ratelimit.Limiter, quota config.QuotaConfig) (*ScanService, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if limiter == nil {
		sq, err := ratelimit.NewStoreQuota(store)
		if err != nil {
			return nil, err
		}
		limiter = sq
	}
	return &ScanService{store: store, limiter: limiter, quota: quota}, nil
}

// Output types

// EnqueueResult is returned when a scan is queued
type EnqueueResult struct {
	ScanID    int64            `json:"scanId"`
	Status    types.ScanStatus `json:"status"`
	CreatedAt string           `json:"createdAt"`
}

// ScanView is a scan as rendered to its owner
type ScanView struct {
	ID         int64            `json:"id"`
	SiteID     int64            `json:"siteId"`
	ScanType   types.ScanType   `json:"scanType"`
	Status     types.ScanStatus `json:"status"`
	CreatedAt  string           `json:"createdAt"`
	StartedAt  *string          `json:"startedAt"`
	FinishedAt *string          `json:"finishedAt"`
	Summary    *models.Summary  `json:"summary"`
	Error      *string          `json:"error"`
}

// ScanList is a user's scans for one site, newest first
type ScanList struct {
	Value []ScanView `json:"value"`
	Count int        `json:"count"`
}

// PageView is one crawled page
type PageView struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	StatusCode *int   `json:"statusCode"`
	CreatedAt  string `json:"createdAt"`
}

// PageList is the pages of one scan in insertion order
type PageList struct {
	ScanID int64      `json:"scanId"`
	Value  []PageView `json:"value"`
	Count  int        `json:"count"`
}

// FormatTime renders t as RFC 3339 UTC with second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

func newScanView(s *models.Scan) ScanView {
	return ScanView{
		ID:         s.ID,
		SiteID:     s.SiteID,
		ScanType:   s.Type,
		Status:     s.Status,
		CreatedAt:  FormatTime(s.CreatedAt),
		StartedAt:  formatTimePtr(s.StartedAt),
		FinishedAt: formatTimePtr(s.FinishedAt),
		Summary:    s.Summary,
		Error:      s.Error,
	}
}

// EnqueuePublic queues a public scan of one of the user's sites
func (s *ScanService) EnqueuePublic(ctx context.Context, userID, siteID int64) (*EnqueueResult, error) {
	site, err := s.ownedSite(ctx, userID, siteID)
	if err != nil {
		return nil, err
	}
	_, plan, err := s.userPlan(ctx, userID)
	if err != nil {
		return nil, err
	}

	var cooldown time.Duration
	var cooldownMsg string
	if plan.IsFree() {
		cooldown = s.quota.FreeRetestCooldown
		cooldownMsg = fmt.Sprintf("Retest cooldown: wait %s on Free plan", humanDuration(cooldown))
	}
	return s.enqueue(ctx, plan, site, types.ScanTypePublic, cooldown, cooldownMsg)
}

// EnqueueAdvanced queues an advanced scan of a verified site on a paid plan
func (s *ScanService) EnqueueAdvanced(ctx context.Context, userID, siteID int64) (*EnqueueResult, error) {
	site, err := s.ownedSite(ctx, userID, siteID)
	if err != nil {
		return nil, err
	}
	if !site.IsVerified {
		return nil, errors.NewForbiddenError(MsgSiteNotVerified)
	}
	_, plan, err := s.userPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	if plan.IsFree() {
		return nil, errors.NewPlanLimitError(plan.Name, MsgAdvancedOnFreePlan)
	}

	cooldown := s.quota.AdvancedCooldown
	cooldownMsg := fmt.Sprintf("Advanced scan cooldown: wait %s", humanDuration(cooldown))
	return s.enqueue(ctx, plan, site, types.ScanTypeAdvanced, cooldown, cooldownMsg)
}

func (s *ScanService) enqueue(ctx context.Context, plan *models.Plan, site *models.Site, scanType types.ScanType, cooldown time.Duration, cooldownMsg string) (*EnqueueResult, error) {
	limit := s.quota.PaidDaily
	if plan.IsFree() {
		limit = s.quota.FreeDaily
	}

	decision, err := s.limiter.Acquire(ctx, ratelimit.Request{
		UserID:   site.UserID,
		SiteID:   site.ID,
		ScanType: scanType,
		Limit:    limit,
		Window:   s.quota.Window,
		Cooldown: cooldown,
	})
	if err != nil {
		return nil, errors.NewCacheError("quota check", err)
	}
	switch decision.Reason {
	case ratelimit.ReasonQuota:
		return nil, errors.NewQuotaExceededError(limit, decision.Used, s.quota.Window)
	case ratelimit.ReasonCooldown:
		return nil, errors.NewCooldownError(cooldownMsg, decision.RetryAfter)
	}

	scan := &models.Scan{UserID: site.UserID, SiteID: site.ID, Type: scanType}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		if relErr := s.limiter.Release(context.WithoutCancel(ctx), decision); relErr != nil {
			logging.FromContext(ctx).WithError(relErr).Warn("Failed to release quota after enqueue error")
		}
		return nil, errors.NewDatabaseError("create scan", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scan_id":   scan.ID,
		"scan_type": string(scanType),
		"site_id":   site.ID,
		"user_id":   site.UserID,
	}).Info("Scan queued")

	return &EnqueueResult{ScanID: scan.ID, Status: scan.Status, CreatedAt: FormatTime(scan.CreatedAt)}, nil
}

// ListScans returns the user's scans of one site, newest first
func (s *ScanService) ListScans(ctx context.Context, userID, siteID int64) (*ScanList, error) {
	if _, err := s.ownedSite(ctx, userID, siteID); err != nil {
		return nil, err
	}
	scans, err := s.store.ListScans(ctx, userID, siteID)
	if err != nil {
		return nil, errors.NewDatabaseError("list scans", err)
	}

	out := &ScanList{Value: make([]ScanView, 0, len(scans))}
	for _, scan := range scans {
		out.Value = append(out.Value, newScanView(scan))
	}
	out.Count = len(out.Value)
	return out, nil
}

// GetScan returns one of the user's scans
func (s *ScanService) GetScan(ctx context.Context, userID, scanID int64) (*ScanView, error) {
	scan, err := s.ownedScan(ctx, userID, scanID)
	if err != nil {
		return nil, err
	}
	view := newScanView(scan)
	return &view, nil
}

// ListPages returns the crawled pages of one of the user's scans
func (s *ScanService) ListPages(ctx context.Context, userID, scanID int64) (*PageList, error) {
	if _, err := s.ownedScan(ctx, userID, scanID); err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, scanID)
	if err != nil {
		return nil, errors.NewDatabaseError("list pages", err)
	}

	out := &PageList{ScanID: scanID, Value: make([]PageView, 0, len(pages))}
	for _, p := range pages {
		out.Value = append(out.Value, PageView{
			ID:         p.ID,
			URL:        p.URL,
			StatusCode: p.StatusCode,
			CreatedAt:  FormatTime(p.CreatedAt),
		})
	}
	out.Count = len(out.Value)
	return out, nil
}

func (s *ScanService) ownedSite(ctx context.Context, userID, siteID int64) (*models.Site, error) {
	site, err := s.store.GetSiteForUser(ctx, userID, siteID)
	if stderrors.Is(err, storage.ErrSiteNotFound) {
		return nil, errors.NewNotFoundError("Site", siteID)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get site", err)
	}
	return site, nil
}

func (s *ScanService) ownedScan(ctx context.Context, userID, scanID int64) (*models.Scan, error) {
	scan, err := s.store.GetScan(ctx, scanID)
	if stderrors.Is(err, storage.ErrScanNotFound) || (err == nil && scan.UserID != userID) {
		return nil, errors.NewNotFoundError("Scan", scanID)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get scan", err)
	}
	return scan, nil
}

func (s *ScanService) userPlan(ctx context.Context, userID int64) (*models.User, *models.Plan, error) {
	user, err := s.store.GetUser(ctx, userID)
	if stderrors.Is(err, storage.ErrUserNotFound) {
		return nil, nil, errors.NewUnauthorizedError(MsgUnknownUser)
	}
	if err != nil {
		return nil, nil, errors.NewDatabaseError("get user", err)
	}

	plan, err := s.store.GetPlan(ctx, user.PlanID)
	if stderrors.Is(err, storage.ErrPlanNotFound) {
		return nil, nil, errors.NewInternalError(MsgPlanMissing, err)
	}
	if err != nil {
		return nil, nil, errors.NewDatabaseError("get plan", err)
	}
	return user, plan, nil
}

// humanDuration renders whole minutes as "N minutes" and anything else in seconds.
func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second).Seconds()))
}
