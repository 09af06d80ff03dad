package storage

import (
	"context"
	"errors"
	"time"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

var (
	ErrScanNotFound      = errors.New("scan not found")
	ErrSiteNotFound      = errors.New("site not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrInvalidTransition = errors.New("invalid scan status transition")
)

// Store is the Job Store plus the read-only site, user and plan records
// scans depend on. Only ClaimNext, MarkDone, MarkFailed and SweepStale
// change a scan's status.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)

	CreateSite(ctx context.Context, site *models.Site) error
	// GetSiteForUser returns ErrSiteNotFound when the site is absent or owned by someone else.
	GetSiteForUser(ctx context.Context, userID, siteID int64) (*models.Site, error)
	ListSites(ctx context.Context, userID int64) ([]*models.Site, error)
	CountSites(ctx context.Context, userID int64) (int, error)
	MarkSiteVerified(ctx context.Context, siteID int64) error

	// CreateScan inserts scan as queued and fills in ID and CreatedAt.
	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id int64) (*models.Scan, error)
	ListScans(ctx context.Context, userID, siteID int64) ([]*models.Scan, error)
	CountScansSince(ctx context.Context, userID int64, since time.Time) (int, error)
	// LatestScanAt returns the newest created_at for the triple, or nil.
	LatestScanAt(ctx context.Context, userID, siteID int64, scanType types.ScanType) (*time.Time, error)

	// ClaimNext atomically moves the next queued scan to running. It
	// returns nil, nil when nothing is queued.
	ClaimNext(ctx context.Context) (*models.ClaimedScan, error)
	MarkDone(ctx context.Context, id int64, summary *models.Summary) error
	MarkFailed(ctx context.Context, id int64, message string, summary *models.Summary) error
	SweepStale(ctx context.Context, sweep StaleSweep) (SweepResult, error)

	AddPages(ctx context.Context, scanID int64, pages []models.PageResult) error
	ListPages(ctx context.Context, scanID int64) ([]*models.ScanPage, error)
}

// StaleSweep selects scans to fail: queued ones created at or before
// QueuedCutoff and running ones started at or before RunningCutoff.
type StaleSweep struct {
	QueuedCutoff   time.Time
	RunningCutoff  time.Time
	QueuedMessage  string
	RunningMessage string
}

// SweepResult counts what a sweep fixed
type SweepResult struct {
	FixedQueued  int `json:"fixedQueued"`
	FixedRunning int `json:"fixedRunning"`
}
