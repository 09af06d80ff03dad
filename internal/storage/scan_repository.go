package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

// ScanRepository is the Postgres Job Store
type ScanRepository struct {
	db *PostgresDB
}

// NewScanRepository creates a new scan repository
func NewScanRepository(db *PostgresDB) *ScanRepository {
	return &ScanRepository{db: db}
}

var _ Store = (*ScanRepository)(nil)

const scanColumns = `s.id, s.user_id, s.site_id, s.scan_type, s.status, s.created_at,
	s.started_at, s.finished_at, s.summary, s.error`

// Ping checks the database
func (r *ScanRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// CreateUser inserts a user
func (r *ScanRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, plan_id)
		VALUES ($1, $2)
		RETURNING id, created_at
	`
	if err := r.db.Pool().QueryRow(ctx, query, user.Email, user.PlanID).Scan(&user.ID, &user.CreatedAt); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (r *ScanRepository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, email, plan_id, created_at FROM users WHERE id = $1`

	var u models.User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.PlanID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetPlan retrieves a plan by ID
func (r *ScanRepository) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	query := `
		SELECT id, name, max_sites, crawl_limit, max_duration_min,
		       allow_deep_scan, allow_scheduling, allow_history, priority_queue
		FROM plans
		WHERE id = $1
	`

	var p models.Plan
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.MaxSites,
		&p.CrawlLimit,
		&p.MaxDurationMin,
		&p.AllowDeepScan,
		&p.AllowScheduling,
		&p.AllowHistory,
		&p.PriorityQueue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

// CreateSite inserts a site
func (r *ScanRepository) CreateSite(ctx context.Context, site *models.Site) error {
	query := `
		INSERT INTO sites (user_id, url, domain)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.Pool().QueryRow(ctx, query, site.UserID, site.URL, site.Domain).Scan(&site.ID, &site.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}
	return nil
}

// GetSiteForUser retrieves a site owned by userID
func (r *ScanRepository) GetSiteForUser(ctx context.Context, userID, siteID int64) (*models.Site, error) {
	query := `
		SELECT id, user_id, url, domain, is_verified, verified_at, created_at
		FROM sites
		WHERE id = $1 AND user_id = $2
	`

	site, err := scanSite(r.db.Pool().QueryRow(ctx, query, siteID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// ListSites lists a user's sites, newest first
func (r *ScanRepository) ListSites(ctx context.Context, userID int64) ([]*models.Site, error) {
	query := `
		SELECT id, user_id, url, domain, is_verified, verified_at, created_at
		FROM sites
		WHERE user_id = $1
		ORDER BY id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	sites := []*models.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}
	return sites, nil
}

// CountSites counts a user's sites
func (r *ScanRepository) CountSites(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM sites WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sites: %w", err)
	}
	return n, nil
}

// MarkSiteVerified records a completed ownership verification
func (r *ScanRepository) MarkSiteVerified(ctx context.Context, siteID int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE sites SET is_verified = true, verified_at = now() WHERE id = $1`, siteID)
	if err != nil {
		return fmt.Errorf("failed to verify site: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSiteNotFound
	}
	return nil
}

// CreateScan inserts a queued scan
func (r *ScanRepository) CreateScan(ctx context.Context, scan *models.Scan) error {
	query := `
		INSERT INTO scans (user_id, site_id, scan_type, status)
		VALUES ($1, $2, $3, 'queued')
		RETURNING id, status, created_at
	`
	err := r.db.Pool().QueryRow(ctx, query, scan.UserID, scan.SiteID, scan.Type).
		Scan(&scan.ID, &scan.Status, &scan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	scan.StartedAt, scan.FinishedAt, scan.Summary, scan.Error = nil, nil, nil, nil
	return nil
}

// GetScan retrieves a scan by ID
func (r *ScanRepository) GetScan(ctx context.Context, id int64) (*models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans s WHERE s.id = $1`

	scan, err := scanScan(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScanNotFound
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return scan, nil
}

// ListScans lists a user's scans for one site, newest first
func (r *ScanRepository) ListScans(ctx context.Context, userID, siteID int64) ([]*models.Scan, error) {
	query := `SELECT ` + scanColumns + `
		FROM scans s
		WHERE s.user_id = $1 AND s.site_id = $2
		ORDER BY s.id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	scans := []*models.Scan{}
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scans: %w", err)
	}
	return scans, nil
}

// CountScansSince counts scans of any type a user created at or after since
func (r *ScanRepository) CountScansSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM scans WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

// LatestScanAt returns when the newest matching scan was created
func (r *ScanRepository) LatestScanAt(ctx context.Context, userID, siteID int64, scanType types.ScanType) (*time.Time, error) {
	var latest *time.Time
	err := r.db.Pool().QueryRow(ctx, `
		SELECT MAX(created_at) FROM scans
		WHERE user_id = $1 AND site_id = $2 AND scan_type = $3
	`, userID, siteID, scanType).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest scan: %w", err)
	}
	return latest, nil
}

// ClaimNext locks the next queued scan, preferring owners on a priority
// plan and the lowest id within a tier, and moves it to running in the
// same statement. Rows locked by other claimers are skipped.
func (r *ScanRepository) ClaimNext(ctx context.Context) (*models.ClaimedScan, error) {
	query := `
		WITH next AS (
			SELECT s.id, COALESCE(p.priority_queue, false) AS priority
			FROM scans s
			LEFT JOIN users u ON u.id = s.user_id
			LEFT JOIN plans p ON p.id = u.plan_id
			WHERE s.status = 'queued'
			ORDER BY COALESCE(p.priority_queue, false) DESC, s.id ASC
			LIMIT 1
			FOR UPDATE OF s SKIP LOCKED
		)
		UPDATE scans s
		SET status = 'running', started_at = now()
		FROM next
		WHERE s.id = next.id
		RETURNING s.id, s.user_id, s.site_id, s.scan_type, s.status, s.created_at, s.started_at, next.priority
	`

	var claimed models.ClaimedScan
	var priority bool
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&claimed.ID,
		&claimed.UserID,
		&claimed.SiteID,
		&claimed.Type,
		&claimed.Status,
		&claimed.CreatedAt,
		&claimed.StartedAt,
		&priority,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim scan: %w", err)
	}
	claimed.Tier = types.TierFor(priority)
	return &claimed, nil
}

// MarkDone moves a running scan to done with its summary
func (r *ScanRepository) MarkDone(ctx context.Context, id int64, summary *models.Summary) error {
	if summary == nil {
		return fmt.Errorf("mark done %d: summary is required", id)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scans
		SET status = 'done', finished_at = now(), summary = $2, error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, summaryJSON)
	if err != nil {
		return fmt.Errorf("failed to mark scan done: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// MarkFailed moves a queued or running scan to failed. summary may be nil.
func (r *ScanRepository) MarkFailed(ctx context.Context, id int64, message string, summary *models.Summary) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		if summaryJSON, err = json.Marshal(summary); err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scans
		SET status = 'failed', finished_at = now(), error = $2, summary = $3
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, message, summaryJSON)
	if err != nil {
		return fmt.Errorf("failed to mark scan failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

func (r *ScanRepository) transitionError(ctx context.Context, id int64) error {
	var status types.ScanStatus
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrScanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read scan status: %w", err)
	}
	return fmt.Errorf("%w: scan %d is %s", ErrInvalidTransition, id, status)
}

// SweepStale fails stale queued and running scans in one transaction
func (r *ScanRepository) SweepStale(ctx context.Context, sweep StaleSweep) (SweepResult, error) {
	var res SweepResult

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	queued, err := tx.Exec(ctx, `
		UPDATE scans
		SET status = 'failed', finished_at = now(), error = $2
		WHERE status = 'queued' AND started_at IS NULL AND created_at <= $1
	`, sweep.QueuedCutoff, sweep.QueuedMessage)
	if err != nil {
		return res, fmt.Errorf("failed to sweep queued scans: %w", err)
	}

	running, err := tx.Exec(ctx, `
		UPDATE scans
		SET status = 'failed', finished_at = now(), error = $2
		WHERE status = 'running' AND COALESCE(started_at, created_at) <= $1
	`, sweep.RunningCutoff, sweep.RunningMessage)
	if err != nil {
		return res, fmt.Errorf("failed to sweep running scans: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("failed to commit sweep: %w", err)
	}

	res.FixedQueued = int(queued.RowsAffected())
	res.FixedRunning = int(running.RowsAffected())
	return res, nil
}

// AddPages appends crawled pages in crawl order
func (r *ScanRepository) AddPages(ctx context.Context, scanID int64, pages []models.PageResult) error {
	if len(pages) == 0 {
		return nil
	}

	_, err := r.db.Pool().CopyFrom(ctx,
		pgx.Identifier{"scan_pages"},
		[]string{"scan_id", "url", "status_code"},
		pgx.CopyFromSlice(len(pages), func(i int) ([]any, error) {
			return []any{scanID, pages[i].URL, pages[i].StatusCode}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan pages: %w", err)
	}
	return nil
}

// ListPages lists a scan's pages in insertion order
func (r *ScanRepository) ListPages(ctx context.Context, scanID int64) ([]*models.ScanPage, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, scan_id, url, status_code, created_at
		FROM scan_pages
		WHERE scan_id = $1
		ORDER BY id ASC
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan pages: %w", err)
	}
	defer rows.Close()

	pages := []*models.ScanPage{}
	for rows.Next() {
		var p models.ScanPage
		if err := rows.Scan(&p.ID, &p.ScanID, &p.URL, &p.StatusCode, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan pages: %w", err)
	}
	return pages, nil
}

func scanSite(row pgx.Row) (*models.Site, error) {
	var s models.Site
	if err := row.Scan(&s.ID, &s.UserID, &s.URL, &s.Domain, &s.IsVerified, &s.VerifiedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanScan(row pgx.Row) (*models.Scan, error) {
	var s models.Scan
	var summaryJSON []byte
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.SiteID,
		&s.Type,
		&s.Status,
		&s.CreatedAt,
		&s.StartedAt,
		&s.FinishedAt,
		&summaryJSON,
		&s.Error,
	)
	if err != nil {
		return nil, err
	}
	if len(summaryJSON) > 0 {
		var summary models.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		s.Summary = &summary
	}
	return &s, nil
}
