// Package models provides data models for the site scanner system.
package models

import (
	"time"

	"github.com/site-scanner/internal/types"
)

// Scan is one unit of scan work and its outcome
type Scan struct {
	ID         int64            `json:"id" db:"id"`
	UserID     int64            `json:"userId" db:"user_id"`
	SiteID     int64            `json:"siteId" db:"site_id"`
	Type       types.ScanType   `json:"scanType" db:"scan_type"`
	Status     types.ScanStatus `json:"status" db:"status"`
	CreatedAt  time.Time        `json:"createdAt" db:"created_at"`
	StartedAt  *time.Time       `json:"startedAt" db:"started_at"`
	FinishedAt *time.Time       `json:"finishedAt" db:"finished_at"`
	Summary    *Summary         `json:"summary" db:"summary"`
	Error      *string          `json:"error" db:"error"`
}

// ClaimedScan is a scan returned by a claim together with the tier it was selected from
type ClaimedScan struct {
	Scan
	Tier types.QueueTier `json:"tier"`
}

// ScanPage is one crawled URL belonging to a scan. Rows are append-only.
type ScanPage struct {
	ID         int64     `json:"id" db:"id"`
	ScanID     int64     `json:"scanId" db:"scan_id"`
	URL        string    `json:"url" db:"url"`
	StatusCode *int      `json:"statusCode" db:"status_code"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// PageResult is a crawl outcome before it is persisted; a nil StatusCode means the fetch failed.
type PageResult struct {
	URL        string `json:"url"`
	StatusCode *int   `json:"statusCode"`
}

// ScanEvent is the analytics row appended after a scan reaches a terminal state
type ScanEvent struct {
	ScanID     int64            `json:"scanId" ch:"scan_id"`
	UserID     int64            `json:"userId" ch:"user_id"`
	SiteID     int64            `json:"siteId" ch:"site_id"`
	Type       types.ScanType   `json:"scanType" ch:"scan_type"`
	Status     types.ScanStatus `json:"status" ch:"status"`
	RiskScore  int              `json:"riskScore" ch:"risk_score"`
	Pages      int              `json:"pages" ch:"pages"`
	DurationMs int64            `json:"durationMs" ch:"duration_ms"`
	Error      string           `json:"error" ch:"error"`
	FinishedAt time.Time        `json:"finishedAt" ch:"finished_at"`
}
