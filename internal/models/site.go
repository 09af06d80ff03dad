package models

import (
	"time"

	"github.com/site-scanner/internal/types"
)

// Site is a registered crawl target owned by one user
type Site struct {
	ID         int64      `json:"id" db:"id"`
	UserID     int64      `json:"userId" db:"user_id"`
	URL        string     `json:"url" db:"url"`
	Domain     string     `json:"domain" db:"domain"`
	IsVerified bool       `json:"isVerified" db:"is_verified"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty" db:"verified_at"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// User is the owner of sites and scans
type User struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	PlanID    int64     `json:"planId" db:"plan_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Plan carries the limits applied to a user's scans
type Plan struct {
	ID              int64          `json:"id" db:"id"`
	Name            types.PlanName `json:"name" db:"name"`
	MaxSites        int            `json:"maxSites" db:"max_sites"`
	CrawlLimit      int            `json:"crawlLimit" db:"crawl_limit"`
	MaxDurationMin  int            `json:"maxDurationMinutes" db:"max_duration_min"`
	AllowDeepScan   bool           `json:"allowDeepScan" db:"allow_deep_scan"`
	AllowScheduling bool           `json:"allowScheduling" db:"allow_scheduling"`
	AllowHistory    bool           `json:"allowHistory" db:"allow_history"`
	PriorityQueue   bool           `json:"priorityQueue" db:"priority_queue"`
}

// MaxDuration returns the crawl wall-clock cap.
func (p *Plan) MaxDuration() time.Duration {
	return time.Duration(p.MaxDurationMin) * time.Minute
}

// IsFree reports whether the plan is the free plan
func (p *Plan) IsFree() bool {
	return p.Name == types.PlanFree
}

// DefaultPlans returns the seeded free and paid plans.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:             1,
			Name:           types.PlanFree,
			MaxSites:       1,
			CrawlLimit:     200,
			MaxDurationMin: 15,
		},
		{
			ID:              2,
			Name:            types.PlanPaid,
			MaxSites:        10,
			CrawlLimit:      10000,
			MaxDurationMin:  120,
			AllowDeepScan:   true,
			AllowScheduling: true,
			AllowHistory:    true,
			PriorityQueue:   true,
		},
	}
}
