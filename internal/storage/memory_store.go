package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

// MemoryStore is a mutex-guarded Store for tests and single-process dev
// runs. Rows are copied on the way in and out; a stored Summary is shared
// and must not be mutated after it is written.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	plans  map[int64]models.Plan
	users  map[int64]models.User
	sites  map[int64]models.Site
	scans  map[int64]models.Scan
	pages  []models.ScanPage
	nextID map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store seeded with the default plans
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		now:    func() time.Time { return time.Now().UTC() },
		plans:  make(map[int64]models.Plan),
		users:  make(map[int64]models.User),
		sites:  make(map[int64]models.Site),
		scans:  make(map[int64]models.Scan),
		nextID: make(map[string]int64),
	}
	for _, p := range models.DefaultPlans() {
		m.plans[p.ID] = p
	}
	return m
}

// SetClock overrides the time source used for created/started/finished stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutPlan inserts or replaces a plan.
func (m *MemoryStore) PutPlan(p models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

// DeleteScan removes a scan and its pages, as an operator cleanup would.
func (m *MemoryStore) DeleteScan(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scans, id)
	kept := m.pages[:0]
	for _, p := range m.pages {
		if p.ScanID != id {
			kept = append(kept, p)
		}
	}
	m.pages = kept
}

// InsertScan stores scan as given, keeping its status and timestamps.
// It exists to stage stale or in-flight records in tests.
func (m *MemoryStore) InsertScan(scan models.Scan) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scan.ID == 0 {
		scan.ID = m.id("scans")
	} else if scan.ID > m.nextID["scans"] {
		m.nextID["scans"] = scan.ID
	}
	m.scans[scan.ID] = cloneScan(scan)
	return scan.ID
}

func (m *MemoryStore) id(table string) int64 {
	m.nextID[table]++
	return m.nextID[table]
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// CreateUser inserts a user
func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = m.id("users")
	user.CreatedAt = m.now()
	m.users[user.ID] = *user
	return nil
}

// GetUser retrieves a user
func (m *MemoryStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// GetPlan retrieves a plan
func (m *MemoryStore) GetPlan(_ context.Context, id int64) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

// CreateSite inserts a site
func (m *MemoryStore) CreateSite(_ context.Context, site *models.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site.ID = m.id("sites")
	site.CreatedAt = m.now()
	m.sites[site.ID] = *site
	return nil
}

// GetSiteForUser retrieves a site owned by userID
func (m *MemoryStore) GetSiteForUser(_ context.Context, userID, siteID int64) (*models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[siteID]
	if !ok || s.UserID != userID {
		return nil, ErrSiteNotFound
	}
	return &s, nil
}

// ListSites lists a user's sites, newest first
func (m *MemoryStore) ListSites(_ context.Context, userID int64) ([]*models.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Site{}
	for _, s := range m.sites {
		if s.UserID == userID {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CountSites counts a user's sites
func (m *MemoryStore) CountSites(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sites {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

// MarkSiteVerified marks a site verified
func (m *MemoryStore) MarkSiteVerified(_ context.Context, siteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[siteID]
	if !ok {
		return ErrSiteNotFound
	}
	now := m.now()
	s.IsVerified = true
	s.VerifiedAt = &now
	m.sites[siteID] = s
	return nil
}

// CreateScan inserts a queued scan
func (m *MemoryStore) CreateScan(_ context.Context, scan *models.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan.ID = m.id("scans")
	scan.Status = types.ScanStatusQueued
	scan.CreatedAt = m.now()
	scan.StartedAt, scan.FinishedAt, scan.Summary, scan.Error = nil, nil, nil, nil
	m.scans[scan.ID] = cloneScan(*scan)
	return nil
}

// GetScan retrieves a scan
func (m *MemoryStore) GetScan(_ context.Context, id int64) (*models.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scans[id]
	if !ok {
		return nil, ErrScanNotFound
	}
	out := cloneScan(s)
	return &out, nil
}

// ListScans lists a user's scans for a site, newest first
func (m *MemoryStore) ListScans(_ context.Context, userID, siteID int64) ([]*models.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Scan{}
	for _, s := range m.scans {
		if s.UserID == userID && s.SiteID == siteID {
			c := cloneScan(s)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CountScansSince counts scans a user created at or after since
func (m *MemoryStore) CountScansSince(_ context.Context, userID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.scans {
		if s.UserID == userID && !s.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// LatestScanAt returns when the newest matching scan was created
func (m *MemoryStore) LatestScanAt(_ context.Context, userID, siteID int64, scanType types.ScanType) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, s := range m.scans {
		if s.UserID != userID || s.SiteID != siteID || s.Type != scanType {
			continue
		}
		if latest == nil || s.CreatedAt.After(*latest) {
			t := s.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

// ClaimNext selects and starts the next queued scan under the store lock
func (m *MemoryStore) ClaimNext(_ context.Context) (*models.ClaimedScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Scan
	bestPriority := false
	for id := range m.scans {
		s := m.scans[id]
		if s.Status != types.ScanStatusQueued {
			continue
		}
		priority := m.priorityOf(s.UserID)
		if best == nil ||
			(priority && !bestPriority) ||
			(priority == bestPriority && s.ID < best.ID) {
			c := s
			best = &c
			bestPriority = priority
		}
	}
	if best == nil {
		return nil, nil
	}

	now := m.now()
	best.Status = types.ScanStatusRunning
	best.StartedAt = &now
	m.scans[best.ID] = cloneScan(*best)

	return &models.ClaimedScan{Scan: cloneScan(*best), Tier: types.TierFor(bestPriority)}, nil
}

func (m *MemoryStore) priorityOf(userID int64) bool {
	u, ok := m.users[userID]
	if !ok {
		return false
	}
	p, ok := m.plans[u.PlanID]
	return ok && p.PriorityQueue
}

// MarkDone moves a running scan to done
func (m *MemoryStore) MarkDone(_ context.Context, id int64, summary *models.Summary) error {
	if summary == nil {
		return fmt.Errorf("mark done %d: summary is required", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	if s.Status != types.ScanStatusRunning {
		return fmt.Errorf("%w: scan %d is %s", ErrInvalidTransition, id, s.Status)
	}
	now := m.now()
	s.Status = types.ScanStatusDone
	s.FinishedAt = &now
	s.Summary = summary
	s.Error = nil
	m.scans[id] = cloneScan(s)
	return nil
}

// MarkFailed moves a queued or running scan to failed
func (m *MemoryStore) MarkFailed(_ context.Context, id int64, message string, summary *models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	if !s.Status.CanTransitionTo(types.ScanStatusFailed) {
		return fmt.Errorf("%w: scan %d is %s", ErrInvalidTransition, id, s.Status)
	}
	m.fail(&s, message)
	s.Summary = summary
	m.scans[id] = cloneScan(s)
	return nil
}

func (m *MemoryStore) fail(s *models.Scan, message string) {
	now := m.now()
	msg := message
	s.Status = types.ScanStatusFailed
	s.FinishedAt = &now
	s.Error = &msg
}

// SweepStale fails stale queued and running scans
func (m *MemoryStore) SweepStale(_ context.Context, sweep StaleSweep) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res SweepResult
	for id, s := range m.scans {
		switch {
		case s.Status == types.ScanStatusQueued && s.StartedAt == nil && !s.CreatedAt.After(sweep.QueuedCutoff):
			m.fail(&s, sweep.QueuedMessage)
			res.FixedQueued++
		case s.Status == types.ScanStatusRunning && !startedOrCreated(s).After(sweep.RunningCutoff):
			m.fail(&s, sweep.RunningMessage)
			res.FixedRunning++
		default:
			continue
		}
		m.scans[id] = s
	}
	return res, nil
}

func startedOrCreated(s models.Scan) time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}

// AddPages appends crawled pages
func (m *MemoryStore) AddPages(_ context.Context, scanID int64, pages []models.PageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scanID]; !ok {
		return ErrScanNotFound
	}
	now := m.now()
	for _, p := range pages {
		m.pages = append(m.pages, models.ScanPage{
			ID:         m.id("scan_pages"),
			ScanID:     scanID,
			URL:        p.URL,
			StatusCode: cloneInt(p.StatusCode),
			CreatedAt:  now,
		})
	}
	return nil
}

// ListPages lists a scan's pages in insertion order
func (m *MemoryStore) ListPages(_ context.Context, scanID int64) ([]*models.ScanPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.ScanPage{}
	for _, p := range m.pages {
		if p.ScanID == scanID {
			p := p
			p.StatusCode = cloneInt(p.StatusCode)
			out = append(out, &p)
		}
	}
	return out, nil
}

func cloneScan(s models.Scan) models.Scan {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
