package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

const (
	freePlanID = 1
	paidPlanID = 2
)

func seedUser(t *testing.T, m *MemoryStore, planID int64) (*models.User, *models.Site) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Email: "u@example.com", PlanID: planID}
	require.NoError(t, m.CreateUser(ctx, u))
	s := &models.Site{UserID: u.ID, URL: "https://example.com/", Domain: "example.com"}
	require.NoError(t, m.CreateSite(ctx, s))
	return u, s
}

func enqueue(t *testing.T, m *MemoryStore, u *models.User, s *models.Site) *models.Scan {
	t.Helper()
	scan := &models.Scan{UserID: u.ID, SiteID: s.ID, Type: types.ScanTypePublic}
	require.NoError(t, m.CreateScan(context.Background(), scan))
	return scan
}

func TestMemoryStore_CreateScanIsQueued(t *testing.T) {
	m := NewMemoryStore()
	u, s := seedUser(t, m, freePlanID)

	scan := enqueue(t, m, u, s)
	got, err := m.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Summary)
	assert.Nil(t, got.Error)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStore_ClaimPrefersPriorityTier(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	freeUser, freeSite := seedUser(t, m, freePlanID)
	paidUser, paidSite := seedUser(t, m, paidPlanID)

	standard := enqueue(t, m, freeUser, freeSite)
	firstPaid := enqueue(t, m, paidUser, paidSite)
	secondPaid := enqueue(t, m, paidUser, paidSite)

	var order []int64
	var tiers []types.QueueTier
	for {
		claimed, err := m.ClaimNext(ctx)
		require.NoError(t, err)
		if claimed == nil {
			break
		}
		assert.Equal(t, types.ScanStatusRunning, claimed.Status)
		assert.NotNil(t, claimed.StartedAt)
		order = append(order, claimed.ID)
		tiers = append(tiers, claimed.Tier)
	}

	assert.Equal(t, []int64{firstPaid.ID, secondPaid.ID, standard.ID}, order)
	assert.Equal(t, []types.QueueTier{types.TierPriority, types.TierPriority, types.TierStandard}, tiers)
}

func TestMemoryStore_UnknownOwnerFallsIntoStandardTier(t *testing.T) {
	m := NewMemoryStore()
	m.InsertScan(models.Scan{UserID: 999, SiteID: 1, Type: types.ScanTypePublic, Status: types.ScanStatusQueued})

	claimed, err := m.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.TierStandard, claimed.Tier)
}

func TestMemoryStore_Transitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	u, s := seedUser(t, m, freePlanID)
	scan := enqueue(t, m, u, s)

	err := m.MarkDone(ctx, scan.ID, &models.Summary{})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "queued scans cannot finish as done")

	_, err = m.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, m.MarkDone(ctx, scan.ID, &models.Summary{Risk: models.UnscoredRisk()}))

	got, err := m.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusDone, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.NotNil(t, got.Summary)
	assert.Nil(t, got.Error)

	err = m.MarkFailed(ctx, scan.ID, "late failure", nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "terminal scans stay terminal")

	assert.True(t, errors.Is(m.MarkFailed(ctx, 12345, "x", nil), ErrScanNotFound))
	assert.Error(t, m.MarkDone(ctx, scan.ID, nil))
}

func TestMemoryStore_MarkFailedFromQueued(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	u, s := seedUser(t, m, freePlanID)
	scan := enqueue(t, m, u, s)

	require.NoError(t, m.MarkFailed(ctx, scan.ID, "Site not found for scan", nil))
	got, err := m.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Site not found for scan", *got.Error)
	assert.NotNil(t, got.FinishedAt)
}

func TestMemoryStore_SweepStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.SetClock(func() time.Time { return now })

	oldCreated := now.Add(-31 * time.Minute)
	freshCreated := now.Add(-5 * time.Minute)
	oldStart := now.Add(-61 * time.Minute)

	staleQueued := m.InsertScan(models.Scan{UserID: 1, SiteID: 1, Type: types.ScanTypePublic, Status: types.ScanStatusQueued, CreatedAt: oldCreated})
	freshQueued := m.InsertScan(models.Scan{UserID: 1, SiteID: 1, Type: types.ScanTypePublic, Status: types.ScanStatusQueued, CreatedAt: freshCreated})
	staleRunning := m.InsertScan(models.Scan{UserID: 1, SiteID: 1, Type: types.ScanTypePublic, Status: types.ScanStatusRunning, CreatedAt: oldStart, StartedAt: &oldStart})
	recentStart := now.Add(-10 * time.Minute)
	freshRunning := m.InsertScan(models.Scan{UserID: 1, SiteID: 1, Type: types.ScanTypePublic, Status: types.ScanStatusRunning, CreatedAt: oldCreated, StartedAt: &recentStart})

	sweep := StaleSweep{
		QueuedCutoff:   now.Add(-30 * time.Minute),
		RunningCutoff:  now.Add(-60 * time.Minute),
		QueuedMessage:  "stale queued",
		RunningMessage: "stale running",
	}
	res, err := m.SweepStale(ctx, sweep)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{FixedQueued: 1, FixedRunning: 1}, res)

	for id, want := range map[int64]types.ScanStatus{
		staleQueued:  types.ScanStatusFailed,
		freshQueued:  types.ScanStatusQueued,
		staleRunning: types.ScanStatusFailed,
		freshRunning: types.ScanStatusRunning,
	} {
		got, err := m.GetScan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "scan %d", id)
	}

	res, err = m.SweepStale(ctx, sweep)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "a second sweep finds nothing")
}

func TestMemoryStore_SweepStaleCutoffIsInclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queuedCutoff := now.Add(-30 * time.Minute)
	runningCutoff := now.Add(-60 * time.Minute)

	tests := []struct {
		name    string
		status  types.ScanStatus
		at      time.Time
		wantRes SweepResult
	}{
		{name: "queued exactly at ttl", status: types.ScanStatusQueued, at: queuedCutoff, wantRes: SweepResult{FixedQueued: 1}},
		{name: "queued just inside ttl", status: types.ScanStatusQueued, at: queuedCutoff.Add(time.Second)},
		{name: "running exactly at ttl", status: types.ScanStatusRunning, at: runningCutoff, wantRes: SweepResult{FixedRunning: 1}},
		{name: "running just inside ttl", status: types.ScanStatusRunning, at: runningCutoff.Add(time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryStore()
			m.SetClock(func() time.Time { return now })
			scan := models.Scan{UserID: 1, SiteID: 1, Type: types.ScanTypePublic, Status: tt.status, CreatedAt: tt.at}
			if tt.status == types.ScanStatusRunning {
				started := tt.at
				scan.StartedAt = &started
			}
			m.InsertScan(scan)

			res, err := m.SweepStale(ctx, StaleSweep{QueuedCutoff: queuedCutoff, RunningCutoff: runningCutoff})
			require.NoError(t, err)
			assert.Equal(t, tt.wantRes, res)
		})
	}
}

func TestMemoryStore_PagesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	u, s := seedUser(t, m, freePlanID)
	scan := enqueue(t, m, u, s)

	ok := 200
	require.NoError(t, m.AddPages(ctx, scan.ID, []models.PageResult{
		{URL: "https://example.com/", StatusCode: &ok},
		{URL: "https://example.com/broken"},
	}))
	require.NoError(t, m.AddPages(ctx, scan.ID, []models.PageResult{{URL: "https://example.com/z", StatusCode: &ok}}))

	pages, err := m.ListPages(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "https://example.com/", pages[0].URL)
	assert.Nil(t, pages[1].StatusCode)
	assert.Equal(t, "https://example.com/z", pages[2].URL)
	assert.Less(t, pages[0].ID, pages[2].ID)

	assert.ErrorIs(t, m.AddPages(ctx, 999, nil), ErrScanNotFound)
}

func TestMemoryStore_QuotaQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.SetClock(func() time.Time { return now })
	u, s := seedUser(t, m, freePlanID)

	latest, err := m.LatestScanAt(ctx, u.ID, s.ID, types.ScanTypePublic)
	require.NoError(t, err)
	assert.Nil(t, latest)

	enqueue(t, m, u, s)
	now = now.Add(time.Hour)
	enqueue(t, m, u, s)

	n, err := m.CountScansSince(ctx, u.ID, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err = m.LatestScanAt(ctx, u.ID, s.ID, types.ScanTypePublic)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, now, *latest)

	latest, err = m.LatestScanAt(ctx, u.ID, s.ID, types.ScanTypeAdvanced)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryStore_SiteOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	owner, site := seedUser(t, m, freePlanID)
	other, _ := seedUser(t, m, paidPlanID)

	_, err := m.GetSiteForUser(ctx, other.ID, site.ID)
	assert.ErrorIs(t, err, ErrSiteNotFound)

	got, err := m.GetSiteForUser(ctx, owner.ID, site.ID)
	require.NoError(t, err)
	assert.False(t, got.IsVerified)

	require.NoError(t, m.MarkSiteVerified(ctx, site.ID))
	got, err = m.GetSiteForUser(ctx, owner.ID, site.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.NotNil(t, got.VerifiedAt)
}

func TestMemoryStore_ConcurrentClaimsAreUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("no scan is claimed twice", prop.ForAll(
		func(jobs, claimers int, priorityMask uint32) bool {
			ctx := context.Background()
			m := NewMemoryStore()
			free := &models.User{PlanID: freePlanID}
			paid := &models.User{PlanID: paidPlanID}
			_ = m.CreateUser(ctx, free)
			_ = m.CreateUser(ctx, paid)

			for i := 0; i < jobs; i++ {
				owner := free
				if priorityMask&(1<<uint(i%32)) != 0 {
					owner = paid
				}
				_ = m.CreateScan(ctx, &models.Scan{UserID: owner.ID, SiteID: 1, Type: types.ScanTypePublic})
			}

			var mu sync.Mutex
			seen := make(map[int64]int)
			var wg sync.WaitGroup
			for c := 0; c < claimers; c++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						claimed, err := m.ClaimNext(ctx)
						if err != nil || claimed == nil {
							return
						}
						mu.Lock()
						seen[claimed.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != jobs {
				return false
			}
			for _, n := range seen {
				if n != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 8),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
