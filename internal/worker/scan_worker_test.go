package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/job"
	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/retry"
	"github.com/site-scanner/internal/scanner"
	"github.com/site-scanner/internal/storage"
	"github.com/site-scanner/internal/types"
)

type queueClaimer struct {
	mu    sync.Mutex
	scans []*models.ClaimedScan
	errs  int
	calls atomic.Int32
}

func (q *queueClaimer) Next(context.Context) (*models.ClaimedScan, error) {
	q.calls.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.errs > 0 {
		q.errs--
		return nil, errors.New("db unavailable")
	}
	if len(q.scans) == 0 {
		return nil, nil
	}
	next := q.scans[0]
	q.scans = q.scans[1:]
	return next, nil
}

type trackingRunner struct {
	active    atomic.Int32
	maxActive atomic.Int32
	ran       chan int64
	delay     time.Duration
	panicOn   int64
}

func (r *trackingRunner) Run(ctx context.Context, claimed *models.ClaimedScan) (job.Outcome, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		cur := r.maxActive.Load()
		if n <= cur || r.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if claimed.ID == r.panicOn {
		panic("runner bug")
	}
	time.Sleep(r.delay)
	r.ran <- claimed.ID
	return job.Outcome{Status: types.ScanStatusDone}, nil
}

func claimedScan(id int64) *models.ClaimedScan {
	return &models.ClaimedScan{Scan: models.Scan{ID: id, Type: types.ScanTypePublic}, Tier: types.TierStandard}
}

func TestNewScanWorker_Validation(t *testing.T) {
	_, err := NewScanWorker(&ScanWorkerConfig{Runner: &trackingRunner{}})
	assert.Error(t, err)
	_, err = NewScanWorker(&ScanWorkerConfig{Scheduler: &queueClaimer{}})
	assert.Error(t, err)

	w, err := NewScanWorker(&ScanWorkerConfig{Scheduler: &queueClaimer{}, Runner: &trackingRunner{}})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestScanWorker_RunsOneScanAtATime(t *testing.T) {
	claimer := &queueClaimer{scans: []*models.ClaimedScan{claimedScan(1), claimedScan(2), claimedScan(3)}}
	runner := &trackingRunner{ran: make(chan int64, 3), delay: 5 * time.Millisecond}
	w, err := NewScanWorker(&ScanWorkerConfig{ID: "w1", Scheduler: claimer, Runner: runner, PollInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	var order []int64
	for i := 0; i < 3; i++ {
		select {
		case id := <-runner.ran:
			order = append(order, id)
		case <-time.After(2 * time.Second):
			t.Fatal("scan not run")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, int32(1), runner.maxActive.Load())
	assert.Equal(t, int64(3), w.Stats().Processed)
	assert.False(t, w.IsRunning())
}

func TestScanWorker_SurvivesClaimErrorsAndPanics(t *testing.T) {
	claimer := &queueClaimer{errs: 2, scans: []*models.ClaimedScan{claimedScan(7), claimedScan(8)}}
	runner := &trackingRunner{ran: make(chan int64, 2), panicOn: 7}
	w, err := NewScanWorker(&ScanWorkerConfig{Scheduler: claimer, Runner: runner, PollInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	select {
	case id := <-runner.ran:
		assert.Equal(t, int64(8), id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover")
	}
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(2), w.Stats().Processed)
}

func TestScanWorker_StartStopLifecycle(t *testing.T) {
	claimer := &queueClaimer{}
	w, err := NewScanWorker(&ScanWorkerConfig{Scheduler: claimer, Runner: &trackingRunner{}, PollInterval: time.Millisecond})
	require.NoError(t, err)

	assert.Error(t, w.Stop(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool { return claimer.calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.IsRunning())
}

func TestScanWorker_RunReturnsOnCancel(t *testing.T) {
	w, err := NewScanWorker(&ScanWorkerConfig{Scheduler: &queueClaimer{}, Runner: &trackingRunner{}, PollInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, w.IsRunning, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fixedExecutor struct{}

func (fixedExecutor) Execute(context.Context, scanner.Job) scanner.Result {
	return scanner.Success(&models.Summary{Findings: []models.Finding{}, Risk: models.UnscoredRisk()}, nil)
}

func TestScanWorker_EndToEndWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	u := &models.User{Email: "e2e@example.com", PlanID: 1}
	require.NoError(t, store.CreateUser(ctx, u))
	site := &models.Site{UserID: u.ID, URL: "https://example.com/", Domain: "example.com"}
	require.NoError(t, store.CreateSite(ctx, site))

	var ids []int64
	for i := 0; i < 4; i++ {
		scan := &models.Scan{UserID: u.ID, SiteID: site.ID, Type: types.ScanTypePublic}
		require.NoError(t, store.CreateScan(ctx, scan))
		ids = append(ids, scan.ID)
	}

	runner := job.NewRunner(store, fixedExecutor{}, job.RunnerConfig{
		Retry: &retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	w, err := NewScanWorker(&ScanWorkerConfig{
		Scheduler:    job.NewScheduler(store, nil),
		Runner:       runner,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	assert.Eventually(t, func() bool { return w.Stats().Processed == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(ctx))

	for _, id := range ids {
		scan, err := store.GetScan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.ScanStatusDone, scan.Status)
	}
}
