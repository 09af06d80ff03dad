// Package worker runs the single-poller scan loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/site-scanner/internal/job"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
)

// Claimer hands out the next queued scan, or nil when there is none
type Claimer interface {
	Next(ctx context.Context) (*models.ClaimedScan, error)
}

// JobRunner runs one claimed scan to its terminal state
type JobRunner interface {
	Run(ctx context.Context, claimed *models.ClaimedScan) (job.Outcome, error)
}

// ScanWorkerConfig holds configuration for a scan worker
type ScanWorkerConfig struct {
	ID           string
	Scheduler    Claimer
	Runner       JobRunner
	PollInterval time.Duration // idle sleep between empty or failed claims (default: 1s)
}

// ScanWorker claims one scan at a time and runs it off the polling
// goroutine, waiting for it to finish before claiming the next.
type ScanWorker struct {
	id           string
	scheduler    Claimer
	runner       JobRunner
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	processed   atomic.Int64
	lastClaimAt atomic.Int64
	currentScan atomic.Int64
}

// NewScanWorker creates a new scan worker
func NewScanWorker(cfg *ScanWorkerConfig) (*ScanWorker, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &ScanWorker{
		id:           id,
		scheduler:    cfg.Scheduler,
		runner:       cfg.Runner,
		pollInterval: pollInterval,
	}, nil
}

// ID returns the worker id used in logs
func (w *ScanWorker) ID() string {
	return w.id
}

// Start launches the polling loop in the background
func (w *ScanWorker) Start(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Run runs the polling loop until ctx is cancelled or Stop is called
func (w *ScanWorker) Run(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}
	w.loop(ctx)
	return nil
}

func (w *ScanWorker) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("scan worker %s is already running", w.id)
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	return nil
}

// Stop signals the loop and waits for the in-flight scan to finish
func (w *ScanWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("scan worker %s is not running", w.id)
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scan worker %s stop: %w", w.id, ctx.Err())
	}
}

// IsRunning reports whether the loop is active
func (w *ScanWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats is a snapshot of worker progress
type Stats struct {
	ID          string     `json:"id"`
	Running     bool       `json:"running"`
	Processed   int64      `json:"processed"`
	CurrentScan *int64     `json:"currentScan,omitempty"`
	LastClaimAt *time.Time `json:"lastClaimAt,omitempty"`
}

// Stats returns a snapshot of worker progress
func (w *ScanWorker) Stats() Stats {
	s := Stats{ID: w.id, Running: w.IsRunning(), Processed: w.processed.Load()}
	if id := w.currentScan.Load(); id != 0 {
		s.CurrentScan = &id
	}
	if ns := w.lastClaimAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastClaimAt = &t
	}
	return s
}

func (w *ScanWorker) loop(ctx context.Context) {
	w.mu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(doneCh)
	}()

	log := logging.FromContext(ctx).WithField("worker_id", w.id)
	ctx = logging.WithLogger(ctx, log)
	log.WithField("poll_interval", w.pollInterval.String()).Info("Scan worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Scan worker stopping: context cancelled")
			return
		case <-stopCh:
			log.Info("Scan worker stopping: stop signal received")
			return
		default:
		}

		claimed, err := w.scheduler.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Claim failed")
			}
			w.sleep(ctx, stopCh)
			continue
		}
		if claimed == nil {
			w.sleep(ctx, stopCh)
			continue
		}

		w.lastClaimAt.Store(time.Now().UnixNano())
		w.runOffloaded(ctx, claimed)
	}
}

// runOffloaded runs the scan on its own goroutine so a panic that escapes
// the runner cannot take down the loop, and blocks until it finishes.
func (w *ScanWorker) runOffloaded(ctx context.Context, claimed *models.ClaimedScan) {
	w.currentScan.Store(claimed.ID)
	defer w.currentScan.Store(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(ctx).WithField("scan_id", claimed.ID).
					Errorf("Scan runner panicked: %v", rec)
			}
		}()

		if _, err := w.runner.Run(ctx, claimed); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("scan_id", claimed.ID).
				Error("Scan left unfinished")
		}
	}()
	<-done

	w.processed.Add(1)
}

func (w *ScanWorker) sleep(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-stopCh:
	}
}
