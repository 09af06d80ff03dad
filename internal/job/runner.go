package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/site-scanner/internal/circuitbreaker"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/metrics"
	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/retry"
	"github.com/site-scanner/internal/scanner"
	"github.com/site-scanner/internal/storage"
	"github.com/site-scanner/internal/types"
)

// Error messages the runner writes on failed scans.
const (
	MsgSiteNotFound = "Site not found for scan"
	MsgUserNotFound = "User not found for scan"
	MsgPlanMissing  = "Plan missing"
	MsgUnknownError = "unknown error"
	MsgInterrupted  = "scan interrupted: worker shutting down"
)

// DefaultErrorMaxLen caps the error stored on a failed scan, in runes.
const DefaultErrorMaxLen = 500

// Executor runs a scan job to a Result
type Executor interface {
	Execute(ctx context.Context, job scanner.Job) scanner.Result
}

// EventSink receives one event per terminal scan
type EventSink interface {
	Insert(ctx context.Context, events ...models.ScanEvent) error
}

// RunnerConfig holds the Runner's optional collaborators
type RunnerConfig struct {
	ErrorMaxLen int
	Retry       *retry.Config
	Metrics     *metrics.Metrics
	Sink        EventSink
	SinkBreaker *circuitbreaker.CircuitBreaker
	SinkTimeout time.Duration
	Now         func() time.Time
}

// Runner executes one claimed scan and writes exactly one terminal update
type Runner struct {
	store       storage.Store
	exec        Executor
	errorMaxLen int
	retry       *retry.Config
	metrics     *metrics.Metrics
	sink        EventSink
	breaker     *circuitbreaker.CircuitBreaker
	sinkTimeout time.Duration
	now         func() time.Time
}

// Outcome is what a Run wrote for a scan
type Outcome struct {
	Status   types.ScanStatus
	Error    string
	Pages    int
	Duration time.Duration
}

// NewRunner creates a Runner
func NewRunner(store storage.Store, exec Executor, cfg RunnerConfig) *Runner {
	r := &Runner{
		store:       store,
		exec:        exec,
		errorMaxLen: cfg.ErrorMaxLen,
		retry:       cfg.Retry,
		metrics:     cfg.Metrics,
		sink:        cfg.Sink,
		breaker:     cfg.SinkBreaker,
		sinkTimeout: cfg.SinkTimeout,
		now:         cfg.Now,
	}
	if r.errorMaxLen <= 0 {
		r.errorMaxLen = DefaultErrorMaxLen
	}
	if r.retry == nil {
		r.retry = retry.DefaultConfig()
	}
	if r.sinkTimeout <= 0 {
		r.sinkTimeout = 2 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run executes a claimed scan and finalizes it. Executor failures, missing
// prerequisites and panics all end as a failed scan; the returned error is
// reserved for Job Store writes that could not be completed, in which case
// the scan stays running until the next startup sweep.
func (r *Runner) Run(ctx context.Context, claimed *models.ClaimedScan) (Outcome, error) {
	start := r.now()
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"scan_id":   claimed.ID,
		"scan_type": claimed.Type,
		"tier":      claimed.Tier,
	})
	ctx = logging.WithLogger(ctx, log)

	r.metrics.ScanStarted()
	defer r.metrics.ScanEnded()

	result := r.execute(ctx, &claimed.Scan)
	if ctx.Err() != nil && result.OK() {
		result = scanner.Failure(MsgInterrupted, result.Pages)
	}

	// Terminal writes must land even when shutdown cancelled ctx.
	writeCtx := context.WithoutCancel(ctx)

	if len(result.Pages) > 0 {
		err := retry.Do(writeCtx, r.retry, func(ctx context.Context) error {
			return r.store.AddPages(ctx, claimed.ID, result.Pages)
		})
		if err != nil {
			log.WithError(err).Error("Failed to persist crawled pages")
			result = scanner.Failure(fmt.Sprintf("failed to persist pages: %v", err), result.Pages)
		}
	}

	out := Outcome{Pages: len(result.Pages)}
	var err error
	if result.OK() {
		out.Status = types.ScanStatusDone
		err = retry.Do(writeCtx, r.retry, func(ctx context.Context) error {
			return permanentStoreError(r.store.MarkDone(ctx, claimed.ID, result.Summary))
		})
	} else {
		out.Status = types.ScanStatusFailed
		out.Error = TruncateError(result.Error, r.errorMaxLen)
		err = retry.Do(writeCtx, r.retry, func(ctx context.Context) error {
			return permanentStoreError(r.store.MarkFailed(ctx, claimed.ID, out.Error, nil))
		})
	}
	out.Duration = r.now().Sub(start)

	if err != nil {
		if errors.Is(err, storage.ErrScanNotFound) {
			log.Warn("Scan deleted while running; dropping result")
			return out, nil
		}
		log.WithError(err).Error("Failed to write terminal scan state")
		return out, fmt.Errorf("failed to finalize scan %d: %w", claimed.ID, err)
	}

	r.metrics.ObserveFinished(string(claimed.Type), string(out.Status), out.Duration.Seconds())
	log.WithFields(map[string]interface{}{
		"status":   out.Status,
		"pages":    out.Pages,
		"duration": out.Duration.String(),
	}).Info("Scan finished")

	r.emit(writeCtx, claimed, result, out)
	return out, nil
}

// execute loads the scan's site, owner and plan and runs the executor,
// converting panics into a failed Result.
func (r *Runner) execute(ctx context.Context, scan *models.Scan) (result scanner.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.FromContext(ctx).Errorf("Scan executor panicked: %v", rec)
			result = scanner.Failure(fmt.Sprint(rec), nil)
		}
	}()

	site, err := r.store.GetSiteForUser(ctx, scan.UserID, scan.SiteID)
	if err != nil {
		if errors.Is(err, storage.ErrSiteNotFound) {
			return scanner.Failure(MsgSiteNotFound, nil)
		}
		return scanner.Failure(err.Error(), nil)
	}

	user, err := r.store.GetUser(ctx, scan.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return scanner.Failure(MsgUserNotFound, nil)
		}
		return scanner.Failure(err.Error(), nil)
	}

	plan, err := r.store.GetPlan(ctx, user.PlanID)
	if err != nil {
		if errors.Is(err, storage.ErrPlanNotFound) {
			return scanner.Failure(MsgPlanMissing, nil)
		}
		return scanner.Failure(err.Error(), nil)
	}

	return r.exec.Execute(ctx, scanner.Job{Scan: *scan, Site: *site, Plan: *plan})
}

func (r *Runner) emit(ctx context.Context, claimed *models.ClaimedScan, result scanner.Result, out Outcome) {
	if r.sink == nil {
		return
	}

	event := models.ScanEvent{
		ScanID:     claimed.ID,
		UserID:     claimed.UserID,
		SiteID:     claimed.SiteID,
		Type:       claimed.Type,
		Status:     out.Status,
		Pages:      out.Pages,
		DurationMs: out.Duration.Milliseconds(),
		Error:      out.Error,
		FinishedAt: r.now().UTC(),
	}
	if result.Summary != nil {
		event.RiskScore = result.Summary.Risk.Score
	}

	ctx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
	defer cancel()

	insert := func(ctx context.Context) error { return r.sink.Insert(ctx, event) }
	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, insert)
	} else {
		err = insert(ctx)
	}
	if err != nil {
		r.metrics.ObserveSinkDrop()
		logging.FromContext(ctx).WithError(err).Warn("Scan event not recorded")
	}
}

// permanentStoreError stops retries for outcomes a retry cannot change.
func permanentStoreError(err error) error {
	if errors.Is(err, storage.ErrScanNotFound) || errors.Is(err, storage.ErrInvalidTransition) {
		return retry.Permanent(err)
	}
	return err
}

// TruncateError returns msg cut to maxLen runes; an empty message becomes
// "unknown error".
func TruncateError(msg string, maxLen int) string {
	if strings.TrimSpace(msg) == "" {
		return MsgUnknownError
	}
	if utf8.RuneCountInString(msg) <= maxLen {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxLen])
}
