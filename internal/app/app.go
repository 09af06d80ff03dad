// Package app assembles the scanner's runtime dependencies from config.
// cmd/server and cmd/worker share it so both processes build the Job
// Store, limiter and worker loop the same way.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/site-scanner/internal/circuitbreaker"
	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/crawler"
	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/guard"
	"github.com/site-scanner/internal/job"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/metrics"
	"github.com/site-scanner/internal/probe"
	"github.com/site-scanner/internal/ratelimit"
	"github.com/site-scanner/internal/scanner"
	"github.com/site-scanner/internal/service"
	"github.com/site-scanner/internal/storage"
	"github.com/site-scanner/internal/worker"
)

// Deps is everything a process needs to serve the API or run scans
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Limiter  ratelimit.Limiter
	Scans    *service.ScanService
	Reaper   *job.Reaper
	Worker   *worker.ScanWorker

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open connects the configured backends and builds the service and worker.
// Redis and ClickHouse are optional: a failure to reach either is logged
// and the process continues without it.
func Open(ctx context.Context, cfg *config.Config) (*Deps, error) {
	log := logging.GetGlobalLogger()
	d := &Deps{Config: cfg, Registry: prometheus.NewRegistry()}
	d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = metrics.New(d.Registry)

	if err := d.openStore(ctx); err != nil {
		return nil, err
	}

	rc := d.openRedis(ctx, log)
	if rc != nil && cfg.Database.Redis.PlanCacheTTL > 0 {
		d.Store = storage.NewPlanCache(d.Store, rc.Client(), cfg.Database.Redis.PlanCacheTTL)
	}
	d.Limiter = d.newLimiter(rc, log)

	scans, err := service.NewScanService(d.Store, d.Limiter, cfg.Quota)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create scan service: %w", err)
	}
	d.Scans = scans

	runner := job.NewRunner(d.Store, d.newScanner(), d.runnerConfig(ctx, log))
	d.Reaper = job.NewReaper(d.Store, cfg.Reaper, job.WithReaperMetrics(d.Metrics))

	w, err := worker.NewScanWorker(&worker.ScanWorkerConfig{
		ID:           cfg.Worker.ID,
		Scheduler:    job.NewScheduler(d.Store, d.Metrics),
		Runner:       runner,
		PollInterval: cfg.Worker.PollInterval,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	d.Worker = w

	return d, nil
}

func (d *Deps) openStore(ctx context.Context) error {
	switch d.Config.Store.Backend {
	case config.StoreBackendMemory:
		logging.Warn("Using in-memory job store; scans are lost on restart")
		d.Store = storage.NewMemoryStore()
		return nil
	case config.StoreBackendPostgres, "":
		db, err := storage.NewPostgresDB(ctx, &d.Config.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		d.closers = append(d.closers, closerFunc(func() error { db.Close(); return nil }))
		d.Store = storage.NewScanRepository(db)
		logging.Info("Connected to Postgres")
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", d.Config.Store.Backend)
	}
}

// openRedis connects Redis when enabled. A nil client means quotas and
// plan lookups go straight to the Job Store.
func (d *Deps) openRedis(ctx context.Context, log *logging.Logger) *storage.RedisClient {
	if !d.Config.Database.Redis.Enabled {
		return nil
	}
	rc, err := storage.NewRedisClient(ctx, &d.Config.Database.Redis)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to Redis. Continuing with store-backed quotas")
		return nil
	}
	d.closers = append(d.closers, rc)
	logging.Info("Connected to Redis")
	return rc
}

// newLimiter prefers the Redis sliding window, falling back to counting
// rows in the Job Store whenever Redis is unavailable.
func (d *Deps) newLimiter(rc *storage.RedisClient, log *logging.Logger) ratelimit.Limiter {
	fallback, err := ratelimit.NewStoreQuota(d.Store)
	if err != nil {
		// unreachable: Store is never nil here
		panic(err)
	}
	if rc == nil {
		return fallback
	}

	primary, err := ratelimit.NewRedisQuota(rc.Client())
	if err != nil {
		log.WithError(err).Warn("Failed to create Redis quota. Continuing with store-backed quotas")
		return fallback
	}
	return &ratelimit.FallbackLimiter{Primary: primary, Fallback: fallback}
}

func (d *Deps) newScanner() *scanner.Scanner {
	sc := d.Config.Scan
	g := guard.New(guard.WithRejectHook(func(*guard.UnsafeTargetError) {
		d.Metrics.ObserveGuardRejection()
	}))
	f := fetcher.New(g, fetcher.Config{UserAgent: sc.UserAgent, MaxBodyBytes: sc.MaxBodyBytes})
	tlsProber := probe.NewTLSProber(g, f.Dialer(), sc.TLSTimeout, nil)

	crawlOpts := []crawler.Option{crawler.WithPageHook(d.Metrics.ObservePage)}
	if sc.CrawlRPS > 0 {
		crawlOpts = append(crawlOpts, crawler.WithRate(sc.CrawlRPS))
	}
	c := crawler.New(f, sc.PageTimeout, crawlOpts...)

	return scanner.New(f, tlsProber, c, sc.HeaderTimeout)
}

// runnerConfig attaches the ClickHouse event sink when it is enabled and
// reachable.
func (d *Deps) runnerConfig(ctx context.Context, log *logging.Logger) job.RunnerConfig {
	rc := job.RunnerConfig{
		ErrorMaxLen: d.Config.Scan.ErrorMaxLen,
		Metrics:     d.Metrics,
	}
	if !d.Config.Database.ClickHouse.Enabled {
		return rc
	}

	ch, err := storage.NewClickHouseDB(ctx, &d.Config.Database.ClickHouse)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to ClickHouse. Scan events will not be recorded")
		return rc
	}
	d.closers = append(d.closers, ch)
	rc.Sink = storage.NewScanEventRepository(ch)
	rc.SinkBreaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("clickhouse-events"))
	logging.Info("Connected to ClickHouse")
	return rc
}

// Close releases backend connections in reverse order of opening.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logging.WithError(err).Warn("Error closing backend connection")
		}
	}
	d.closers = nil
}
