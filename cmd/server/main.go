// Package main provides the API server entry point for the site scanner service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/site-scanner/internal/api"
	"github.com/site-scanner/internal/app"
	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/logging"
)

func main() {
	fmt.Println("Site Scanner API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"level":    cfg.Logging.Level,
		"format":   cfg.Logging.Format,
		"store":    cfg.Store.Backend,
		"embedded": cfg.Worker.Embedded,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		os.Exit(1)
	}
	defer deps.Close()

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.RateLimit.RPS,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}, deps.Scans, deps.Store, api.WithMetrics(deps.Registry, deps.Metrics), api.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	if cfg.Worker.Embedded {
		g.Go(func() error {
			if _, err := deps.Reaper.Sweep(gctx); err != nil {
				// stale scans stay for the next startup; claiming is still safe
				logger.WithError(err).Warn("Startup sweep failed")
			}
			logger.WithField("worker_id", deps.Worker.ID()).Info("Embedded worker started")
			return deps.Worker.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// the embedded worker sees gctx too and finalizes its in-flight scan
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server exited with error")
		deps.Close()
		os.Exit(1)
	}

	logger.Info("Server exited")
}
