// Package main provides the standalone scan worker entry point. It sweeps
// stale scans once, then claims and runs queued scans until signalled.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/site-scanner/internal/app"
	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/logging"
)

func main() {
	fmt.Println("Site Scanner Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Store.Backend == config.StoreBackendMemory {
		log.Fatalf("Standalone worker needs a shared store; STORE_BACKEND=memory only works with WORKER_EMBEDDED")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		os.Exit(1)
	}
	defer deps.Close()

	if _, err := deps.Reaper.Sweep(ctx); err != nil {
		logger.WithError(err).Warn("Startup sweep failed")
	}

	logger.WithField("worker_id", deps.Worker.ID()).Info("Worker started")
	if err := deps.Worker.Run(ctx); err != nil {
		logger.WithError(err).Error("Worker failed")
		deps.Close()
		os.Exit(1)
	}

	processed := deps.Worker.Stats().Processed
	logger.WithField("processed", processed).Info("Worker exited")
}
