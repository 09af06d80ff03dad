// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/metrics"
	"github.com/site-scanner/internal/service"
)

// ScanServiceInterface is the enqueue and query surface the handlers call
type ScanServiceInterface interface {
	RegisterSite(ctx context.Context, userID int64, rawURL string) (*service.SiteView, error)
	ListSites(ctx context.Context, userID int64) (*service.SiteList, error)
	EnqueuePublic(ctx context.Context, userID, siteID int64) (*service.EnqueueResult, error)
	EnqueueAdvanced(ctx context.Context, userID, siteID int64) (*service.EnqueueResult, error)
	ListScans(ctx context.Context, userID, siteID int64) (*service.ScanList, error)
	GetScan(ctx context.Context, userID, scanID int64) (*service.ScanView, error)
	ListPages(ctx context.Context, userID, scanID int64) (*service.PageList, error)
}

// Pinger reports whether the Job Store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	scans      ScanServiceInterface
	store      Pinger
	gatherer   prometheus.Gatherer
	metrics    *metrics.Metrics
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int // per-client requests per second; 0 disables
	RateLimitBurst  int
}

// Option configures optional server collaborators
type Option func(*Server)

// WithMetrics exposes gatherer on /metrics and records request metrics in m.
func WithMetrics(gatherer prometheus.Gatherer, m *metrics.Metrics) Option {
	return func(s *Server) {
		s.gatherer = gatherer
		s.metrics = m
	}
}

// WithLogger sets the request logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, scans ScanServiceInterface, store Pinger, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		scans:    scans,
		store:    store,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.GetGlobalLogger(),
		config:   config,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters: request id and logging wrap everything
	s.router.Use(LoggingMiddleware(s.logger, s.metrics))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// preflight for any path; CORSMiddleware answers it
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	if s.config.RateLimitRPS > 0 {
		api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)))
	}
	api.Use(CompressionMiddleware)

	// Site endpoints
	api.HandleFunc("/sites", s.handleRegisterSite).Methods("POST")
	api.HandleFunc("/sites", s.handleListSites).Methods("GET")

	// Scan endpoints
	api.HandleFunc("/scans/sites/{siteId}/public", s.handleEnqueuePublic).Methods("POST")
	api.HandleFunc("/scans/sites/{siteId}/advanced", s.handleEnqueueAdvanced).Methods("POST")
	api.HandleFunc("/scans", s.handleListScans).Methods("GET")
	api.HandleFunc("/scans/{scanId}", s.handleGetScan).Methods("GET")
	api.HandleFunc("/scans/{scanId}/pages", s.handleListPages).Methods("GET")
}

// handleHealth reports liveness and whether the store answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Health check: store unreachable")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "site-scanner",
			"store":   "unreachable",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "site-scanner",
		"store":   "ok",
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
