// Package api exposes the engine's operational HTTP surface: read-only job
// statistics, a manual trigger entry point and health probes. The commercial
// CRUD API lives elsewhere; only admin tooling talks to this server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/payment-verifier/internal/logging"
)

// SchedulerInterface is the scheduler surface the API consumes
type SchedulerInterface interface {
	TriggerNow(ctx context.Context) error
}

// HealthChecker reports reachability of a backing service
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the operational HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	scheduler  SchedulerInterface
	stats      StatsSource
	postgres   HealthChecker
	redis      HealthChecker
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new operational API server
func NewServer(
	config *ServerConfig,
	scheduler SchedulerInterface,
	stats StatsSource,
	postgres HealthChecker,
	redis HealthChecker,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		scheduler: scheduler,
		stats:     stats,
		postgres:  postgres,
		redis:     redis,
		logger:    logger,
		config:    config,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/jobs/verification/stats", s.handleJobStats).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/verification/trigger", s.handleTrigger).Methods(http.MethodPost)
}

// Router returns the underlying router, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	readTimeout := s.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	s.logger.WithField("addr", s.httpServer.Addr).Info("starting operational API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
