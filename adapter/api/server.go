// Package api provides the HTTP API for campaign operations.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/cadence/pkg/observability"
)

// Server exposes the campaign commands, queries and scheduler controls
// over HTTP. Both the worker and 'cadence serve' embed it.
type Server struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	metrics   observability.Metrics
	campaigns *CampaignHandler
	scheduler *SchedulerHandler
}

// ServerConfig holds the listen address, timeouts and metrics sink.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics receives per-request counters. Nil means no recording.
	Metrics observability.Metrics
}

// DefaultServerConfig returns the defaults the worker starts with.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg ServerConfig, campaigns *CampaignHandler, scheduler *SchedulerHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	s := &Server{
		logger:    logger,
		metrics:   metrics,
		campaigns: campaigns,
		scheduler: scheduler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/campaigns/enroll", s.campaigns.Enroll)
	mux.HandleFunc("GET /api/v1/campaigns/status", s.campaigns.Status)
	mux.HandleFunc("GET /api/v1/campaigns/{recordID}", s.campaigns.GetRecord)
	mux.HandleFunc("POST /api/v1/campaigns/{recordID}/archive", s.campaigns.Archive)

	mux.HandleFunc("GET /api/v1/scheduler", s.scheduler.Stats)
	mux.HandleFunc("POST /api/v1/scheduler/start", s.scheduler.Start)
	mux.HandleFunc("POST /api/v1/scheduler/stop", s.scheduler.Stop)
	mux.HandleFunc("POST /api/v1/scheduler/sweep", s.scheduler.Sweep)

	s.handler = s.withRequestContext(mux)
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestContext gives every request a request ID and a correlation
// ID, honoring X-Correlation-ID when the caller sends one, then logs
// and counts the request on the way out.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.NewRequestContext(r.Context(), r.Header.Get("X-Correlation-ID"))
		w.Header().Set("X-Correlation-ID", observability.CorrelationIDFromContext(ctx))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.metrics.Counter(observability.MetricHTTPRequests, 1,
			observability.T("method", r.Method),
			observability.T("status", strconv.Itoa(rec.status)),
		)
		s.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start begins serving and blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting campaign API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down campaign API server")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
