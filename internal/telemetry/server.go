package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes Metrics over HTTP: /metrics in Prometheus exposition format and
// /healthz as a liveness probe. Grounded on the teacher's dashboard.Server
// lifecycle (a chi.Mux paired with a plain net/http.Server, Start/Shutdown
// methods) but narrowed to the two machine-readable endpoints §6 asks for.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	metrics *Metrics
	logger  *logrus.Entry
	port    int

	healthFn func() HealthStatus
}

// HealthStatus is the liveness snapshot returned from /healthz.
type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	TradingHalted  bool      `json:"trading_halted"`
	LastCycleAt    time.Time `json:"last_cycle_at"`
	OpenPositions  int       `json:"open_positions"`
}

// NewServer constructs a Server bound to port, reporting metrics' instruments and
// calling healthFn on every /healthz request.
func NewServer(port int, metrics *Metrics, healthFn func() HealthStatus, log *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		metrics:  metrics,
		logger:   log.WithField("component", "telemetry_server"),
		port:     port,
		healthFn: healthFn,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Healthy: true}
	if s.healthFn != nil {
		status = s.healthFn()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.WithError(err).Error("failed to encode health response")
	}
}

// Start runs the HTTP server, blocking until Shutdown is called or the server
// fails to bind. Intended to run in its own goroutine, mirroring the teacher's
// dashboard server lifecycle.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("starting telemetry server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
