// Package httpmetrics serves /healthz and /metrics over HTTP using
// go-chi/chi routing and the Prometheus exposition format.
package httpmetrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd-ai/torsupervisor/pkg/health"
	"github.com/opd-ai/torsupervisor/pkg/logger"
	"github.com/opd-ai/torsupervisor/pkg/metrics"
)

// HealthProvider reports the supervisor's aggregate health, typically a
// *health.Monitor.
type HealthProvider interface {
	Check(ctx context.Context) health.OverallHealth
}

// Server serves /healthz and /metrics for a single Runtime/Environment.
type Server struct {
	address        string
	metrics        *metrics.Metrics
	healthProvider HealthProvider
	logger         *logger.Logger

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server. m's Registry backs /metrics; healthProvider
// backs /healthz.
func NewServer(address string, m *metrics.Metrics, healthProvider HealthProvider, log *logger.Logger) *Server {
	s := &Server{
		address:        address,
		metrics:        m,
		healthProvider: healthProvider,
		logger:         log.Component("httpmetrics"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	metricsHandler := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m.RefreshUptime()
		metricsHandler.ServeHTTP(w, req)
	}))
	r.Get("/", s.handleIndex)

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("http metrics server listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Address returns the actual listening address, valid after Start.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall := s.healthProvider.Check(ctx)

	status := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(overall); err != nil {
		s.logger.Error("failed to encode health status", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("torsupervisor\n\nendpoints:\n  /healthz\n  /metrics\n"))
}
