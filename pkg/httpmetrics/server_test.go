package httpmetrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/torsupervisor/pkg/health"
	"github.com/opd-ai/torsupervisor/pkg/logger"
	"github.com/opd-ai/torsupervisor/pkg/metrics"
)

type mockHealthProvider struct {
	health health.OverallHealth
}

func (m *mockHealthProvider) Check(ctx context.Context) health.OverallHealth {
	if m.health.Status == "" {
		return health.OverallHealth{
			Status:    health.StatusHealthy,
			Timestamp: time.Now(),
			Uptime:    time.Hour,
			Components: map[string]health.ComponentHealth{
				"tor_daemon": {
					Name:        "tor_daemon",
					Status:      health.StatusHealthy,
					Message:     "tor daemon bootstrapped and network enabled",
					LastChecked: time.Now(),
				},
			},
		}
	}
	return m.health
}

func newTestServer(t *testing.T, hp HealthProvider) *Server {
	t.Helper()
	log := logger.NewDefault()
	m := metrics.New()
	m.ProcessStarts.Inc()
	m.Bootstrap.Set(100)
	server := NewServer("127.0.0.1:0", m, hp, log)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func TestNewServer(t *testing.T) {
	server := newTestServer(t, &mockHealthProvider{})
	if server.Address() == "" {
		t.Error("expected a non-empty listening address after Start")
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	server := newTestServer(t, &mockHealthProvider{})

	resp, err := http.Get("http://" + server.Address() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll error = %v", err)
	}
	bodyStr := string(body)
	for _, want := range []string{"torsupervisor_process_starts_total", "torsupervisor_bootstrap_percent", "# HELP", "# TYPE"} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("expected %q in /metrics body", want)
		}
	}
}

func TestHealthzEndpointHealthy(t *testing.T) {
	server := newTestServer(t, &mockHealthProvider{})

	resp, err := http.Get("http://" + server.Address() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}

	var overall health.OverallHealth
	if err := json.NewDecoder(resp.Body).Decode(&overall); err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if overall.Status != health.StatusHealthy {
		t.Errorf("Status = %v, want healthy", overall.Status)
	}
}

func TestHealthzEndpointUnhealthyReturns503(t *testing.T) {
	hp := &mockHealthProvider{health: health.OverallHealth{
		Status:    health.StatusUnhealthy,
		Timestamp: time.Now(),
		Components: map[string]health.ComponentHealth{
			"tor_daemon": {Name: "tor_daemon", Status: health.StatusUnhealthy, Message: "tor daemon is not running"},
		},
	}}
	server := newTestServer(t, hp)

	resp, err := http.Get("http://" + server.Address() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestIndexEndpointListsRoutes(t *testing.T) {
	server := newTestServer(t, &mockHealthProvider{})

	resp, err := http.Get("http://" + server.Address() + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"/healthz", "/metrics"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q listed on index page", want)
		}
	}
}

func TestNotFoundForUnknownRoute(t *testing.T) {
	server := newTestServer(t, &mockHealthProvider{})

	resp, err := http.Get("http://" + server.Address() + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
