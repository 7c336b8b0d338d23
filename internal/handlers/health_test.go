package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/services"
)

type stubSystemService struct {
	readiness domain.Readiness
	err       error
}

func (s *stubSystemService) Readiness(context.Context) (domain.Readiness, error) {
	return s.readiness, s.err
}

type readyzBody struct {
	Status       domain.HealthStatus `json:"status"`
	Version      string              `json:"version"`
	Uptime       string              `json:"uptime"`
	CheckedAt    string              `json:"checkedAt"`
	Dependencies []struct {
		Name      string              `json:"name"`
		Status    domain.HealthStatus `json:"status"`
		LatencyMS int64               `json:"latencyMs"`
	} `json:"dependencies"`
	Failures []string `json:"failures"`
}

func probe(t *testing.T, h http.HandlerFunc, path string) (int, readyzBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body readyzBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rr.Code, body
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.4.2", CommitSHA: "abc123", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(30 * time.Second) }),
	)

	code, body := probe(t, h.Healthz, "/healthz")
	if code != http.StatusOK || body.Status != domain.HealthOK {
		t.Fatalf("expected 200 ok, got %d %s", code, body.Status)
	}
	if body.Version != "1.4.2" || body.Uptime != "30s" {
		t.Fatalf("unexpected build fields %+v", body)
	}
}

func TestReadyzListsDependencies(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{readiness: domain.NewReadiness([]domain.DependencyStatus{
			{Name: "pubsub", Status: domain.HealthOK, Latency: 4 * time.Millisecond},
			{Name: "carts", Status: domain.HealthOK, Latency: 10 * time.Millisecond},
		}, now)}),
		WithHealthClock(func() time.Time { return now }),
	)

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusOK || body.Status != domain.HealthOK {
		t.Fatalf("expected 200 ok, got %d %s", code, body.Status)
	}
	if len(body.Dependencies) != 2 || body.Dependencies[0].Name != "carts" || body.Dependencies[0].LatencyMS != 10 {
		t.Fatalf("unexpected dependencies %+v", body.Dependencies)
	}
	if len(body.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", body.Failures)
	}
	if body.CheckedAt != "2024-01-01T00:01:00Z" {
		t.Fatalf("unexpected checkedAt %q", body.CheckedAt)
	}
}

func TestReadyzFailsWhenDependencyDegraded(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{readiness: domain.NewReadiness([]domain.DependencyStatus{
		{Name: "carts", Status: domain.HealthOK},
		{Name: "pubsub", Status: domain.HealthDegraded, Error: "publish failed"},
	}, time.Now())}))

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != domain.HealthDegraded {
		t.Fatalf("expected 503 degraded, got %d %s", code, body.Status)
	}
	if len(body.Failures) != 1 || body.Failures[0] != "pubsub: publish failed" {
		t.Fatalf("unexpected failures %v", body.Failures)
	}
}

func TestReadyzServiceError(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("boom")}))

	code, body := probe(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != domain.HealthDown {
		t.Fatalf("expected 503 down, got %d %s", code, body.Status)
	}
}

func TestReadyzWithoutServiceFallsBackToLiveness(t *testing.T) {
	code, body := probe(t, NewHealthHandlers().Readyz, "/readyz")
	if code != http.StatusOK || body.Status != domain.HealthOK {
		t.Fatalf("expected liveness fallback, got %d %s", code, body.Status)
	}
}

var _ services.SystemService = (*stubSystemService)(nil)
