package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/mobishop/api/internal/domain"
)

type stubProbes struct {
	calls    int
	statuses []domain.DependencyStatus
}

func (s *stubProbes) Probe(context.Context) []domain.DependencyStatus {
	s.calls++
	return s.statuses
}

func TestSystemServiceReadinessGradesWorstDependency(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	probes := &stubProbes{statuses: []domain.DependencyStatus{
		{Name: "pubsub", Status: domain.HealthDegraded, Error: "topic missing"},
		{Name: "carts", Status: domain.HealthOK},
	}}
	var events []string
	svc, err := NewSystemService(SystemServiceDeps{
		Probes: probes,
		Clock:  func() time.Time { return now },
		Logger: func(_ context.Context, event string, fields map[string]any) {
			events = append(events, event+":"+fields["dependency"].(string))
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := svc.Readiness(context.Background())
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if report.Status != domain.HealthDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if len(report.Dependencies) != 2 || report.Dependencies[0].Name != "carts" {
		t.Fatalf("expected dependencies sorted by name, got %+v", report.Dependencies)
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("expected checkedAt %v, got %v", now, report.CheckedAt)
	}
	if len(events) != 1 || events[0] != "system.dependency_failed:pubsub" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestSystemServiceReadinessCachesWithinTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	probes := &stubProbes{statuses: []domain.DependencyStatus{{Name: "carts", Status: domain.HealthOK}}}
	svc, err := NewSystemService(SystemServiceDeps{
		Probes:   probes,
		Clock:    func() time.Time { return now },
		CacheTTL: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Readiness(ctx); err != nil {
			t.Fatalf("readiness: %v", err)
		}
	}
	if probes.calls != 1 {
		t.Fatalf("expected a single probe run, got %d", probes.calls)
	}

	now = now.Add(5 * time.Second)
	if _, err := svc.Readiness(ctx); err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if probes.calls != 2 {
		t.Fatalf("expected cache to expire, got %d probe runs", probes.calls)
	}
}

func TestSystemServiceReadinessRespectsCancelledContext(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{Probes: &stubProbes{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Readiness(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSystemServiceRequiresProbes(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without probes")
	}
}
