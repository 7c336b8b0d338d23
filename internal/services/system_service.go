package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

const defaultReadinessTTL = 2 * time.Second

// BuildInfo is reported by the liveness probe.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles the collaborators of the readiness service.
type SystemServiceDeps struct {
	Probes repositories.HealthRepository
	Clock  func() time.Time
	// CacheTTL bounds how often dependencies are actually probed. Load balancers poll
	// readiness every few seconds on every instance.
	CacheTTL time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	probes repositories.HealthRepository
	clock  func() time.Time
	ttl    time.Duration
	logger func(context.Context, string, map[string]any)

	mu     sync.Mutex
	cached domain.Readiness
	valid  bool
}

var _ SystemService = (*systemService)(nil)

// NewSystemService constructs the readiness service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Probes == nil {
		return nil, errors.New("system service: probes are required")
	}
	svc := &systemService{
		probes: deps.Probes,
		clock:  deps.Clock,
		ttl:    deps.CacheTTL,
		logger: deps.Logger,
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultReadinessTTL
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// Readiness probes dependencies, reusing the previous result while it is fresh. Concurrent
// callers share one probe run.
func (s *systemService) Readiness(ctx context.Context) (domain.Readiness, error) {
	if err := ctx.Err(); err != nil {
		return domain.Readiness{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.valid && now.Sub(s.cached.CheckedAt) < s.ttl {
		return s.cached, nil
	}

	report := domain.NewReadiness(s.probes.Probe(ctx), now)
	for _, dep := range report.Dependencies {
		if dep.Status != domain.HealthOK {
			s.logger(ctx, "system.dependency_failed", map[string]any{
				"dependency": dep.Name,
				"status":     string(dep.Status),
				"error":      dep.Error,
			})
		}
	}
	s.cached, s.valid = report, true
	return report, nil
}
