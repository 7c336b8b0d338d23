package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/mobishop/api/internal/domain"
)

const (
	defaultProbeTimeout = 1500 * time.Millisecond
	maxParallelProbes   = 8
)

// DependencyCheck probes one backing service. Check must honour ctx; a probe that outlives
// its Timeout is reported down.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyProber runs a fixed set of checks concurrently.
type DependencyProber struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

// ProberOption customises a DependencyProber.
type ProberOption func(*DependencyProber)

// WithProbeTimeout sets the timeout for checks that do not declare one.
func WithProbeTimeout(timeout time.Duration) ProberOption {
	return func(p *DependencyProber) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithProbeClock overrides the clock used for latency and timestamps.
func WithProbeClock(now func() time.Time) ProberOption {
	return func(p *DependencyProber) {
		if now != nil {
			p.now = now
		}
	}
}

// NewDependencyProber validates checks. Names must be unique and non-empty.
func NewDependencyProber(checks []DependencyCheck, opts ...ProberOption) (*DependencyProber, error) {
	if len(checks) == 0 {
		return nil, errors.New("dependency prober: no checks configured")
	}
	names := make(map[string]bool, len(checks))
	normalised := make([]DependencyCheck, 0, len(checks))
	for _, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, errors.New("dependency prober: check name is required")
		case check.Check == nil:
			return nil, fmt.Errorf("dependency prober: check %q has no function", check.Name)
		case names[check.Name]:
			return nil, fmt.Errorf("dependency prober: duplicate check %q", check.Name)
		}
		names[check.Name] = true
		normalised = append(normalised, check)
	}

	p := &DependencyProber{checks: normalised, timeout: defaultProbeTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Probe runs every check and returns one status per check in configuration order.
func (p *DependencyProber) Probe(ctx context.Context) []domain.DependencyStatus {
	results := make([]domain.DependencyStatus, len(p.checks))
	var group errgroup.Group
	group.SetLimit(maxParallelProbes)
	for i, check := range p.checks {
		group.Go(func() error {
			results[i] = p.run(ctx, check)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (p *DependencyProber) run(ctx context.Context, check DependencyCheck) domain.DependencyStatus {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(probeCtx)
	if err == nil {
		err = probeCtx.Err()
	}
	end := p.now()

	result := domain.DependencyStatus{
		Name:      check.Name,
		Status:    domain.HealthOK,
		Latency:   end.Sub(start),
		CheckedAt: end.UTC(),
	}
	if err != nil {
		result.Error = err.Error()
		result.Status = domain.HealthDegraded
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			result.Status = domain.HealthDown
		}
	}
	return result
}

var _ HealthRepository = (*DependencyProber)(nil)
