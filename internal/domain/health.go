package domain

import (
	"sort"
	"time"
)

// HealthStatus grades a dependency or the whole process.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// DependencyStatus is the outcome of probing one backing service such as the cart store or
// the event topic.
type DependencyStatus struct {
	Name      string
	Status    HealthStatus
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// Readiness is the combined view served by the readiness probe.
type Readiness struct {
	Status       HealthStatus
	Dependencies []DependencyStatus
	CheckedAt    time.Time
}

// NewReadiness sorts deps by name and grades the report by its worst dependency.
func NewReadiness(deps []DependencyStatus, checkedAt time.Time) Readiness {
	sorted := append([]DependencyStatus(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	status := HealthOK
	for _, dep := range sorted {
		if dep.Status.rank() > status.rank() {
			status = dep.Status
		}
	}
	return Readiness{Status: status, Dependencies: sorted, CheckedAt: checkedAt}
}

func (s HealthStatus) rank() int {
	switch s {
	case HealthOK, "":
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
