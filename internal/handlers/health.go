package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
	"github.com/mobishop/api/internal/services"
)

// HealthHandlers serve liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service used by /readyz to probe dependencies.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(r.Context(), w, http.StatusOK, h.basePayload(domain.HealthOK))
}

// Readyz probes the cart backend and its collaborators. Anything but ok answers 503 so the
// instance is taken out of rotation.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	readiness, err := h.system.Readiness(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("readiness probe failed", zap.Error(err))
		payload := h.basePayload(domain.HealthDown)
		payload.Failures = []string{err.Error()}
		httpx.WriteJSON(ctx, w, http.StatusServiceUnavailable, payload)
		return
	}

	payload := h.basePayload(readiness.Status)
	payload.CheckedAt = formatTime(readiness.CheckedAt)
	payload.Dependencies = make([]dependencyPayload, 0, len(readiness.Dependencies))
	payload.Failures = []string{}
	for _, dep := range readiness.Dependencies {
		payload.Dependencies = append(payload.Dependencies, dependencyPayload{
			Name:      dep.Name,
			Status:    dep.Status,
			LatencyMS: dep.Latency.Milliseconds(),
			Error:     dep.Error,
		})
		if dep.Error != "" {
			payload.Failures = append(payload.Failures, dep.Name+": "+dep.Error)
		}
	}

	code := http.StatusOK
	if readiness.Status != domain.HealthOK {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(ctx, w, code, payload)
}

func (h *HealthHandlers) basePayload(status domain.HealthStatus) healthPayload {
	return healthPayload{
		Status:      status,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      h.clock().Sub(h.build.StartedAt).Round(time.Second).String(),
	}
}

type healthPayload struct {
	Status       domain.HealthStatus `json:"status"`
	Version      string              `json:"version,omitempty"`
	CommitSHA    string              `json:"commitSha,omitempty"`
	Environment  string              `json:"environment,omitempty"`
	Uptime       string              `json:"uptime"`
	CheckedAt    string              `json:"checkedAt,omitempty"`
	Dependencies []dependencyPayload `json:"dependencies,omitempty"`
	Failures     []string            `json:"failures,omitempty"`
}

type dependencyPayload struct {
	Name      string              `json:"name"`
	Status    domain.HealthStatus `json:"status"`
	LatencyMS int64               `json:"latencyMs"`
	Error     string              `json:"error,omitempty"`
}
