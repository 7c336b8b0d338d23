package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/mobishop/api/internal/domain"
)

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func TestRouterRoutes(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{
			readiness: domain.NewReadiness([]domain.DependencyStatus{{Name: "carts", Status: domain.HealthOK}}, now),
		}),
		WithHealthClock(func() time.Time { return now }),
	)
	mergeOnly := func(r chi.Router) {
		r.Post("/merge", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	router := NewRouter(WithHealthHandlers(health), WithCartRoutes(mergeOnly))

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, ""},
		{http.MethodGet, "/readyz", http.StatusOK, ""},
		{http.MethodPost, "/api/v1/cart/merge", http.StatusNoContent, ""},
		{http.MethodGet, "/api/v1/guest-cart", http.StatusServiceUnavailable, "feature_disabled"},
		{http.MethodPost, "/api/v1/guest-cart/items", http.StatusServiceUnavailable, "feature_disabled"},
		{http.MethodGet, "/does/not/exist", http.StatusNotFound, "route_not_found"},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			if tt.code != "" && errorCodeOf(t, rr) != tt.code {
				t.Fatalf("error code = %q, want %q", errorCodeOf(t, rr), tt.code)
			}
		})
	}
}

func TestRouterWithoutCartRoutesDisablesCart(t *testing.T) {
	router := NewRouter()
	for _, path := range []string{"/api/v1/cart", "/api/v1/cart/merge"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusServiceUnavailable || errorCodeOf(t, rr) != "feature_disabled" {
			t.Fatalf("%s: status %d body %s", path, rr.Code, rr.Body.String())
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content type %q", path, ct)
		}
	}
}

func TestRouterAppliesMiddlewaresInOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	router := NewRouter(WithMiddlewares(tag("first"), nil, tag("second")))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/guest-cart", nil))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("middleware order = %v", order)
	}
}
