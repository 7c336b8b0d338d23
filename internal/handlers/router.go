package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobishop/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 30 * time.Second
)

// RouteRegistrar mounts a route group.
type RouteRegistrar func(r chi.Router)

type router struct {
	middlewares []func(http.Handler) http.Handler
	timeout     time.Duration
	health      *HealthHandlers
	cart        RouteRegistrar
	guestCart   RouteRegistrar
}

// Option customises NewRouter.
type Option func(*router)

// WithMiddlewares appends global middleware. They run after request id, real ip and path
// cleaning.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(rt *router) {
		for _, m := range mw {
			if m != nil {
				rt.middlewares = append(rt.middlewares, m)
			}
		}
	}
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(rt *router) {
		if timeout > 0 {
			rt.timeout = timeout
		}
	}
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(rt *router) { rt.health = h }
}

// WithCartRoutes mounts the authenticated cart under /api/v1/cart.
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(rt *router) { rt.cart = reg }
}

// WithGuestCartRoutes mounts the cookie cart under /api/v1/guest-cart.
func WithGuestCartRoutes(reg RouteRegistrar) Option {
	return func(rt *router) { rt.guestCart = reg }
}

// NewRouter builds the API router. Route groups that were not configured stay reachable
// and answer 503 feature_disabled, so clients can tell a disabled feature from a typo.
func NewRouter(opts ...Option) chi.Router {
	rt := router{timeout: requestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&rt)
		}
	}
	if rt.health == nil {
		rt.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath, middleware.Timeout(rt.timeout))
	r.Use(rt.middlewares...)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		api.Route("/cart", groupOrDisabled(rt.cart, "cart"))
		api.Route("/guest-cart", groupOrDisabled(rt.guestCart, "guest cart"))
	})
	return r
}

func groupOrDisabled(reg RouteRegistrar, feature string) func(chi.Router) {
	if reg != nil {
		return reg
	}
	disabled := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("feature_disabled", feature+" is not enabled on this deployment", http.StatusServiceUnavailable))
	}
	return func(r chi.Router) {
		r.HandleFunc("/", disabled)
		r.HandleFunc("/*", disabled)
	}
}
