package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront-labs/orders-api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers a group's routes on the sub-router mounted for it.
type RouteRegistrar func(r chi.Router)

type middlewareChain []func(http.Handler) http.Handler

// routeGroup is one mount point under /api/v1.
type routeGroup struct {
	path        string
	register    RouteRegistrar
	middlewares middlewareChain
}

type routerConfig struct {
	middlewares middlewareChain
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes at the root and the orders, checkout and internal groups under
// /api/v1. A group nobody registered answers 501 so clients can tell a disabled feature from a typo.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		middlewares: middlewareChain{
			middleware.RequestID,
			middleware.RealIP,
			middleware.CleanPath,
			middleware.Timeout(requestTimeout),
		},
		groups: map[string]*routeGroup{
			groupOrders:   {path: "/orders"},
			groupCheckout: {path: "/checkout"},
			groupInternal: {path: "/internal"},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	cfg.middlewares.applyTo(r)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range groupOrder {
			group := cfg.groups[name]
			api.Route(group.path, func(sub chi.Router) {
				group.middlewares.applyTo(sub)
				if group.register == nil {
					notImplemented(sub, name)
					return
				}
				group.register(sub)
			})
		}
	})
	return r
}

const (
	groupOrders   = "orders"
	groupCheckout = "checkout"
	groupInternal = "internal"
)

var groupOrder = []string{groupOrders, groupCheckout, groupInternal}

func (c middlewareChain) applyTo(r chi.Router) {
	for _, mw := range c {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithMiddlewares appends global middleware, applied after the request id and timeout middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers behind /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts the order endpoints at /api/v1/orders.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return withGroup(groupOrders, reg)
}

// WithCheckoutRoutes mounts the checkout session and webhook endpoints at /api/v1/checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return withGroup(groupCheckout, reg)
}

// WithInternalRoutes mounts service-to-service endpoints at /api/v1/internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return withGroup(groupInternal, reg)
}

// WithInternalMiddlewares guards the internal group, typically with OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		group := cfg.groups[groupInternal]
		group.middlewares = append(group.middlewares, mw...)
	}
}

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name].register = reg
	}
}

func notImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
