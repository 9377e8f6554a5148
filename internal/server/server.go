// Package server implements the HTTP transport layer for the Warden gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatewarden/warden/internal/app"
	"github.com/gatewarden/warden/internal/auth"
	"github.com/gatewarden/warden/internal/circuitbreaker"
	"github.com/gatewarden/warden/internal/ratelimit"
	"github.com/gatewarden/warden/internal/storage"
	"github.com/gatewarden/warden/internal/telemetry"
)

// StoreChecker reports whether the shared state store is reachable.
type StoreChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Tokens     *auth.Verifier
	Users      storage.UserStore
	Routes     *app.Table
	Dispatch   *app.Dispatcher
	Window     *ratelimit.SlidingWindow
	Bucket     *ratelimit.TokenBucket
	Circuits   *circuitbreaker.Registry
	Metrics    *telemetry.Metrics   // nil = no Prometheus recording
	Stats      *telemetry.Collector // nil = no JSON metrics surface
	PromHTTP   http.Handler         // nil = no Prometheus scrape endpoint
	StoreCheck StoreChecker         // nil = store assumed up (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/metrics/reset", s.handleMetricsReset)
	r.Get("/metrics/latency/{service}", s.handleLatency)
	if deps.PromHTTP != nil {
		r.Handle("/metrics/prometheus", deps.PromHTTP)
	}

	// Credential endpoints (no auth)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/register", s.handleRegister)

	// Inspection API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/services", s.handleListServices)
		r.Get("/api/circuits", s.handleListCircuits)
		r.Post("/api/circuits/{service}/reset", s.handleResetCircuit)
	})

	// Proxy pipeline: route resolution, auth, rate limits, then dispatch.
	// Static routes above win over the {service} parameter.
	r.Group(func(r chi.Router) {
		r.Use(s.resolveRoute)
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		proxy := http.HandlerFunc(s.handleProxy)
		r.Handle("/api/{service}", proxy)
		r.Handle("/api/{service}/*", proxy)
	})

	return r
}

type server struct {
	deps Deps
}
