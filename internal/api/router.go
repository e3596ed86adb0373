// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package api is the ops HTTP surface of Permguard: audit search, stats and
// export, alert listing, session verification, health and metrics.
//
// Everything under /api/v1 requires a bearer session token, and each route
// runs a permission check through the guard, so every console request is
// itself audited and monitored:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/audit/entries          audit/entries   read
//	GET  /api/v1/audit/entries/{id}     audit/entries   read
//	GET  /api/v1/audit/stats            audit/stats     read
//	GET  /api/v1/audit/export?format=   audit/export    read
//	GET  /api/v1/alerts                 alerts          read
//	POST /api/v1/sessions/verify        sessions/verify verify
//	POST /api/v1/sessions/revoke-all    sessions/actors revoke
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/guard"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/monitor"
	"github.com/tomtom215/permguard/internal/session"
)

// AuditReader is the read side of audit.Trail.
type AuditReader interface {
	Get(ctx context.Context, id string) (*audit.Entry, error)
	Search(ctx context.Context, f audit.Filter, p audit.Page) (audit.SearchResult, error)
	Stats(ctx context.Context, f audit.Filter) (*audit.Stats, error)
	Export(ctx context.Context, f audit.Filter, format audit.Format, w io.Writer) (int, error)
}

// AlertReader is the listing side of monitor.Monitor.
type AlertReader interface {
	Alerts(ctx context.Context, f monitor.AlertFilter) (monitor.AlertList, error)
}

// SessionService is the subset of session.Manager the API uses.
type SessionService interface {
	VerifyToken(ctx context.Context, token string) (session.Verification, error)
	InvalidateAllSessions(ctx context.Context, actorID string) error
}

// PermissionChecker is guard.Service.
type PermissionChecker interface {
	Check(ctx context.Context, req guard.Request) (guard.Decision, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the routes.
type Deps struct {
	Audit    AuditReader
	Alerts   AlertReader
	Sessions SessionService
	Guard    PermissionChecker
	Reporter metrics.Reporter
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
}

// Router builds the HTTP handler.
type Router struct {
	deps Deps
	mw   *ChiMiddleware
}

// NewRouter creates a router. A nil Reporter becomes metrics.Nop.
func NewRouter(deps Deps, mw ChiMiddlewareConfig) *Router {
	if deps.Reporter == nil {
		deps.Reporter = metrics.Nop{}
	}
	return &Router{deps: deps, mw: NewChiMiddleware(mw)}
}

// Handler returns the configured chi router.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.mw.CORS())
	r.Use(Metrics(rt.deps.Reporter))

	r.Get("/healthz", rt.health)
	if rt.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(Authenticate(rt.deps.Sessions))

		r.Route("/audit", func(r chi.Router) {
			r.With(rt.authorize("audit/entries", "read")).Get("/entries", rt.listEntries)
			r.With(rt.authorize("audit/entries", "read")).Get("/entries/{id}", rt.getEntry)
			r.With(rt.authorize("audit/stats", "read")).Get("/stats", rt.auditStats)
			r.With(rt.authorize("audit/export", "read")).Get("/export", rt.exportEntries)
		})

		r.With(rt.authorize("alerts", "read")).Get("/alerts", rt.listAlerts)

		r.Route("/sessions", func(r chi.Router) {
			r.With(rt.authorize("sessions/verify", "verify")).Post("/verify", rt.verifySession)
			r.With(rt.authorize("sessions/actors", "revoke")).Post("/revoke-all", rt.revokeAll)
		})
	})

	return r
}

func (rt *Router) authorize(resource, action string) func(http.Handler) http.Handler {
	return Authorize(rt.deps.Guard, resource, action)
}
