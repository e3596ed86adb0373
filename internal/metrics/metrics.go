// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package metrics defines the Reporter interface every Permguard component
// reports through, and its Prometheus implementation.
//
// Components never touch collectors directly. The composition root builds one
// Reporter and injects it:
//
//	reg := prometheus.NewRegistry()
//	rep := metrics.NewPrometheus(reg)
//	cache := decision.New(store, rep, cfg)
//
// Tests that do not assert on metrics pass metrics.Nop{}.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "permguard"

// Reporter receives fire-and-forget observations. Implementations must be
// safe for concurrent use and must never block.
type Reporter interface {
	// Decision cache
	CacheHit()
	CacheMiss()
	CacheError(op string)
	CacheEvicted(n int)
	CacheInvalidated(n int)
	CacheSize(n int)

	// Sessions
	SessionCreated()
	SessionRevoked(reason string)
	SessionVerified(result string)

	// Audit trail
	AuditWritten(category string)
	AuditWriteFailed()
	AuditReadDegraded(op string)

	// Anomaly monitor
	AttemptTracked(success bool)
	AlertRaised(alertType, severity string)
	ActiveAlerts(severity string, n int)
	MonitorDegraded(op string)
	NotificationDropped(notifier, reason string)

	// Infrastructure
	BreakerStateChanged(name, to string)
	BreakerRejected(name string)
	HTTPRequest(method, route string, status int, d time.Duration)
}

// Prometheus is the production Reporter.
type Prometheus struct {
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheErrors        *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheInvalidations prometheus.Counter
	cacheSize          prometheus.Gauge

	sessionsCreated  prometheus.Counter
	sessionsRevoked  *prometheus.CounterVec
	sessionsVerified *prometheus.CounterVec

	auditWritten      *prometheus.CounterVec
	auditWriteFailed  prometheus.Counter
	auditReadDegraded *prometheus.CounterVec

	attempts        *prometheus.CounterVec
	alertsRaised    *prometheus.CounterVec
	activeAlerts    *prometheus.GaugeVec
	monitorDegraded *prometheus.CounterVec
	notifyDropped   *prometheus.CounterVec

	breakerState    *prometheus.GaugeVec
	breakerRejected *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// NewPrometheus registers every collector with reg. Passing a fresh
// prometheus.NewRegistry() per test keeps tests isolated.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)

	return &Prometheus{
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "hits_total",
			Help: "Permission decisions served from cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "misses_total",
			Help: "Permission lookups that required recomputation",
		}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "errors_total",
			Help: "Cache backend errors swallowed as misses",
		}, []string{"operation"}),
		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "evictions_total",
			Help: "Entries removed by capacity eviction",
		}),
		cacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "invalidations_total",
			Help: "Entries removed by explicit invalidation",
		}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "decision_cache", Name: "entries",
			Help: "Approximate number of live cache entries",
		}),

		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "created_total",
			Help: "Session tokens issued",
		}),
		sessionsRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "revoked_total",
			Help: "Session tokens revoked",
		}, []string{"reason"}),
		sessionsVerified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "verifications_total",
			Help: "Token verifications by result",
		}, []string{"result"}),

		auditWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "entries_written_total",
			Help: "Audit entries appended",
		}, []string{"category"}),
		auditWriteFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "write_failures_total",
			Help: "Audit writes that failed and were surfaced to the caller",
		}),
		auditReadDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "read_degraded_total",
			Help: "Audit reads that returned empty results after a store failure",
		}, []string{"operation"}),

		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "access_attempts_total",
			Help: "Access attempts tracked",
		}, []string{"success"}),
		alertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "alerts_total",
			Help: "Security alerts raised",
		}, []string{"type", "severity"}),
		activeAlerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "active_alerts",
			Help: "Alerts inside the active window by severity",
		}, []string{"severity"}),
		monitorDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "degraded_total",
			Help: "Monitor operations skipped after a store failure",
		}, []string{"operation"}),
		notifyDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "notifications_dropped_total",
			Help: "Alert notifications not delivered (rate_limited or backlog)",
		}, []string{"notifier", "reason"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		breakerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "rejected_total",
			Help: "Calls rejected by an open circuit",
		}, []string{"name"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by status",
		}, []string{"method", "route", "status"}),
	}
}

func (p *Prometheus) CacheHit()               { p.cacheHits.Inc() }
func (p *Prometheus) CacheMiss()              { p.cacheMisses.Inc() }
func (p *Prometheus) CacheError(op string)    { p.cacheErrors.WithLabelValues(op).Inc() }
func (p *Prometheus) CacheEvicted(n int)      { p.cacheEvictions.Add(float64(n)) }
func (p *Prometheus) CacheInvalidated(n int)  { p.cacheInvalidations.Add(float64(n)) }
func (p *Prometheus) CacheSize(n int)         { p.cacheSize.Set(float64(n)) }
func (p *Prometheus) SessionCreated()         { p.sessionsCreated.Inc() }
func (p *Prometheus) SessionRevoked(r string) { p.sessionsRevoked.WithLabelValues(r).Inc() }
func (p *Prometheus) SessionVerified(r string) {
	p.sessionsVerified.WithLabelValues(r).Inc()
}
func (p *Prometheus) AuditWritten(category string) { p.auditWritten.WithLabelValues(category).Inc() }
func (p *Prometheus) AuditWriteFailed()            { p.auditWriteFailed.Inc() }
func (p *Prometheus) AuditReadDegraded(op string)  { p.auditReadDegraded.WithLabelValues(op).Inc() }

func (p *Prometheus) AttemptTracked(success bool) {
	p.attempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (p *Prometheus) AlertRaised(alertType, severity string) {
	p.alertsRaised.WithLabelValues(alertType, severity).Inc()
}

func (p *Prometheus) ActiveAlerts(severity string, n int) {
	p.activeAlerts.WithLabelValues(severity).Set(float64(n))
}

func (p *Prometheus) MonitorDegraded(op string) { p.monitorDegraded.WithLabelValues(op).Inc() }
func (p *Prometheus) NotificationDropped(notifier, reason string) {
	p.notifyDropped.WithLabelValues(notifier, reason).Inc()
}

// BreakerStateChanged maps gobreaker state names onto the gauge.
func (p *Prometheus) BreakerStateChanged(name, to string) {
	v := -1.0
	switch to {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	p.breakerState.WithLabelValues(name).Set(v)
}

func (p *Prometheus) BreakerRejected(name string) { p.breakerRejected.WithLabelValues(name).Inc() }

func (p *Prometheus) HTTPRequest(method, route string, status int, d time.Duration) {
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Nop discards every observation.
type Nop struct{}

func (Nop) CacheHit()                                      {}
func (Nop) CacheMiss()                                     {}
func (Nop) CacheError(string)                              {}
func (Nop) CacheEvicted(int)                               {}
func (Nop) CacheInvalidated(int)                           {}
func (Nop) CacheSize(int)                                  {}
func (Nop) SessionCreated()                                {}
func (Nop) SessionRevoked(string)                          {}
func (Nop) SessionVerified(string)                         {}
func (Nop) AuditWritten(string)                            {}
func (Nop) AuditWriteFailed()                              {}
func (Nop) AuditReadDegraded(string)                       {}
func (Nop) AttemptTracked(bool)                            {}
func (Nop) AlertRaised(string, string)                     {}
func (Nop) ActiveAlerts(string, int)                       {}
func (Nop) MonitorDegraded(string)                         {}
func (Nop) NotificationDropped(string, string)             {}
func (Nop) BreakerStateChanged(string, string)             {}
func (Nop) BreakerRejected(string)                         {}
func (Nop) HTTPRequest(string, string, int, time.Duration) {}

var (
	_ Reporter = (*Prometheus)(nil)
	_ Reporter = Nop{}
)
