// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package monitor detects suspicious access patterns from the stream of
// access attempts and raises security alerts.
//
// Every tracked attempt is persisted and evaluated inline against the
// registered rules. Raised alerts are persisted, counted, recorded in the
// audit trail and, for high and critical severities, forwarded to the
// enabled notifiers. The monitor fails open: a store failure skips
// detection and reports outcome.Degraded, it never blocks the request that
// produced the attempt.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/ids"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/outcome"
	"github.com/tomtom215/permguard/internal/validation"
)

// Config configures the monitor.
type Config struct {
	BruteForceThreshold  int           `koanf:"brute_force_threshold" validate:"gte=0"`
	BruteForceWindow     time.Duration `koanf:"brute_force_window"`
	RapidAccessThreshold int           `koanf:"rapid_access_threshold" validate:"gte=0"`
	RapidAccessWindow    time.Duration `koanf:"rapid_access_window"`

	// AttemptRetention bounds how long attempts are kept for window queries.
	AttemptRetention time.Duration `koanf:"attempt_retention"`
	// ActiveAlertWindow is the age under which an alert counts as active.
	ActiveAlertWindow time.Duration `koanf:"active_alert_window"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`

	// MaxPendingNotifications caps deliveries in flight across notifiers.
	// Alerts raised while the cap is reached are dropped for that notifier.
	MaxPendingNotifications int `koanf:"max_pending_notifications" validate:"gte=0"`

	Webhook WebhookConfig `koanf:"webhook"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BruteForceThreshold:  5,
		BruteForceWindow:     5 * time.Minute,
		RapidAccessThreshold: 10,
		RapidAccessWindow:    time.Minute,
		AttemptRetention:     24 * time.Hour,
		ActiveAlertWindow:    24 * time.Hour,
		SweepInterval:        60 * time.Second,

		MaxPendingNotifications: 32,

		Webhook: DefaultWebhookConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = def.BruteForceThreshold
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = def.BruteForceWindow
	}
	if c.RapidAccessThreshold <= 0 {
		c.RapidAccessThreshold = def.RapidAccessThreshold
	}
	if c.RapidAccessWindow <= 0 {
		c.RapidAccessWindow = def.RapidAccessWindow
	}
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = def.AttemptRetention
	}
	if c.ActiveAlertWindow <= 0 {
		c.ActiveAlertWindow = def.ActiveAlertWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MaxPendingNotifications <= 0 {
		c.MaxPendingNotifications = def.MaxPendingNotifications
	}
}

// PatternAnalyzer is invoked on every sweep. It is the extension point for
// cross-actor detection.
type PatternAnalyzer interface {
	Analyze(ctx context.Context, now time.Time) ([]Finding, error)
}

// unimplementedAnalyzer reports that cross-actor detection is not available.
type unimplementedAnalyzer struct{ once sync.Once }

func (a *unimplementedAnalyzer) Analyze(ctx context.Context, _ time.Time) ([]Finding, error) {
	a.once.Do(func() {
		logging.Ctx(ctx).Info().Str("component", "monitor").
			Msg("cross-actor pattern analysis is not implemented; sweep only refreshes alert counts")
	})
	return nil, nil
}

// Monitor is the anomaly detection service.
type Monitor struct {
	store Store
	trail audit.Recorder
	rep   metrics.Reporter
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.RWMutex
	rules     []Rule
	notifiers []Notifier
	analyzer  PatternAnalyzer

	inflight sync.WaitGroup
	pending  chan struct{}
}

// New creates a monitor with the brute-force and rapid-access rules
// registered. trail may be nil, in which case alerts are not audited.
func New(store Store, trail audit.Recorder, cfg Config, rep metrics.Reporter) *Monitor {
	if rep == nil {
		rep = metrics.Nop{}
	}
	cfg.applyDefaults()

	m := &Monitor{
		store:    store,
		trail:    trail,
		rep:      rep,
		cfg:      cfg,
		log:      logging.WithComponent("monitor"),
		now:      time.Now,
		analyzer: &unimplementedAnalyzer{},
		pending:  make(chan struct{}, cfg.MaxPendingNotifications),
	}
	m.RegisterRule(BruteForceRule{Threshold: cfg.BruteForceThreshold, Span: cfg.BruteForceWindow})
	m.RegisterRule(RapidAccessRule{Threshold: cfg.RapidAccessThreshold, Span: cfg.RapidAccessWindow})
	return m
}

// SetClock overrides the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// RegisterRule adds a rule evaluated on every attempt.
func (m *Monitor) RegisterRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	m.log.Info().Str("rule", r.Name()).Dur("window", r.Window()).Msg("registered detection rule")
}

// RegisterNotifier adds an alert notifier.
func (m *Monitor) RegisterNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
	m.log.Info().Str("notifier", n.Name()).Bool("enabled", n.Enabled()).Msg("registered alert notifier")
}

// SetPatternAnalyzer replaces the sweep analyzer.
func (m *Monitor) SetPatternAnalyzer(a PatternAnalyzer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzer = a
}

// TrackAccessAttempt persists a and evaluates every rule against the actor's
// recent history. The error is non-nil only for an invalid attempt; store
// failures skip detection and report outcome.Degraded.
func (m *Monitor) TrackAccessAttempt(ctx context.Context, a Attempt) (Result, error) {
	if err := validation.Check("monitor.TrackAccessAttempt", &a); err != nil {
		return Result{}, err
	}

	now := m.now().UTC().Truncate(time.Microsecond)
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.Timestamp = a.Timestamp.UTC().Truncate(time.Microsecond)
	a.ID = ids.At(a.Timestamp)

	if err := m.store.RecordAttempt(ctx, &a); err != nil {
		m.degraded(ctx, "record_attempt", err)
		return Result{Outcome: outcome.Degraded}, nil
	}
	m.rep.AttemptTracked(a.Success)

	m.mu.RLock()
	rules := append([]Rule(nil), m.rules...)
	m.mu.RUnlock()

	var longest time.Duration
	for _, r := range rules {
		if w := r.Window(); w > longest {
			longest = w
		}
	}
	history, err := m.store.RecentAttempts(ctx, a.ActorID, now.Add(-longest))
	if err != nil {
		m.degraded(ctx, "recent_attempts", err)
		return Result{Outcome: outcome.Degraded}, nil
	}

	eval := &Evaluation{Attempt: a, History: history, Now: now}
	res := Result{Outcome: outcome.OK}
	for _, r := range rules {
		f := r.Evaluate(eval)
		if f == nil {
			continue
		}
		alert, err := m.raise(ctx, f, now)
		if err != nil {
			m.degraded(ctx, "save_alert", err)
			res.Outcome = outcome.Degraded
			continue
		}
		res.Alerts = append(res.Alerts, *alert)
	}
	return res, nil
}

// raise persists the finding as an alert, audits it and forwards it.
func (m *Monitor) raise(ctx context.Context, f *Finding, now time.Time) (*Alert, error) {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal alert details: %w", err)
	}
	alert := &Alert{
		ID:        ids.At(now),
		Type:      f.Type,
		Severity:  f.Severity,
		ActorID:   f.ActorID,
		Timestamp: now,
		Message:   f.Message,
		Details:   details,
	}
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return nil, err
	}
	m.rep.AlertRaised(string(alert.Type), string(alert.Severity))

	logging.Ctx(ctx).Warn().Str("component", "monitor").
		Str("alert_id", alert.ID).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("actor", alert.ActorID).
		Msg(alert.Message)

	m.record(ctx, alert)

	if alert.Severity == SeverityHigh || alert.Severity == SeverityCritical {
		m.notify(ctx, alert)
	}
	return alert, nil
}

// record writes the alert to the audit trail. A failed audit write is logged;
// the alert itself is already persisted.
func (m *Monitor) record(ctx context.Context, alert *Alert) {
	if m.trail == nil {
		return
	}
	_, err := m.trail.Log(ctx, audit.Entry{
		ActorID:    alert.ActorID,
		Action:     "alert." + string(alert.Type),
		Category:   audit.CategorySecurity,
		Severity:   auditSeverity(alert.Severity),
		Status:     audit.StatusAttempt,
		Resource:   "security_alert",
		ResourceID: alert.ID,
		Details:    alert.Details,
	})
	if err != nil {
		m.rep.MonitorDegraded("audit")
		logging.Ctx(ctx).Error().Err(err).Str("component", "monitor").
			Str("alert_id", alert.ID).Msg("failed to audit security alert")
	}
}

func auditSeverity(s Severity) audit.Severity {
	switch s {
	case SeverityCritical:
		return audit.SeverityCritical
	case SeverityHigh:
		return audit.SeverityError
	case SeverityMedium:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}

// notify delivers alert to every enabled notifier in the background. At most
// MaxPendingNotifications deliveries run at once; beyond that the alert is
// dropped for the notifier and counted. The alert stays persisted and
// audited either way.
func (m *Monitor) notify(ctx context.Context, alert *Alert) {
	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	// Delivery outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	for _, n := range notifiers {
		if !n.Enabled() {
			continue
		}
		select {
		case m.pending <- struct{}{}:
		default:
			m.dropped(n, alert, "backlog")
			continue
		}
		m.inflight.Add(1)
		go func(n Notifier) {
			defer func() {
				<-m.pending
				m.inflight.Done()
			}()
			err := n.Send(bg, alert)
			switch {
			case errors.Is(err, ErrRateLimited):
				m.dropped(n, alert, "rate_limited")
			case err != nil:
				m.log.Error().Err(err).
					Str("notifier", n.Name()).
					Str("alert_id", alert.ID).
					Msg("failed to send alert notification")
			}
		}(n)
	}
}

func (m *Monitor) dropped(n Notifier, alert *Alert, reason string) {
	m.rep.NotificationDropped(n.Name(), reason)
	m.log.Debug().
		Str("notifier", n.Name()).
		Str("alert_id", alert.ID).
		Str("reason", reason).
		Msg("alert notification dropped")
}

// Wait blocks until in-flight notifications finish.
func (m *Monitor) Wait() { m.inflight.Wait() }

// Sweep refreshes the active-alert gauges, purges expired attempts and runs
// the pattern analyzer. Each step is independent; failures are logged and
// reported as outcome.Degraded.
func (m *Monitor) Sweep(ctx context.Context) outcome.Outcome {
	now := m.now().UTC()
	result := outcome.OK

	counts, err := m.store.CountAlertsBySeverity(ctx, now.Add(-m.cfg.ActiveAlertWindow))
	if err != nil {
		m.degraded(ctx, "count_alerts", err)
		result = outcome.Degraded
	} else {
		for _, s := range Severities {
			m.rep.ActiveAlerts(string(s), counts[s])
		}
	}

	purged, err := m.store.PurgeAttempts(ctx, now.Add(-m.cfg.AttemptRetention))
	if err != nil {
		m.degraded(ctx, "purge_attempts", err)
		result = outcome.Degraded
	} else if purged > 0 {
		m.log.Debug().Int("purged", purged).Msg("purged expired access attempts")
	}

	m.mu.RLock()
	analyzer := m.analyzer
	m.mu.RUnlock()
	if analyzer == nil {
		return result
	}
	findings, err := analyzer.Analyze(ctx, now)
	if err != nil {
		m.degraded(ctx, "analyze", err)
		return outcome.Degraded
	}
	for i := range findings {
		if _, err := m.raise(ctx, &findings[i], now.Truncate(time.Microsecond)); err != nil {
			m.degraded(ctx, "save_alert", err)
			result = outcome.Degraded
		}
	}
	return result
}

// Alerts lists alerts newest first. Invalid filters are rejected; store
// failures return an empty list with outcome.Degraded.
func (m *Monitor) Alerts(ctx context.Context, f AlertFilter) (AlertList, error) {
	if err := validation.Check("monitor.Alerts", &f); err != nil {
		return AlertList{}, err
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	alerts, err := m.store.ListAlerts(ctx, f)
	if err != nil {
		m.degraded(ctx, "list_alerts", err)
		return AlertList{Alerts: []Alert{}, Outcome: outcome.Degraded}, nil
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return AlertList{Alerts: alerts, Outcome: outcome.OK}, nil
}

func (m *Monitor) degraded(ctx context.Context, op string, err error) {
	m.rep.MonitorDegraded(op)
	logging.Ctx(ctx).Warn().Err(err).Str("component", "monitor").
		Str("op", op).Msg("monitor store failure, detection skipped")
}
