// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/outcome"
)

// Attempt is one access attempt by an actor. Attempts are ephemeral and
// purged after Config.AttemptRetention.
type Attempt struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id" validate:"required,max=256"`
	Resource  string    `json:"resource" validate:"required,max=256"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	IPAddress string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// AlertType classifies an alert.
type AlertType string

const (
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertBruteForce         AlertType = "brute_force"
	AlertUnusualPattern     AlertType = "unusual_pattern"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity, lowest first.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Alert is a raised security alert. Alerts are terminal once written.
type Alert struct {
	ID        string          `json:"id"`
	Type      AlertType       `json:"type"`
	Severity  Severity        `json:"severity"`
	ActorID   string          `json:"actor_id"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// AlertFilter selects alerts, newest first.
type AlertFilter struct {
	Types      []AlertType `json:"types,omitempty" validate:"dive,oneof=suspicious_activity brute_force unusual_pattern"`
	Severities []Severity  `json:"severities,omitempty" validate:"dive,oneof=low medium high critical"`
	ActorID    string      `json:"actor_id,omitempty"`
	Since      *time.Time  `json:"since,omitempty"`
	Limit      int         `json:"limit" validate:"gte=0,lte=1000"`
}

// Result is the outcome of TrackAccessAttempt.
type Result struct {
	Alerts  []Alert
	Outcome outcome.Outcome
}

// AlertList is the outcome of Alerts.
type AlertList struct {
	Alerts  []Alert
	Outcome outcome.Outcome
}

// Store persists attempts and alerts.
type Store interface {
	RecordAttempt(ctx context.Context, a *Attempt) error
	// RecentAttempts returns the actor's attempts with Timestamp >= since,
	// oldest first.
	RecentAttempts(ctx context.Context, actorID string, since time.Time) ([]Attempt, error)
	// PurgeAttempts removes attempts older than before.
	PurgeAttempts(ctx context.Context, before time.Time) (int, error)

	SaveAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error)
	// CountAlertsBySeverity counts alerts with Timestamp >= since.
	CountAlertsBySeverity(ctx context.Context, since time.Time) (map[Severity]int, error)
}
