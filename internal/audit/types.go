// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package audit is the append-only trail of permission and security events.
//
// Writes are fail-closed: Trail.Log returns an error whenever the entry could
// not be persisted, and the caller must not proceed with the audited action.
// Reads are fail-open: Search and Stats return empty results marked
// outcome.Degraded when the store is unreachable.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/permguard/internal/outcome"
)

// Category groups entries by domain.
type Category string

const (
	CategoryAuthentication   Category = "authentication"
	CategoryAuthorization    Category = "authorization"
	CategoryDataAccess       Category = "data_access"
	CategoryDataModification Category = "data_modification"
	CategoryConfiguration    Category = "configuration"
	CategorySystem           Category = "system"
	CategorySecurity         Category = "security"
	CategoryPermission       Category = "permission"
	CategoryUserManagement   Category = "user_management"
	CategoryAPIAccess        Category = "api_access"
)

// Severity of an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Status of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusAttempt Status = "attempt"
	StatusBlocked Status = "blocked"
)

// Entry is one immutable audit record. ID and Timestamp are assigned by
// Trail.Log.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	ActorID    string `json:"actor_id"`
	ActorEmail string `json:"actor_email,omitempty" validate:"omitempty,max=320"`
	TargetID   string `json:"target_id,omitempty"`

	Action   string   `json:"action" validate:"max=128"`
	Category Category `json:"category" validate:"oneof=authentication authorization data_access data_modification configuration system security permission user_management api_access"`
	Severity Severity `json:"severity" validate:"oneof=info warning error critical"`
	Status   Status   `json:"status" validate:"oneof=success failure attempt blocked"`

	Resource   string          `json:"resource" validate:"max=256"`
	ResourceID string          `json:"resource_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`

	IPAddress string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
}

// Filter selects entries. Empty fields match everything; set-valued fields
// match any member. Action is a case-insensitive substring match. Start and
// End are inclusive.
type Filter struct {
	Categories []Category `json:"categories,omitempty" validate:"dive,oneof=authentication authorization data_access data_modification configuration system security permission user_management api_access"`
	Severities []Severity `json:"severities,omitempty" validate:"dive,oneof=info warning error critical"`
	Statuses   []Status   `json:"statuses,omitempty" validate:"dive,oneof=success failure attempt blocked"`
	Resources  []string   `json:"resources,omitempty" validate:"dive,required"`
	ActorIDs   []string   `json:"actor_ids,omitempty" validate:"dive,required"`
	Action     string     `json:"action,omitempty" validate:"max=128"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
}

// Page selects a window of newest-first results.
type Page struct {
	Limit  int `json:"limit" validate:"gte=0,lte=1000"`
	Offset int `json:"offset" validate:"gte=0"`
}

// SearchResult is a page of entries plus the filter-wide total.
type SearchResult struct {
	Entries []Entry         `json:"entries"`
	Total   int64           `json:"total"`
	Outcome outcome.Outcome `json:"-"`
}

// KeyCount is one row of a top-N ranking.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats are read-only aggregations over the same predicate Search uses.
type Stats struct {
	Total        int64            `json:"total"`
	ByCategory   map[string]int64 `json:"by_category"`
	BySeverity   map[string]int64 `json:"by_severity"`
	ByStatus     map[string]int64 `json:"by_status"`
	TopActors    []KeyCount       `json:"top_actors"`
	TopResources []KeyCount       `json:"top_resources"`
	TopActions   []KeyCount       `json:"top_actions"`
	// ByHour counts entries per UTC hour of day.
	ByHour  [24]int64       `json:"by_hour"`
	Outcome outcome.Outcome `json:"-"`
}

func newStats() *Stats {
	return &Stats{
		ByCategory:   map[string]int64{},
		BySeverity:   map[string]int64{},
		ByStatus:     map[string]int64{},
		TopActors:    []KeyCount{},
		TopResources: []KeyCount{},
		TopActions:   []KeyCount{},
	}
}

// Store persists entries. Implementations never update or delete rows.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Get returns errs.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*Entry, error)
	// Query returns a newest-first page.
	Query(ctx context.Context, f Filter, p Page) ([]Entry, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Stats(ctx context.Context, f Filter, topN int) (*Stats, error)
}

// Recorder is the write side of the trail, consumed by the session manager,
// the anomaly monitor and the permission guard.
type Recorder interface {
	Log(ctx context.Context, e Entry) (string, error)
}
