// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package guard runs a permission check end to end: decision cache, decider
// on a miss, write-back, audit record and access-attempt tracking.
//
// The cache and the monitor fail open. The decider and the audit trail fail
// closed: if the decision cannot be computed or recorded, Check returns an
// error and the caller must deny.
package guard

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/decision"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/monitor"
	"github.com/tomtom215/permguard/internal/outcome"
	"github.com/tomtom215/permguard/internal/validation"
)

// Decider computes a decision on a cache miss.
type Decider interface {
	Decide(ctx context.Context, actorID, resource, action string) (bool, error)
}

// DecisionCache is the subset of decision.Cache used here.
type DecisionCache interface {
	Get(ctx context.Context, actorID, resource, action string) decision.Lookup
	Set(ctx context.Context, actorID, resource, action string, allowed bool, ttl time.Duration) outcome.Outcome
}

// AttemptTracker is the subset of monitor.Monitor used here.
type AttemptTracker interface {
	TrackAccessAttempt(ctx context.Context, a monitor.Attempt) (monitor.Result, error)
}

// Request is one permission check.
type Request struct {
	ActorID    string `json:"actor_id" validate:"required,max=256"`
	ActorEmail string `json:"actor_email,omitempty" validate:"omitempty,max=320"`
	Resource   string `json:"resource" validate:"required,max=256"`
	ResourceID string `json:"resource_id,omitempty" validate:"max=256"`
	Action     string `json:"action" validate:"required,max=128"`
	IPAddress  string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	Cached  bool
	AuditID string
	// Outcome is Degraded when the cache or the monitor fell back.
	Outcome outcome.Outcome
	Alerts  []monitor.Alert
}

// Service composes the permission-check path.
type Service struct {
	cache   DecisionCache
	decider Decider
	trail   audit.Recorder
	tracker AttemptTracker
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a guard. tracker may be nil.
func New(cache DecisionCache, decider Decider, trail audit.Recorder, tracker AttemptTracker) *Service {
	return &Service{
		cache:   cache,
		decider: decider,
		trail:   trail,
		tracker: tracker,
		log:     logging.WithComponent("guard"),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Check answers req. A returned error always means deny.
func (s *Service) Check(ctx context.Context, req Request) (Decision, error) {
	const op = "guard.Check"
	if err := validation.Check(op, &req); err != nil {
		return Decision{}, err
	}
	start := s.now()

	look := s.cache.Get(ctx, req.ActorID, req.Resource, req.Action)
	d := Decision{Allowed: look.Allowed, Cached: look.Hit, Outcome: look.Outcome}

	if !look.Hit {
		allowed, err := s.decider.Decide(ctx, req.ActorID, req.Resource, req.Action)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("component", "guard").
				Str("actor", req.ActorID).Str("resource", req.Resource).Str("action", req.Action).
				Msg("decider failed, denying")
			return Decision{}, errs.Unavailable(op, err)
		}
		d.Allowed = allowed
		d.Outcome = outcome.Worst(d.Outcome, s.cache.Set(ctx, req.ActorID, req.Resource, req.Action, allowed, 0))
	}

	id, err := s.record(ctx, &req, &d, s.now().Sub(start))
	if err != nil {
		return Decision{}, err
	}
	d.AuditID = id

	if s.tracker != nil {
		res, err := s.tracker.TrackAccessAttempt(ctx, monitor.Attempt{
			ActorID:   req.ActorID,
			Resource:  req.Resource,
			Success:   d.Allowed,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("actor", req.ActorID).Msg("access attempt not tracked")
		}
		d.Outcome = outcome.Worst(d.Outcome, res.Outcome)
		d.Alerts = res.Alerts
	}
	return d, nil
}

type checkDetails struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	Cached  bool   `json:"cached"`
	Outcome string `json:"outcome"`
}

func (s *Service) record(ctx context.Context, req *Request, d *Decision, elapsed time.Duration) (string, error) {
	details, err := json.Marshal(checkDetails{
		Action:  req.Action,
		Allowed: d.Allowed,
		Cached:  d.Cached,
		Outcome: d.Outcome.String(),
	})
	if err != nil {
		return "", err
	}

	status, severity := audit.StatusSuccess, audit.SeverityInfo
	if !d.Allowed {
		status, severity = audit.StatusBlocked, audit.SeverityWarning
	}
	ms := elapsed.Milliseconds()
	return s.trail.Log(ctx, audit.Entry{
		ActorID:    req.ActorID,
		ActorEmail: req.ActorEmail,
		Action:     "permission.check",
		Category:   audit.CategoryAuthorization,
		Severity:   severity,
		Status:     status,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Details:    details,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		DurationMS: &ms,
	})
}
