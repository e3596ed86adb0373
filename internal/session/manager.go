// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package session issues, verifies and revokes opaque session tokens and
// keeps a per-actor count of active sessions.
//
// Every mutation is fail-closed: if the key-value store or the audit trail
// cannot record it, the call returns an error and issuance is rolled back.
// Verification denies on doubt, so a store outage makes every token invalid
// with ReasonStoreUnavailable.
//
// Rotation policy (MaxAge, RotationWindow, MaxRotations) is carried for the
// authentication flow to honour. The manager re-issues a token only when
// RotateToken is called.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/outcome"
)

const (
	tokenPrefix     = "session:token:"
	blacklistPrefix = "session:blacklist:"
	countPrefix     = "session:count:"
	epochPrefix     = "session:epoch:"
)

var (
	// ErrRotationLimit is returned by RotateToken once MaxRotations is reached.
	ErrRotationLimit = errors.New("session rotation limit reached")

	// ErrInvalidToken is returned by RotateToken for a token that does not verify.
	ErrInvalidToken = errors.New("invalid session token")
)

// Config is the session policy.
type Config struct {
	MaxAge         time.Duration `koanf:"max_age" validate:"gt=0"`
	RotationWindow time.Duration `koanf:"rotation_window" validate:"gt=0"`
	MaxRotations   int           `koanf:"max_rotations" validate:"gte=0"`
}

// DefaultConfig returns a 24h lifetime, 15m rotation cadence and 96 rotations.
func DefaultConfig() Config {
	return Config{
		MaxAge:         24 * time.Hour,
		RotationWindow: 15 * time.Minute,
		MaxRotations:   96,
	}
}

// DecisionInvalidator drops cached permission decisions for an actor.
type DecisionInvalidator interface {
	Invalidate(ctx context.Context, actorID, resource, action string) (int, outcome.Outcome)
}

// Manager is the token/session manager.
type Manager struct {
	kv    kvstore.Store
	trail audit.Recorder
	cache DecisionInvalidator
	cfg   Config
	rep   metrics.Reporter
	log   zerolog.Logger
	now   func() time.Time
	rand  io.Reader
}

// NewManager creates a manager. cache may be nil when no decision cache is
// deployed.
func NewManager(kv kvstore.Store, trail audit.Recorder, cache DecisionInvalidator, cfg Config, rep metrics.Reporter) *Manager {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.RotationWindow <= 0 {
		cfg.RotationWindow = def.RotationWindow
	}
	if rep == nil {
		rep = metrics.Nop{}
	}
	return &Manager{
		kv:    kv,
		trail: trail,
		cache: cache,
		cfg:   cfg,
		rep:   rep,
		log:   logging.WithComponent("session"),
		now:   time.Now,
		rand:  defaultRand,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Config returns the effective policy.
func (m *Manager) Config() Config { return m.cfg }

func tokenKey(token string) string     { return tokenPrefix + token }
func blacklistKey(token string) string { return blacklistPrefix + token }
func countKey(actorID string) string   { return countPrefix + actorID }
func epochKey(actorID string) string   { return epochPrefix + actorID }

// CreateToken issues a token for actorID valid for MaxAge.
func (m *Manager) CreateToken(ctx context.Context, actorID string, client ClientInfo) (*Token, error) {
	if actorID == "" {
		return nil, errs.Validation("session.CreateToken", "actor_id", "actor id is required")
	}
	now := m.now().UTC()
	tok := &Token{
		ActorID:   actorID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.MaxAge),
		Client:    client,
	}
	if err := m.issue(ctx, tok, "session.created"); err != nil {
		return nil, err
	}
	return tok, nil
}

// issue generates the token value, persists metadata, bumps the counter and
// audits. Any failure undoes the earlier steps.
func (m *Manager) issue(ctx context.Context, tok *Token, action string) error {
	const op = "session.issue"

	value, err := generateToken(m.rand)
	if err != nil {
		return err
	}
	tok.Value = value

	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token metadata: %w", err)
	}
	if err := m.kv.Set(ctx, tokenKey(value), raw, m.cfg.MaxAge); err != nil {
		// The write may have landed before the error surfaced.
		m.rollbackIssue(ctx, tok, false)
		return errs.Unavailable(op, err)
	}

	if _, err := m.kv.IncrBy(ctx, countKey(tok.ActorID), 1); err != nil {
		m.rollbackIssue(ctx, tok, false)
		return errs.Unavailable(op, err)
	}
	// The counter lapses once the newest session could have expired, which
	// bounds drift from sessions that expire without being revoked.
	if err := m.kv.Expire(ctx, countKey(tok.ActorID), m.cfg.MaxAge); err != nil {
		m.log.Warn().Err(err).Str("actor", tok.ActorID).Msg("failed to refresh session counter ttl")
	}

	details, _ := json.Marshal(map[string]any{
		"expires_at":     tok.ExpiresAt,
		"rotation_count": tok.RotationCount,
	})
	if _, err := m.trail.Log(ctx, audit.Entry{
		ActorID:    tok.ActorID,
		Action:     action,
		Category:   audit.CategoryAuthentication,
		Severity:   audit.SeverityInfo,
		Status:     audit.StatusSuccess,
		Resource:   "session",
		ResourceID: logging.SanitizeToken(value),
		Details:    details,
		IPAddress:  tok.Client.IPAddress,
		UserAgent:  tok.Client.UserAgent,
	}); err != nil {
		m.rollbackIssue(ctx, tok, true)
		return fmt.Errorf("session not issued, audit write failed: %w", err)
	}

	m.rep.SessionCreated()
	logging.Ctx(ctx).Debug().Str("component", "session").Str("actor", tok.ActorID).
		Str("token", logging.SanitizeToken(value)).Msg("session issued")
	return nil
}

func (m *Manager) rollbackIssue(ctx context.Context, tok *Token, counted bool) {
	if _, err := m.kv.Delete(ctx, tokenKey(tok.Value)); err != nil {
		m.log.Error().Err(err).Str("token", logging.SanitizeToken(tok.Value)).Msg("failed to roll back token metadata")
	}
	if counted {
		if _, err := m.kv.DecrFloor(ctx, countKey(tok.ActorID), 1); err != nil {
			m.log.Error().Err(err).Str("actor", tok.ActorID).Msg("failed to roll back session counter")
		}
	}
}

// VerifyToken checks the blacklist first, then metadata existence, then
// expiry. A store failure returns Valid=false with ReasonStoreUnavailable
// and an ErrStoreUnavailable error.
func (m *Manager) VerifyToken(ctx context.Context, token string) (Verification, error) {
	v, err := m.verify(ctx, token)
	m.rep.SessionVerified(string(v.Reason))
	return v, err
}

func (m *Manager) verify(ctx context.Context, token string) (Verification, error) {
	const op = "session.VerifyToken"

	if !wellFormed(token) {
		return Verification{Reason: ReasonMalformed}, nil
	}
	now := m.now()

	blacklisted, err := m.isBlacklisted(ctx, token, now)
	if err != nil {
		return m.unavailable(ctx, op, err)
	}
	if blacklisted {
		return Verification{Reason: ReasonBlacklisted}, nil
	}

	raw, err := m.kv.Get(ctx, tokenKey(token))
	if errors.Is(err, errs.ErrNotFound) {
		return Verification{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return m.unavailable(ctx, op, err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		m.log.Warn().Err(err).Str("token", logging.SanitizeToken(token)).Msg("undecodable token metadata")
		return Verification{Reason: ReasonNotFound}, nil
	}
	if !now.Before(tok.ExpiresAt) {
		return Verification{ActorID: tok.ActorID, Reason: ReasonExpired}, nil
	}

	revoked, err := m.issuedBeforeEpoch(ctx, &tok)
	if err != nil {
		return m.unavailable(ctx, op, err)
	}
	if revoked {
		return Verification{ActorID: tok.ActorID, Reason: ReasonBlacklisted}, nil
	}

	return Verification{Valid: true, ActorID: tok.ActorID, Reason: ReasonValid, Token: &tok}, nil
}

func (m *Manager) isBlacklisted(ctx context.Context, token string, now time.Time) (bool, error) {
	raw, err := m.kv.Get(ctx, blacklistKey(token))
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var entry blacklistEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Presence is what matters; an unreadable row still revokes.
		return true, nil
	}
	return now.Before(entry.ExpiresAt), nil
}

// issuedBeforeEpoch reports whether InvalidateAllSessions ran for the actor
// at or after the token was issued.
func (m *Manager) issuedBeforeEpoch(ctx context.Context, tok *Token) (bool, error) {
	raw, err := m.kv.Get(ctx, epochKey(tok.ActorID))
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	epoch, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, nil
	}
	return !tok.IssuedAt.After(time.Unix(0, epoch)), nil
}

func (m *Manager) unavailable(ctx context.Context, op string, err error) (Verification, error) {
	logging.Ctx(ctx).Warn().Err(err).Str("component", "session").Msg("token verification denied: store unavailable")
	return Verification{Reason: ReasonStoreUnavailable}, errs.Unavailable(op, err)
}

type blacklistEntry struct {
	Token     Token     `json:"token"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlacklistToken revokes tok before its natural expiry. The blacklist row
// expires together with the token.
func (m *Manager) BlacklistToken(ctx context.Context, tok Token) error {
	return m.revoke(ctx, tok, "revoked", "session.revoked")
}

// EndSession is the logout path: it looks up the token's metadata and
// revokes it.
func (m *Manager) EndSession(ctx context.Context, token string) error {
	tok, err := m.load(ctx, "session.EndSession", token)
	if err != nil {
		return err
	}
	return m.revoke(ctx, *tok, "logout", "session.ended")
}

func (m *Manager) load(ctx context.Context, op, token string) (*Token, error) {
	if !wellFormed(token) {
		return nil, errs.Validation(op, "token", "malformed token")
	}
	raw, err := m.kv.Get(ctx, tokenKey(token))
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.NotFound(op, "session")
	}
	if err != nil {
		return nil, errs.Unavailable(op, err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, errs.NotFound(op, "session")
	}
	return &tok, nil
}

func (m *Manager) revoke(ctx context.Context, tok Token, reason, action string) error {
	const op = "session.revoke"

	if tok.Value == "" || tok.ActorID == "" {
		return errs.Validation(op, "token", "token value and actor id are required")
	}
	now := m.now().UTC()

	ttl := tok.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	raw, err := json.Marshal(blacklistEntry{Token: tok, Reason: reason, RevokedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to encode blacklist entry: %w", err)
	}
	if err := m.kv.Set(ctx, blacklistKey(tok.Value), raw, ttl); err != nil {
		return errs.Unavailable(op, err)
	}

	existed, err := m.kv.Delete(ctx, tokenKey(tok.Value))
	if err != nil {
		return errs.Unavailable(op, err)
	}
	// Only a live session counts down, so repeated revocation is harmless.
	// Tokens issued before InvalidateAllSessions were already dropped from
	// the counter when it was cleared.
	active := existed > 0
	if active {
		stale, err := m.issuedBeforeEpoch(ctx, &tok)
		if err != nil {
			return errs.Unavailable(op, err)
		}
		active = !stale
	}
	if active {
		if _, err := m.kv.DecrFloor(ctx, countKey(tok.ActorID), 1); err != nil {
			return errs.Unavailable(op, err)
		}
	}

	m.invalidateDecisions(ctx, tok.ActorID)

	details, _ := json.Marshal(map[string]any{"reason": reason, "was_active": active})
	if _, err := m.trail.Log(ctx, audit.Entry{
		ActorID:    tok.ActorID,
		Action:     action,
		Category:   audit.CategoryAuthentication,
		Severity:   audit.SeverityInfo,
		Status:     audit.StatusSuccess,
		Resource:   "session",
		ResourceID: logging.SanitizeToken(tok.Value),
		Details:    details,
		IPAddress:  tok.Client.IPAddress,
		UserAgent:  tok.Client.UserAgent,
	}); err != nil {
		return fmt.Errorf("session revoked but audit write failed: %w", err)
	}

	m.rep.SessionRevoked(reason)
	return nil
}

// InvalidateAllSessions clears the actor's session counter, rejects every
// token issued to the actor so far and drops the actor's cached decisions.
func (m *Manager) InvalidateAllSessions(ctx context.Context, actorID string) error {
	const op = "session.InvalidateAllSessions"

	if actorID == "" {
		return errs.Validation(op, "actor_id", "actor id is required")
	}
	now := m.now()

	epoch := []byte(strconv.FormatInt(now.UnixNano(), 10))
	if err := m.kv.Set(ctx, epochKey(actorID), epoch, m.cfg.MaxAge); err != nil {
		return errs.Unavailable(op, err)
	}
	cleared, err := m.kv.Delete(ctx, countKey(actorID))
	if err != nil {
		return errs.Unavailable(op, err)
	}

	m.invalidateDecisions(ctx, actorID)

	details, _ := json.Marshal(map[string]any{"counter_cleared": cleared > 0})
	if _, err := m.trail.Log(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   "session.invalidate_all",
		Category: audit.CategoryAuthentication,
		Severity: audit.SeverityWarning,
		Status:   audit.StatusSuccess,
		Resource: "session",
		Details:  details,
	}); err != nil {
		return fmt.Errorf("sessions invalidated but audit write failed: %w", err)
	}

	m.rep.SessionRevoked("invalidate_all")
	m.log.Info().Str("actor", actorID).Msg("all sessions invalidated")
	return nil
}

// RotateToken re-issues a valid token with RotationCount+1 and blacklists
// the old one.
func (m *Manager) RotateToken(ctx context.Context, token string) (*Token, error) {
	v, err := m.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, v.Reason)
	}
	old := v.Token
	if old.RotationCount >= m.cfg.MaxRotations {
		return nil, ErrRotationLimit
	}

	now := m.now().UTC()
	next := &Token{
		ActorID:        old.ActorID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(m.cfg.MaxAge),
		RotationCount:  old.RotationCount + 1,
		LastRotationAt: &now,
		Client:         old.Client,
	}
	if err := m.issue(ctx, next, "session.rotated"); err != nil {
		return nil, err
	}
	if err := m.revoke(ctx, *old, "rotated", "session.revoked"); err != nil {
		m.rollbackIssue(ctx, next, true)
		return nil, err
	}
	return next, nil
}

// NeedsRotation reports whether tok is older than RotationWindow since its
// issue or last rotation and may still be rotated.
func (m *Manager) NeedsRotation(tok Token) bool {
	if tok.RotationCount >= m.cfg.MaxRotations {
		return false
	}
	last := tok.IssuedAt
	if tok.LastRotationAt != nil {
		last = *tok.LastRotationAt
	}
	return m.now().Sub(last) >= m.cfg.RotationWindow
}

// ActiveSessions returns the actor's session counter.
func (m *Manager) ActiveSessions(ctx context.Context, actorID string) (int64, error) {
	raw, err := m.kv.Get(ctx, countKey(actorID))
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Unavailable("session.ActiveSessions", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errs.Validation("session.ActiveSessions", "count", "counter is not an integer")
	}
	return n, nil
}

func (m *Manager) invalidateDecisions(ctx context.Context, actorID string) {
	if m.cache == nil {
		return
	}
	if _, o := m.cache.Invalidate(ctx, actorID, "", ""); o.IsDegraded() {
		m.log.Warn().Str("actor", actorID).Msg("cached decisions not invalidated")
	}
}
