// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package authz computes permission decisions with Casbin.
//
// The Enforcer is the decider consulted on a decision-cache miss. It carries
// an RBAC model with role inheritance and keyMatch objects:
//
//	m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
//
// Default model and policy are embedded. Any change to roles or policy
// invalidates the affected cached decisions: a role change drops the
// actor's entries, a policy change clears the cache.
package authz

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/outcome"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Config configures the enforcer.
type Config struct {
	// ModelPath overrides the embedded model.
	ModelPath string `koanf:"model_path"`
	// PolicyPath overrides the embedded policy and enables Reload.
	PolicyPath string `koanf:"policy_path"`
	// ReloadInterval is how often the supervisor reloads PolicyPath.
	ReloadInterval time.Duration `koanf:"reload_interval"`
	// DefaultRole applies to actors without any role assignment.
	DefaultRole string `koanf:"default_role"`
}

// DefaultConfig returns the default enforcer configuration.
func DefaultConfig() Config {
	return Config{
		ReloadInterval: 30 * time.Second,
		DefaultRole:    "viewer",
	}
}

// Invalidator drops cached decisions. An empty actorID clears everything.
type Invalidator interface {
	Invalidate(ctx context.Context, actorID, resource, action string) (int, outcome.Outcome)
}

// ErrNoAdapter is returned by Reload when the embedded policy is in use.
var ErrNoAdapter = errors.New("no policy adapter configured; using embedded policy")

// Enforcer wraps a synced Casbin enforcer.
type Enforcer struct {
	cfg         Config
	enforcer    *casbin.SyncedEnforcer
	invalidator Invalidator
	log         zerolog.Logger
}

// NewEnforcer loads the model and policy. inv may be nil.
func NewEnforcer(cfg Config, inv Invalidator) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if cfg.ModelPath != "" && fileExists(cfg.ModelPath) {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if !fileExists(cfg.PolicyPath) {
			return nil, fmt.Errorf("policy file %s not found", cfg.PolicyPath)
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	return &Enforcer{
		cfg:         cfg,
		enforcer:    enforcer,
		invalidator: inv,
		log:         logging.WithComponent("authz"),
	}, nil
}

// loadEmbeddedPolicy parses the embedded policy CSV.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		ptype, rule := parts[0], parts[1:]

		switch ptype {
		case "p":
			if len(rule) >= 3 {
				if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
					return fmt.Errorf("failed to add policy %v: %w", rule, err)
				}
			}
		case "g":
			if len(rule) >= 2 {
				if _, err := enforcer.AddGroupingPolicy(rule[0], rule[1]); err != nil {
					return fmt.Errorf("failed to add grouping policy %v: %w", rule, err)
				}
			}
		}
	}
	return nil
}

// Decide reports whether actorID may perform action on resource. Actors
// without any role are evaluated as DefaultRole.
func (e *Enforcer) Decide(_ context.Context, actorID, resource, action string) (bool, error) {
	allowed, err := e.enforcer.Enforce(actorID, resource, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	if allowed || e.cfg.DefaultRole == "" {
		return allowed, nil
	}

	roles, err := e.enforcer.GetRolesForUser(actorID)
	if err != nil {
		return false, fmt.Errorf("failed to get roles for %s: %w", actorID, err)
	}
	if len(roles) > 0 {
		return false, nil
	}
	allowed, err = e.enforcer.Enforce(e.cfg.DefaultRole, resource, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	return allowed, nil
}

// AddRoleForUser assigns role to user and drops the user's cached decisions.
func (e *Enforcer) AddRoleForUser(ctx context.Context, user, role string) (bool, error) {
	added, err := e.enforcer.AddGroupingPolicy(user, role)
	if err != nil {
		return false, fmt.Errorf("failed to add role: %w", err)
	}
	if added {
		e.invalidate(ctx, user)
	}
	return added, nil
}

// DeleteRoleForUser removes role from user and drops the user's cached
// decisions.
func (e *Enforcer) DeleteRoleForUser(ctx context.Context, user, role string) (bool, error) {
	removed, err := e.enforcer.RemoveGroupingPolicy(user, role)
	if err != nil {
		return false, fmt.Errorf("failed to remove role: %w", err)
	}
	if removed {
		e.invalidate(ctx, user)
	}
	return removed, nil
}

// RolesForUser returns the roles directly assigned to user.
func (e *Enforcer) RolesForUser(user string) ([]string, error) {
	return e.enforcer.GetRolesForUser(user)
}

// AddPolicy adds a rule. Role inheritance makes the affected actors hard to
// enumerate, so the whole decision cache is cleared.
func (e *Enforcer) AddPolicy(ctx context.Context, subject, object, action string) (bool, error) {
	added, err := e.enforcer.AddPolicy(subject, object, action)
	if err != nil {
		return false, fmt.Errorf("failed to add policy: %w", err)
	}
	if added {
		e.invalidate(ctx, "")
	}
	return added, nil
}

// RemovePolicy removes a rule and clears the decision cache.
func (e *Enforcer) RemovePolicy(ctx context.Context, subject, object, action string) (bool, error) {
	removed, err := e.enforcer.RemovePolicy(subject, object, action)
	if err != nil {
		return false, fmt.Errorf("failed to remove policy: %w", err)
	}
	if removed {
		e.invalidate(ctx, "")
	}
	return removed, nil
}

// Reload re-reads PolicyPath. The decision cache is cleared only when the
// loaded rules differ from the current ones.
func (e *Enforcer) Reload(ctx context.Context) (bool, error) {
	if e.cfg.PolicyPath == "" {
		return false, ErrNoAdapter
	}
	before := e.snapshot()
	if err := e.enforcer.LoadPolicy(); err != nil {
		return false, fmt.Errorf("failed to reload policy: %w", err)
	}
	if slices.EqualFunc(before, e.snapshot(), func(a, b []string) bool { return slices.Equal(a, b) }) {
		return false, nil
	}
	e.log.Info().Str("path", e.cfg.PolicyPath).Msg("policy changed, cached decisions cleared")
	e.invalidate(ctx, "")
	return true, nil
}

// ReloadInterval returns the configured reload period, or zero when the
// embedded policy is in use.
func (e *Enforcer) ReloadInterval() time.Duration {
	if e.cfg.PolicyPath == "" {
		return 0
	}
	return e.cfg.ReloadInterval
}

// snapshot returns every p and g rule, sorted.
func (e *Enforcer) snapshot() [][]string {
	//nolint:errcheck // only fails on a nil model
	p, _ := e.enforcer.GetPolicy()
	//nolint:errcheck // only fails on a nil model
	g, _ := e.enforcer.GetGroupingPolicy()

	out := make([][]string, 0, len(p)+len(g))
	for _, r := range p {
		out = append(out, append([]string{"p"}, r...))
	}
	for _, r := range g {
		out = append(out, append([]string{"g"}, r...))
	}
	slices.SortFunc(out, func(a, b []string) int {
		return strings.Compare(strings.Join(a, ","), strings.Join(b, ","))
	})
	return out
}

func (e *Enforcer) invalidate(ctx context.Context, actorID string) {
	if e.invalidator == nil {
		return
	}
	n, out := e.invalidator.Invalidate(ctx, actorID, "", "")
	ev := e.log.Debug()
	if out.IsDegraded() {
		ev = e.log.Warn()
	}
	ev.Str("actor", actorID).Int("removed", n).Str("outcome", out.String()).
		Msg("invalidated cached decisions")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
