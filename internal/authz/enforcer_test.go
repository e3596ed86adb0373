// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/tomtom215/permguard/internal/outcome"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	actors []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, actorID, _, _ string) (int, outcome.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors = append(r.actors, actorID)
	return 0, outcome.OK
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.actors)
}

// setupEnforcer creates an enforcer over the embedded policy.
func setupEnforcer(t *testing.T) (*Enforcer, *recordingInvalidator) {
	t.Helper()
	inv := &recordingInvalidator{}
	e, err := NewEnforcer(DefaultConfig(), inv)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	return e, inv
}

func TestDecide_EmbeddedPolicy(t *testing.T) {
	t.Parallel()
	e, _ := setupEnforcer(t)
	ctx := context.Background()

	for user, role := range map[string]string{
		"alice": "admin",
		"sam":   "security_admin",
		"aud":   "auditor",
		"olga":  "operator",
	} {
		if _, err := e.AddRoleForUser(ctx, user, role); err != nil {
			t.Fatalf("AddRoleForUser(%s) error = %v", user, err)
		}
	}

	tests := []struct {
		actor, resource, action string
		want                    bool
	}{
		{"alice", "anything/at/all", "delete", true},
		{"sam", "sessions/revoke", "write", true},
		{"sam", "audit/entries", "read", true},
		{"sam", "audit/entries", "write", false},
		{"aud", "audit/export", "read", true},
		{"aud", "alerts", "write", false},
		{"aud", "dashboard", "read", true},
		{"olga", "tickets/42", "delete", true},
		{"olga", "devices/router-1", "delete", false},
		{"olga", "audit/entries", "read", false},
		// No role: evaluated as viewer.
		{"nobody", "dashboard", "read", true},
		{"nobody", "audit/entries", "read", false},
	}
	for _, tt := range tests {
		got, err := e.Decide(ctx, tt.actor, tt.resource, tt.action)
		if err != nil {
			t.Fatalf("Decide(%s, %s, %s) error = %v", tt.actor, tt.resource, tt.action, err)
		}
		if got != tt.want {
			t.Errorf("Decide(%s, %s, %s) = %v, want %v", tt.actor, tt.resource, tt.action, got, tt.want)
		}
	}
}

func TestDecide_NoDefaultRole(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DefaultRole = ""
	e, err := NewEnforcer(cfg, nil)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	got, err := e.Decide(context.Background(), "nobody", "dashboard", "read")
	if err != nil || got {
		t.Fatalf("Decide() = %v, %v; want false without a default role", got, err)
	}
}

func TestRoleChangesInvalidateActor(t *testing.T) {
	t.Parallel()
	e, inv := setupEnforcer(t)
	ctx := context.Background()

	if _, err := e.AddRoleForUser(ctx, "bob", "auditor"); err != nil {
		t.Fatal(err)
	}
	// Adding the same role again changes nothing.
	if added, _ := e.AddRoleForUser(ctx, "bob", "auditor"); added {
		t.Fatal("AddRoleForUser() added a duplicate role")
	}
	if _, err := e.DeleteRoleForUser(ctx, "bob", "auditor"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddPolicy(ctx, "bob", "reports/*", "read"); err != nil {
		t.Fatal(err)
	}

	want := []string{"bob", "bob", ""}
	if got := inv.calls(); !slices.Equal(got, want) {
		t.Fatalf("invalidations = %q, want %q", got, want)
	}

	roles, err := e.RolesForUser("bob")
	if err != nil || len(roles) != 0 {
		t.Fatalf("RolesForUser() = %v, %v", roles, err)
	}
	ok, _ := e.Decide(ctx, "bob", "reports/q3", "read")
	if !ok {
		t.Fatal("Decide() = false after AddPolicy")
	}
}

func TestReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.csv")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	write("p, alice, reports, read\n")

	inv := &recordingInvalidator{}
	e, err := NewEnforcer(Config{PolicyPath: path, ReloadInterval: 1}, inv)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	ctx := context.Background()

	if changed, err := e.Reload(ctx); err != nil || changed {
		t.Fatalf("Reload() unchanged = %v, %v", changed, err)
	}
	if len(inv.calls()) != 0 {
		t.Fatalf("invalidations = %q, want none for an unchanged policy", inv.calls())
	}

	write("p, alice, reports, read\np, bob, reports, read\n")
	if changed, err := e.Reload(ctx); err != nil || !changed {
		t.Fatalf("Reload() changed = %v, %v", changed, err)
	}
	if got := inv.calls(); !slices.Equal(got, []string{""}) {
		t.Fatalf("invalidations = %q, want full clear", got)
	}
	if ok, _ := e.Decide(ctx, "bob", "reports", "read"); !ok {
		t.Fatal("Decide(bob) = false after reload")
	}
}

func TestReload_EmbeddedPolicy(t *testing.T) {
	t.Parallel()
	e, _ := setupEnforcer(t)
	if _, err := e.Reload(context.Background()); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("Reload() error = %v, want ErrNoAdapter", err)
	}
	if e.ReloadInterval() != 0 {
		t.Fatalf("ReloadInterval() = %v, want 0", e.ReloadInterval())
	}
}

func TestNewEnforcer_MissingPolicyFile(t *testing.T) {
	t.Parallel()
	_, err := NewEnforcer(Config{PolicyPath: filepath.Join(t.TempDir(), "absent.csv")}, nil)
	if err == nil {
		t.Fatal("NewEnforcer() error = nil for a missing policy file")
	}
}
