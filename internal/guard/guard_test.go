// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/decision"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/monitor"
)

type stubDecider struct {
	allow map[string]bool
	err   error
	calls atomic.Int32
}

func (d *stubDecider) Decide(_ context.Context, actorID, resource, action string) (bool, error) {
	d.calls.Add(1)
	if d.err != nil {
		return false, d.err
	}
	return d.allow[actorID+"|"+resource+"|"+action], nil
}

type failingRecorder struct{}

func (failingRecorder) Log(context.Context, audit.Entry) (string, error) {
	return "", errs.Unavailable("audit.Log", errors.New("duckdb down"))
}

type fixture struct {
	svc     *Service
	kv      *kvstore.FaultyStore
	cache   *decision.Cache
	decider *stubDecider
	trail   *audit.Trail
	mon     *monitor.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := kvstore.NewFaultyStore(kvstore.NewMemoryStore())
	cache := decision.New(kv, decision.DefaultConfig(), nil)
	decider := &stubDecider{allow: map[string]bool{"alice|audit/entries|read": true}}
	trail := audit.NewTrail(audit.NewMemoryStore(), audit.DefaultConfig(), nil)
	mon := monitor.New(monitor.NewMemoryStore(), trail, monitor.DefaultConfig(), nil)
	return &fixture{
		svc:     New(cache, decider, trail, mon),
		kv:      kv,
		cache:   cache,
		decider: decider,
		trail:   trail,
		mon:     mon,
	}
}

func (f *fixture) entries(t *testing.T, category audit.Category) []audit.Entry {
	t.Helper()
	res, err := f.trail.Search(context.Background(),
		audit.Filter{Categories: []audit.Category{category}}, audit.Page{Limit: 100})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return res.Entries
}

func TestCheck_MissThenHit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	req := Request{ActorID: "alice", Resource: "audit/entries", Action: "read", IPAddress: "10.1.1.1"}

	first, err := f.svc.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !first.Allowed || first.Cached || first.AuditID == "" {
		t.Fatalf("first = %+v, want computed allow with audit id", first)
	}

	second, err := f.svc.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !second.Allowed || !second.Cached {
		t.Fatalf("second = %+v, want cached allow", second)
	}
	if n := f.decider.calls.Load(); n != 1 {
		t.Fatalf("decider calls = %d, want 1", n)
	}

	got := f.entries(t, audit.CategoryAuthorization)
	if len(got) != 2 {
		t.Fatalf("authorization entries = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.Status != audit.StatusSuccess || e.Action != "permission.check" || e.DurationMS == nil {
			t.Errorf("entry = %+v", e)
		}
	}
}

func TestCheck_DenialsAreBlockedAndTracked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	req := Request{ActorID: "mallory", Resource: "sessions/all", Action: "delete"}

	var last Decision
	for i := 0; i < 5; i++ {
		d, err := f.svc.Check(ctx, req)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if d.Allowed {
			t.Fatal("Check() allowed a denied request")
		}
		last = d
	}

	if len(last.Alerts) != 1 || last.Alerts[0].Type != monitor.AlertBruteForce {
		t.Fatalf("alerts on 5th denial = %+v, want one brute_force", last.Alerts)
	}
	for _, e := range f.entries(t, audit.CategoryAuthorization) {
		if e.Status != audit.StatusBlocked || e.Severity != audit.SeverityWarning {
			t.Errorf("entry status = %s/%s, want blocked/warning", e.Status, e.Severity)
		}
	}
	if got := f.entries(t, audit.CategorySecurity); len(got) != 1 {
		t.Errorf("security entries = %d, want 1", len(got))
	}
}

func TestCheck_CacheOutageStillDecides(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.kv.SetFailing(true)
	ctx := context.Background()
	req := Request{ActorID: "alice", Resource: "audit/entries", Action: "read"}

	for i := 0; i < 2; i++ {
		d, err := f.svc.Check(ctx, req)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed || d.Cached || !d.Outcome.IsDegraded() {
			t.Fatalf("decision = %+v, want degraded computed allow", d)
		}
	}
	if n := f.decider.calls.Load(); n != 2 {
		t.Fatalf("decider calls = %d, want 2 while cache is down", n)
	}
}

func TestCheck_FailsClosed(t *testing.T) {
	t.Parallel()

	t.Run("decider error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.decider.err = errors.New("policy unavailable")
		_, err := f.svc.Check(context.Background(), Request{ActorID: "alice", Resource: "audit/entries", Action: "read"})
		if !errors.Is(err, errs.ErrStoreUnavailable) {
			t.Fatalf("Check() error = %v, want ErrStoreUnavailable", err)
		}
		if f.cache.Get(context.Background(), "alice", "audit/entries", "read").Hit {
			t.Fatal("failed decision was cached")
		}
	})

	t.Run("audit failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		svc := New(f.cache, f.decider, failingRecorder{}, nil)
		d, err := svc.Check(context.Background(), Request{ActorID: "alice", Resource: "audit/entries", Action: "read"})
		if !errors.Is(err, errs.ErrStoreUnavailable) {
			t.Fatalf("Check() error = %v, want ErrStoreUnavailable", err)
		}
		if d.Allowed {
			t.Fatal("Check() allowed an unaudited request")
		}
	})
}

func TestCheck_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing actor", Request{Resource: "r", Action: "read"}, "actor_id"},
		{"missing resource", Request{ActorID: "a", Action: "read"}, "resource"},
		{"missing action", Request{ActorID: "a", Resource: "r"}, "action"},
		{"bad ip", Request{ActorID: "a", Resource: "r", Action: "read", IPAddress: "x"}, "ip_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.svc.Check(context.Background(), tt.req)
			if !errors.Is(err, errs.ErrValidation) || errs.FieldOf(err) != tt.field {
				t.Fatalf("Check() error = %v (field %q), want validation on %q", err, errs.FieldOf(err), tt.field)
			}
		})
	}
	if n := f.decider.calls.Load(); n != 0 {
		t.Errorf("decider calls = %d, want 0 for invalid requests", n)
	}
}
