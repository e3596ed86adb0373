// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/outcome"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingInvalidator struct {
	mu     sync.Mutex
	actors []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, actorID, _, _ string) (int, outcome.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors = append(r.actors, actorID)
	return 1, outcome.OK
}

// lateErrorStore applies Set and then reports a failure, like a write whose
// reply timed out.
type lateErrorStore struct {
	kvstore.Store
}

func (s lateErrorStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.Store.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return errs.Unavailable("kv.Set", context.DeadlineExceeded)
}

type failingRecorder struct{}

func (failingRecorder) Log(context.Context, audit.Entry) (string, error) {
	return "", errs.Unavailable("audit.Log", errors.New("duckdb down"))
}

type fixture struct {
	mgr   *Manager
	kv    *kvstore.FaultyStore
	trail *audit.Trail
	audit *audit.MemoryStore
	cache *recordingInvalidator
	clock *fakeClock
}

// The key-value store keeps real time so metadata outlives the manager's
// fake clock; expiry decisions are the manager's own.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kv := kvstore.NewFaultyStore(kvstore.NewMemoryStore())
	store := audit.NewMemoryStore()
	trail := audit.NewTrail(store, audit.DefaultConfig(), nil)
	cache := &recordingInvalidator{}
	clock := &fakeClock{now: time.Now()}
	mgr := NewManager(kv, trail, cache, cfg, nil)
	mgr.SetClock(clock.Now)
	return &fixture{mgr: mgr, kv: kv, trail: trail, audit: store, cache: cache, clock: clock}
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	res, err := f.trail.Search(context.Background(), audit.Filter{}, audit.Page{Limit: 1000})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	out := make([]string, 0, len(res.Entries))
	for i := len(res.Entries) - 1; i >= 0; i-- {
		out = append(out, res.Entries[i].Action)
	}
	return out
}

func (f *fixture) active(t *testing.T, actor string) int64 {
	t.Helper()
	n, err := f.mgr.ActiveSessions(context.Background(), actor)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	return n
}

func TestCreateAndVerify(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	tok, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{IPAddress: "10.0.0.1", UserAgent: "curl"})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if len(tok.Value) != encodedTokenLen || strings.ContainsAny(tok.Value, "+/=") {
		t.Errorf("token %q is not unpadded base64url of %d bytes", tok.Value, tokenBytes)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != 24*time.Hour {
		t.Errorf("lifetime = %v, want 24h", got)
	}

	v, err := f.mgr.VerifyToken(ctx, tok.Value)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if !v.Valid || v.ActorID != "u-1" || v.Reason != ReasonValid {
		t.Errorf("VerifyToken() = %+v, want valid for u-1", v)
	}
	if f.active(t, "u-1") != 1 {
		t.Errorf("ActiveSessions = %d, want 1", f.active(t, "u-1"))
	}
	if got := f.actions(t); len(got) != 1 || got[0] != "session.created" {
		t.Errorf("audit actions = %v", got)
	}
}

func TestTokensAreUnique(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	seen := map[string]bool{}
	for range 100 {
		tok, err := f.mgr.CreateToken(context.Background(), "u-1", ClientInfo{})
		if err != nil {
			t.Fatalf("CreateToken() error = %v", err)
		}
		if seen[tok.Value] {
			t.Fatal("duplicate token issued")
		}
		seen[tok.Value] = true
	}
}

func TestVerifyToken_Reasons(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		want  Reason
	}{
		{"empty", "", ReasonMalformed},
		{"too short", "abc", ReasonMalformed},
		{"bad alphabet", strings.Repeat("*", encodedTokenLen), ReasonMalformed},
		{"unknown", strings.Repeat("A", encodedTokenLen), ReasonNotFound},
	}
	for _, tt := range tests {
		v, err := f.mgr.VerifyToken(ctx, tt.token)
		if err != nil || v.Valid || v.Reason != tt.want {
			t.Errorf("%s: VerifyToken() = %+v, %v, want reason %s", tt.name, v, err, tt.want)
		}
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})

	f.clock.Advance(time.Hour)
	v, err := f.mgr.VerifyToken(ctx, tok.Value)
	if err != nil || v.Valid || v.Reason != ReasonExpired {
		t.Errorf("VerifyToken() = %+v, %v, want expired", v, err)
	}
}

func TestBlacklistImmediatelyAfterIssue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	tok, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if err := f.mgr.BlacklistToken(ctx, *tok); err != nil {
		t.Fatalf("BlacklistToken() error = %v", err)
	}

	v, err := f.mgr.VerifyToken(ctx, tok.Value)
	if err != nil || v.Valid || v.Reason != ReasonBlacklisted {
		t.Errorf("VerifyToken() = %+v, %v, want blacklisted", v, err)
	}
	if f.active(t, "u-1") != 0 {
		t.Errorf("ActiveSessions = %d, want 0", f.active(t, "u-1"))
	}
	if len(f.cache.actors) != 1 || f.cache.actors[0] != "u-1" {
		t.Errorf("invalidated actors = %v, want [u-1]", f.cache.actors)
	}
	if got := f.actions(t); len(got) != 2 || got[1] != "session.revoked" {
		t.Errorf("audit actions = %v", got)
	}
}

// A blacklisted token stays invalid even if its metadata reappears.
func TestBlacklistPrecedesMetadata(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	raw, err := f.kv.Get(ctx, tokenKey(tok.Value))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if err := f.mgr.BlacklistToken(ctx, *tok); err != nil {
		t.Fatalf("BlacklistToken() error = %v", err)
	}
	if err := f.kv.Set(ctx, tokenKey(tok.Value), raw, time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	v, _ := f.mgr.VerifyToken(ctx, tok.Value)
	if v.Valid || v.Reason != ReasonBlacklisted {
		t.Errorf("VerifyToken() = %+v, want blacklisted", v)
	}
}

func TestCounterNeverNegative(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	for range 3 {
		if err := f.mgr.BlacklistToken(ctx, *tok); err != nil {
			t.Fatalf("BlacklistToken() error = %v", err)
		}
		if n := f.active(t, "u-1"); n != 0 {
			t.Fatalf("ActiveSessions = %d after redundant revoke, want 0", n)
		}
	}
	if err := f.mgr.InvalidateAllSessions(ctx, "u-1"); err != nil {
		t.Fatalf("InvalidateAllSessions() error = %v", err)
	}
	if n := f.active(t, "u-1"); n != 0 {
		t.Errorf("ActiveSessions = %d, want 0", n)
	}
}

func TestCounterConcurrentLoginLogout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	const workers, perWorker = 8, 20
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				tok, err := f.mgr.CreateToken(ctx, "shared", ClientInfo{})
				if err != nil {
					errCh <- err
					return
				}
				// Keep every other session; end the rest twice.
				if i%2 == 0 {
					continue
				}
				for range 2 {
					if err := f.mgr.BlacklistToken(ctx, *tok); err != nil {
						errCh <- err
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("worker error: %v", err)
	}

	if n := f.active(t, "shared"); n != workers*perWorker/2 {
		t.Errorf("ActiveSessions = %d, want %d", n, workers*perWorker/2)
	}
}

func TestCreateToken_AuditFailureRollsBack(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemoryStore()
	mgr := NewManager(kv, failingRecorder{}, nil, DefaultConfig(), nil)
	ctx := context.Background()

	tok, err := mgr.CreateToken(ctx, "u-1", ClientInfo{})
	if !errors.Is(err, errs.ErrStoreUnavailable) || tok != nil {
		t.Fatalf("CreateToken() = %v, %v, want ErrStoreUnavailable", tok, err)
	}
	n, err := mgr.ActiveSessions(ctx, "u-1")
	if err != nil || n != 0 {
		t.Errorf("ActiveSessions = %d, %v, want 0", n, err)
	}
	var leftover []string
	_ = kv.Scan(ctx, tokenPrefix, func(key string, _ []byte) error {
		leftover = append(leftover, key)
		return nil
	})
	if len(leftover) != 0 {
		t.Errorf("token metadata left behind: %v", leftover)
	}
}

func TestCreateToken_FailedMetadataWriteLeavesNoToken(t *testing.T) {
	t.Parallel()

	inner := kvstore.NewMemoryStore()
	trail := audit.NewTrail(audit.NewMemoryStore(), audit.DefaultConfig(), nil)
	mgr := NewManager(lateErrorStore{Store: inner}, trail, &recordingInvalidator{}, DefaultConfig(), nil)

	if _, err := mgr.CreateToken(context.Background(), "u-1", ClientInfo{}); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("CreateToken() error = %v, want ErrStoreUnavailable", err)
	}
	if n := inner.Len(); n != 0 {
		t.Errorf("store holds %d keys after failed issue, want 0", n)
	}
}

func TestStoreFailureDeniesAndFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})

	f.kv.SetFailing(true)

	v, err := f.mgr.VerifyToken(ctx, tok.Value)
	if !errors.Is(err, errs.ErrStoreUnavailable) || v.Valid || v.Reason != ReasonStoreUnavailable {
		t.Errorf("VerifyToken() = %+v, %v, want store_unavailable", v, err)
	}
	if _, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{}); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("CreateToken() error = %v, want ErrStoreUnavailable", err)
	}
	if err := f.mgr.BlacklistToken(ctx, *tok); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("BlacklistToken() error = %v, want ErrStoreUnavailable", err)
	}
	if err := f.mgr.InvalidateAllSessions(ctx, "u-1"); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("InvalidateAllSessions() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestInvalidateAllSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	a, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	b, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	other, _ := f.mgr.CreateToken(ctx, "u-2", ClientInfo{})

	if err := f.mgr.InvalidateAllSessions(ctx, "u-1"); err != nil {
		t.Fatalf("InvalidateAllSessions() error = %v", err)
	}
	for _, tok := range []*Token{a, b} {
		if v, _ := f.mgr.VerifyToken(ctx, tok.Value); v.Valid {
			t.Errorf("token issued before invalidation still valid")
		}
	}
	if v, _ := f.mgr.VerifyToken(ctx, other.Value); !v.Valid {
		t.Error("another actor's token was invalidated")
	}
	if f.active(t, "u-1") != 0 || f.active(t, "u-2") != 1 {
		t.Errorf("counters u-1=%d u-2=%d, want 0/1", f.active(t, "u-1"), f.active(t, "u-2"))
	}

	f.clock.Advance(time.Millisecond)
	fresh, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if v, _ := f.mgr.VerifyToken(ctx, fresh.Value); !v.Valid {
		t.Errorf("token issued after invalidation rejected: %+v", v)
	}

	got := f.actions(t)
	if got[len(got)-2] != "session.invalidate_all" {
		t.Errorf("audit actions = %v", got)
	}
}

func TestEndSession_AfterInvalidateAllKeepsCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	old, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	if err := f.mgr.InvalidateAllSessions(ctx, "u-1"); err != nil {
		t.Fatalf("InvalidateAllSessions() error = %v", err)
	}
	f.clock.Advance(time.Millisecond)
	fresh, err := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	// Logging out a token that revoke-all already dropped must not count
	// down the session issued afterwards.
	if err := f.mgr.EndSession(ctx, old.Value); err != nil {
		t.Fatalf("EndSession(old) error = %v", err)
	}
	if v, _ := f.mgr.VerifyToken(ctx, fresh.Value); !v.Valid {
		t.Errorf("fresh token rejected: %+v", v)
	}
	if got := f.active(t, "u-1"); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}

	if err := f.mgr.EndSession(ctx, fresh.Value); err != nil {
		t.Fatalf("EndSession(fresh) error = %v", err)
	}
	if got := f.active(t, "u-1"); got != 0 {
		t.Errorf("ActiveSessions after fresh logout = %d, want 0", got)
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{})

	if err := f.mgr.EndSession(ctx, tok.Value); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if v, _ := f.mgr.VerifyToken(ctx, tok.Value); v.Reason != ReasonBlacklisted {
		t.Errorf("VerifyToken() reason = %s, want blacklisted", v.Reason)
	}
	if err := f.mgr.EndSession(ctx, tok.Value); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second EndSession() error = %v, want ErrNotFound", err)
	}
	if err := f.mgr.EndSession(ctx, "nope"); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("EndSession(malformed) error = %v, want ErrValidation", err)
	}
}

func TestRotateToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAge: time.Hour, RotationWindow: time.Minute, MaxRotations: 2})
	ctx := context.Background()

	tok, _ := f.mgr.CreateToken(ctx, "u-1", ClientInfo{IPAddress: "10.0.0.7"})
	f.clock.Advance(time.Minute)

	first, err := f.mgr.RotateToken(ctx, tok.Value)
	if err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}
	if first.RotationCount != 1 || first.LastRotationAt == nil || first.Client.IPAddress != "10.0.0.7" {
		t.Errorf("rotated token = %+v", first)
	}
	if v, _ := f.mgr.VerifyToken(ctx, tok.Value); v.Reason != ReasonBlacklisted {
		t.Errorf("old token reason = %s, want blacklisted", v.Reason)
	}
	if v, _ := f.mgr.VerifyToken(ctx, first.Value); !v.Valid {
		t.Errorf("rotated token invalid: %+v", v)
	}
	if f.active(t, "u-1") != 1 {
		t.Errorf("ActiveSessions = %d, want 1 after rotation", f.active(t, "u-1"))
	}

	second, err := f.mgr.RotateToken(ctx, first.Value)
	if err != nil {
		t.Fatalf("second RotateToken() error = %v", err)
	}
	if _, err := f.mgr.RotateToken(ctx, second.Value); !errors.Is(err, ErrRotationLimit) {
		t.Errorf("third RotateToken() error = %v, want ErrRotationLimit", err)
	}
	if _, err := f.mgr.RotateToken(ctx, tok.Value); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("RotateToken(revoked) error = %v, want ErrInvalidToken", err)
	}
}

func TestNeedsRotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAge: time.Hour, RotationWindow: 15 * time.Minute, MaxRotations: 3})
	now := f.clock.Now()
	recent := now.Add(-time.Minute)

	tests := []struct {
		name string
		tok  Token
		want bool
	}{
		{"fresh", Token{IssuedAt: now}, false},
		{"window elapsed", Token{IssuedAt: now.Add(-15 * time.Minute)}, true},
		{"recently rotated", Token{IssuedAt: now.Add(-time.Hour), LastRotationAt: &recent, RotationCount: 1}, false},
		{"at ceiling", Token{IssuedAt: now.Add(-time.Hour), RotationCount: 3}, false},
	}
	for _, tt := range tests {
		if got := f.mgr.NeedsRotation(tt.tok); got != tt.want {
			t.Errorf("%s: NeedsRotation() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
