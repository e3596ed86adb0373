// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/metrics"
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

type recordingReporter struct {
	metrics.Nop
	hits, misses, errors, evicted, invalidated atomic.Int64
}

func (r *recordingReporter) CacheHit()              { r.hits.Add(1) }
func (r *recordingReporter) CacheMiss()             { r.misses.Add(1) }
func (r *recordingReporter) CacheError(string)      { r.errors.Add(1) }
func (r *recordingReporter) CacheEvicted(n int)     { r.evicted.Add(int64(n)) }
func (r *recordingReporter) CacheInvalidated(n int) { r.invalidated.Add(int64(n)) }

type fixture struct {
	cache *Cache
	kv    *kvstore.MemoryStore
	clock *fakeClock
	rep   *recordingReporter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	kv := kvstore.NewMemoryStore()
	kv.SetClock(clock.Now)
	rep := &recordingReporter{}
	c := New(kv, cfg, rep)
	c.SetClock(clock.Now)
	return &fixture{cache: c, kv: kv, clock: clock, rep: rep}
}

func TestCache_SetThenGet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	if got := f.cache.Set(ctx, "u-1", "users", "read", true, time.Minute); got != outcome.OK {
		t.Fatalf("Set() = %v, want ok", got)
	}
	f.cache.Set(ctx, "u-1", "users", "delete", false, time.Minute)

	tests := []struct {
		resource, action string
		wantHit, allowed bool
	}{
		{"users", "read", true, true},
		{"users", "delete", true, false},
		{"users", "write", false, false},
		{"groups", "read", false, false},
	}
	for _, tt := range tests {
		got := f.cache.Get(ctx, "u-1", tt.resource, tt.action)
		if got.Hit != tt.wantHit || got.Allowed != tt.allowed || got.Outcome != outcome.OK {
			t.Errorf("Get(%s,%s) = %+v, want hit=%v allowed=%v", tt.resource, tt.action, got, tt.wantHit, tt.allowed)
		}
	}
	if f.rep.hits.Load() != 2 || f.rep.misses.Load() != 2 {
		t.Errorf("hits=%d misses=%d, want 2/2", f.rep.hits.Load(), f.rep.misses.Load())
	}
}

func TestCache_NeverReturnsExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.cache.Set(ctx, "u-1", "users", "read", true, 30*time.Second)

	f.clock.Advance(29 * time.Second)
	if !f.cache.Get(ctx, "u-1", "users", "read").Hit {
		t.Fatal("entry missing before expiry")
	}

	f.clock.Advance(time.Second) // now == expiresAt
	if got := f.cache.Get(ctx, "u-1", "users", "read"); got.Hit {
		t.Errorf("Get() at expiry = %+v, want miss", got)
	}
}

// The cache checks expiry itself even when the backend has not reclaimed
// the key yet.
func TestCache_ExpiryIndependentOfBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.cache.Set(ctx, "u-1", "users", "read", true, time.Minute)
	// Extend the backend TTL past the decision's own expiry.
	if err := f.kv.Expire(ctx, Key("u-1", "users", "read"), time.Hour); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if f.cache.Get(ctx, "u-1", "users", "read").Hit {
		t.Error("expired decision returned")
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultTTL: 10 * time.Second})
	ctx := context.Background()
	f.cache.Set(ctx, "u-1", "users", "read", true, 0)

	f.clock.Advance(9 * time.Second)
	if !f.cache.Get(ctx, "u-1", "users", "read").Hit {
		t.Fatal("entry missing before default ttl")
	}
	f.clock.Advance(time.Second)
	if f.cache.Get(ctx, "u-1", "users", "read").Hit {
		t.Error("entry outlived default ttl")
	}
}

func TestCache_InvalidateScopes(t *testing.T) {
	t.Parallel()

	type triple struct{ actor, resource, action string }
	all := []triple{
		{"u-1", "users", "read"},
		{"u-1", "users", "write"},
		{"u-1", "groups", "read"},
		{"u-2", "users", "read"},
		{"u-1:admin", "users", "read"},
	}

	tests := []struct {
		name    string
		scope   triple
		removed []triple
	}{
		{"exact", triple{"u-1", "users", "read"}, all[:1]},
		{"actor and resource", triple{"u-1", "users", ""}, all[:2]},
		{"actor only", triple{"u-1", "", ""}, all[:3]},
		{"actor and action", triple{"u-1", "", "read"}, []triple{all[0], all[2]}},
		{"resource across actors", triple{"", "users", ""}, []triple{all[0], all[1], all[3], all[4]}},
		{"action across actors", triple{"", "", "write"}, []triple{all[1]}},
		{"everything", triple{"", "", ""}, all},
		{"actor with colon", triple{"u-1:admin", "", ""}, all[4:]},
		{"no match", triple{"u-9", "", ""}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, DefaultConfig())
			ctx := context.Background()
			for _, k := range all {
				f.cache.Set(ctx, k.actor, k.resource, k.action, true, time.Minute)
			}

			n, o := f.cache.Invalidate(ctx, tt.scope.actor, tt.scope.resource, tt.scope.action)
			if o != outcome.OK || n != len(tt.removed) {
				t.Fatalf("Invalidate() = %d, %v, want %d, ok", n, o, len(tt.removed))
			}

			removed := map[triple]bool{}
			for _, k := range tt.removed {
				removed[k] = true
			}
			for _, k := range all {
				hit := f.cache.Get(ctx, k.actor, k.resource, k.action).Hit
				if hit == removed[k] {
					t.Errorf("%v: hit=%v after invalidating %v", k, hit, tt.scope)
				}
			}
			if f.cache.Size() != len(all)-len(tt.removed) {
				t.Errorf("Size() = %d, want %d", f.cache.Size(), len(all)-len(tt.removed))
			}
		})
	}
}

func TestCache_EvictsSoonestExpiringFraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		capacity  int
		fraction  float64
		wantEvict int
	}{
		{"ten percent of ten is one", 10, 0.1, 1},
		{"quarter of twenty", 20, 0.25, 5},
		{"tiny fraction still evicts one", 5, 0.01, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{Capacity: tt.capacity, EvictFraction: tt.fraction})
			ctx := context.Background()

			// Entry i expires after i+1 minutes, so the lowest indexes go first.
			for i := range tt.capacity {
				f.cache.Set(ctx, "u", fmt.Sprintf("r%02d", i), "read", true, time.Duration(i+1)*time.Minute)
			}
			f.cache.Set(ctx, "u", "new", "read", true, time.Hour)

			if got := f.rep.evicted.Load(); got != int64(tt.wantEvict) {
				t.Errorf("evicted = %d, want %d", got, tt.wantEvict)
			}
			for i := range tt.capacity {
				hit := f.cache.Get(ctx, "u", fmt.Sprintf("r%02d", i), "read").Hit
				if wantGone := i < tt.wantEvict; hit == wantGone {
					t.Errorf("r%02d hit=%v, evicted=%v", i, hit, wantGone)
				}
			}
			if !f.cache.Get(ctx, "u", "new", "read").Hit {
				t.Error("new entry missing after eviction")
			}
			if got, want := f.kv.Len(), tt.capacity-tt.wantEvict+1; got != want {
				t.Errorf("store len = %d, want %d", got, want)
			}
		})
	}
}

func TestCache_EvictionPrefersExpiredEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Capacity: 4, EvictFraction: 0.5})
	ctx := context.Background()
	f.cache.Set(ctx, "u", "short", "read", true, time.Second)
	for i := range 3 {
		f.cache.Set(ctx, "u", fmt.Sprintf("long%d", i), "read", true, time.Hour)
	}
	f.clock.Advance(2 * time.Second)

	f.cache.Set(ctx, "u", "new", "read", true, time.Hour)
	if got := f.rep.evicted.Load(); got != 0 {
		t.Errorf("evicted = %d live entries, want 0 when an expired one frees room", got)
	}
	if f.cache.Size() != 4 {
		t.Errorf("Size() = %d, want 4", f.cache.Size())
	}
}

func TestCache_Sweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.cache.Set(ctx, "u", "a", "read", true, time.Minute)
	f.cache.Set(ctx, "u", "b", "read", true, time.Minute)
	f.cache.Set(ctx, "u", "c", "read", true, time.Hour)
	// Overwrites inflate the approximate size.
	f.cache.Set(ctx, "u", "c", "read", false, time.Hour)
	if f.cache.Size() != 4 {
		t.Fatalf("Size() before sweep = %d, want 4", f.cache.Size())
	}

	f.clock.Advance(time.Minute)
	n, o := f.cache.Sweep(ctx)
	if o != outcome.OK {
		t.Fatalf("Sweep() outcome = %v", o)
	}
	// The memory backend already hides expired keys from Scan, so the sweep
	// only has to correct the counter.
	if n < 0 || n > 2 {
		t.Errorf("Sweep() removed %d", n)
	}
	if f.cache.Size() != 1 {
		t.Errorf("Size() after sweep = %d, want 1", f.cache.Size())
	}
}

func TestCache_FailOpen(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	faulty := kvstore.NewFaultyStore(kvstore.NewMemoryStore())
	rep := &recordingReporter{}
	c := New(faulty, DefaultConfig(), rep)
	c.SetClock(clock.Now)
	ctx := context.Background()

	c.Set(ctx, "u", "users", "read", true, time.Minute)
	faulty.SetFailing(true)

	got := c.Get(ctx, "u", "users", "read")
	if got.Hit || got.Allowed || got.Outcome != outcome.Degraded {
		t.Errorf("Get() = %+v, want degraded miss", got)
	}
	if o := c.Set(ctx, "u", "users", "read", true, time.Minute); o != outcome.Degraded {
		t.Errorf("Set() = %v, want degraded", o)
	}
	if n, o := c.Invalidate(ctx, "u", "", ""); n != 0 || o != outcome.Degraded {
		t.Errorf("Invalidate() = %d, %v, want 0, degraded", n, o)
	}
	if _, o := c.Sweep(ctx); o != outcome.Degraded {
		t.Errorf("Sweep() = %v, want degraded", o)
	}
	if rep.errors.Load() != 4 {
		t.Errorf("cache errors = %d, want 4", rep.errors.Load())
	}

	faulty.SetFailing(false)
	if !c.Get(ctx, "u", "users", "read").Hit {
		t.Error("entry lost after backend recovered")
	}
}

func TestCache_ConcurrentWritersRespectCapacity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Capacity: 50, EvictFraction: 0.1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 40 {
				f.cache.Set(ctx, fmt.Sprintf("u%d", w), fmt.Sprintf("r%d", i), "read", true, time.Duration(i+1)*time.Second)
			}
		}()
	}
	wg.Wait()

	// Writers that pass the capacity check together may each add one entry
	// before the next eviction.
	if n := f.kv.Len(); n > 50+8 {
		t.Errorf("store holds %d entries, capacity 50 with 8 writers", n)
	}
}

func TestSoonestHeap(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	h := newSoonestHeap(3)
	for _, i := range []int{7, 2, 9, 0, 5, 1, 8} {
		h.Offer(candidate{key: fmt.Sprintf("k%d", i), expiresAt: base.Add(time.Duration(i) * time.Second)})
	}
	got := h.Keys()
	sort.Strings(got)
	want := []string{"k0", "k1", "k2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}
