// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package decision caches allow/deny outcomes of permission checks keyed by
// (actor, resource, action).
//
// The cache is strictly fail-open: a broken backend is reported as a miss
// with outcome.Degraded, so the caller recomputes the decision instead of
// failing the request. An entry is never returned once its expiry has
// passed, regardless of when the backend itself reclaims the key.
//
// Capacity is bounded. When a write would exceed it, the entries closest to
// expiry are evicted in one batch sized by Config.EvictFraction.
package decision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/outcome"
)

// Config configures the cache.
type Config struct {
	DefaultTTL    time.Duration `koanf:"default_ttl" validate:"gt=0"`
	Capacity      int           `koanf:"capacity" validate:"gte=1"`
	EvictFraction float64       `koanf:"evict_fraction" validate:"gt=0,lte=1"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    5 * time.Minute,
		Capacity:      10000,
		EvictFraction: 0.1,
		SweepInterval: time.Minute,
	}
}

// Lookup is the result of Get.
type Lookup struct {
	Allowed bool
	Hit     bool
	Outcome outcome.Outcome
}

type record struct {
	Allowed bool `json:"a"`
	// ExpiresAt is Unix nanoseconds.
	ExpiresAt int64 `json:"e"`
}

// Cache is the decision cache. Safe for concurrent use.
type Cache struct {
	store kvstore.Store
	cfg   Config
	rep   metrics.Reporter
	log   zerolog.Logger
	now   func() time.Time

	// size approximates the number of live entries. Set increments it even
	// when overwriting; scans in Sweep and evict reset it to the exact count.
	size    atomic.Int64
	evictMu sync.Mutex
}

// New creates a cache over store.
func New(store kvstore.Store, cfg Config, rep metrics.Reporter) *Cache {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = def.EvictFraction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if rep == nil {
		rep = metrics.Nop{}
	}
	return &Cache{
		store: store,
		cfg:   cfg,
		rep:   rep,
		log:   logging.WithComponent("decision"),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// Size returns the approximate number of live entries.
func (c *Cache) Size() int { return int(c.size.Load()) }

// Get looks up a cached decision. Unknown and expired keys are misses; a
// backend failure is a miss with outcome.Degraded.
func (c *Cache) Get(ctx context.Context, actorID, resource, action string) Lookup {
	key := Key(actorID, resource, action)

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.rep.CacheMiss()
			return Lookup{Outcome: outcome.OK}
		}
		c.degraded(ctx, "get", err)
		c.rep.CacheMiss()
		return Lookup{Outcome: outcome.Degraded}
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		c.dropQuietly(ctx, key)
		c.rep.CacheMiss()
		return Lookup{Outcome: outcome.OK}
	}

	if !c.now().Before(time.Unix(0, rec.ExpiresAt)) {
		c.dropQuietly(ctx, key)
		c.rep.CacheMiss()
		return Lookup{Outcome: outcome.OK}
	}

	c.rep.CacheHit()
	return Lookup{Allowed: rec.Allowed, Hit: true, Outcome: outcome.OK}
}

// Set stores a decision. ttl <= 0 uses Config.DefaultTTL. A backend failure
// is logged and reported as outcome.Degraded; the decision stays usable.
func (c *Cache) Set(ctx context.Context, actorID, resource, action string, allowed bool, ttl time.Duration) outcome.Outcome {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	result := outcome.OK
	if c.size.Load() >= int64(c.cfg.Capacity) {
		result = c.evict(ctx)
	}

	raw, err := json.Marshal(record{Allowed: allowed, ExpiresAt: c.now().Add(ttl).UnixNano()})
	if err != nil {
		c.degraded(ctx, "set", err)
		return outcome.Degraded
	}
	if err := c.store.Set(ctx, Key(actorID, resource, action), raw, ttl); err != nil {
		c.degraded(ctx, "set", err)
		return outcome.Degraded
	}

	c.rep.CacheSize(int(c.size.Add(1)))
	return result
}

// Invalidate removes every entry matching the scope. An empty resource or
// action is a wildcard; an empty actorID clears the whole cache.
func (c *Cache) Invalidate(ctx context.Context, actorID, resource, action string) (int, outcome.Outcome) {
	s := scope{actor: actorID, resource: resource, action: action}

	var (
		n   int
		err error
	)
	switch {
	case s.exact():
		n, err = c.store.Delete(ctx, Key(actorID, resource, action))
	case s.prefixOnly():
		n, err = c.store.DeletePrefix(ctx, s.prefix())
	default:
		n, err = c.deleteMatching(ctx, s)
	}
	if err != nil {
		c.degraded(ctx, "invalidate", err)
		return 0, outcome.Degraded
	}

	c.shrink(n)
	c.rep.CacheInvalidated(n)
	logging.Ctx(ctx).Debug().Str("component", "decision").
		Str("actor", actorID).Str("resource", resource).Str("action", action).
		Int("removed", n).Msg("cache invalidated")
	return n, outcome.OK
}

func (c *Cache) deleteMatching(ctx context.Context, s scope) (int, error) {
	var keys []string
	err := c.store.Scan(ctx, s.prefix(), func(key string, _ []byte) error {
		if s.matches(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	return c.store.Delete(ctx, keys...)
}

// Sweep deletes expired entries and resets the size counter to the exact
// number of live entries.
func (c *Cache) Sweep(ctx context.Context) (int, outcome.Outcome) {
	alive, expired, err := c.scan(ctx)
	if err != nil {
		c.degraded(ctx, "sweep", err)
		return 0, outcome.Degraded
	}
	live := len(alive)

	removed := 0
	if len(expired) > 0 {
		if removed, err = c.store.Delete(ctx, expired...); err != nil {
			c.degraded(ctx, "sweep", err)
			return 0, outcome.Degraded
		}
	}

	c.size.Store(int64(live))
	c.rep.CacheSize(live)
	if removed > 0 {
		c.log.Debug().Int("expired", removed).Int("live", live).Msg("cache sweep")
	}
	return removed, outcome.OK
}

// evict makes room for one more entry by removing EvictFraction of the live
// entries (at least one), nearest expiry first. Expired entries found on the
// way are removed too and do not count against the fraction.
func (c *Cache) evict(ctx context.Context) outcome.Outcome {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	// Another writer may have evicted while this one waited.
	if c.size.Load() < int64(c.cfg.Capacity) {
		return outcome.OK
	}

	alive, expired, err := c.scan(ctx)
	if err != nil {
		c.degraded(ctx, "evict", err)
		return outcome.Degraded
	}
	live := len(alive)

	victims := expired
	evicted := 0
	if live >= c.cfg.Capacity {
		heap := newSoonestHeap(max(1, int(float64(live)*c.cfg.EvictFraction)))
		for _, cand := range alive {
			heap.Offer(cand)
		}
		keys := heap.Keys()
		evicted = len(keys)
		victims = append(victims, keys...)
	}
	if len(victims) > 0 {
		if _, err := c.store.Delete(ctx, victims...); err != nil {
			c.degraded(ctx, "evict", err)
			return outcome.Degraded
		}
	}

	c.size.Store(int64(live - evicted))
	c.rep.CacheEvicted(evicted)
	c.rep.CacheSize(live - evicted)
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Int("live", live).Msg("cache capacity reached")
	}
	return outcome.OK
}

// scan walks every decision entry once, splitting live entries from expired
// or undecodable keys.
func (c *Cache) scan(ctx context.Context) ([]candidate, []string, error) {
	now := c.now()
	var (
		alive   []candidate
		expired []string
	)
	err := c.store.Scan(ctx, KeyPrefix, func(key string, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			expired = append(expired, key)
			return nil
		}
		exp := time.Unix(0, rec.ExpiresAt)
		if !now.Before(exp) {
			expired = append(expired, key)
			return nil
		}
		alive = append(alive, candidate{key: key, expiresAt: exp})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return alive, expired, nil
}

func (c *Cache) shrink(n int) {
	for {
		cur := c.size.Load()
		next := max(cur-int64(n), 0)
		if c.size.CompareAndSwap(cur, next) {
			c.rep.CacheSize(int(next))
			return
		}
	}
}

func (c *Cache) dropQuietly(ctx context.Context, key string) {
	if n, err := c.store.Delete(ctx, key); err == nil && n > 0 {
		c.shrink(n)
	}
}

func (c *Cache) degraded(ctx context.Context, op string, err error) {
	c.rep.CacheError(op)
	logging.Ctx(ctx).Warn().Err(err).Str("component", "decision").Str("op", op).
		Msg("decision cache degraded")
}
