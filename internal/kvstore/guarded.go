// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package kvstore

import (
	"context"
	"time"

	"github.com/tomtom215/permguard/internal/resilience"
)

// Guarded routes every call of an inner Store through a resilience.Breaker,
// which applies the per-command timeout and fails fast while the backend is
// down.
type Guarded struct {
	inner Store
	b     *resilience.Breaker
}

// NewGuarded wraps inner.
func NewGuarded(inner Store, b *resilience.Breaker) *Guarded {
	return &Guarded{inner: inner, b: b}
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	return resilience.Call(ctx, g.b, func(ctx context.Context) ([]byte, error) {
		return g.inner.Get(ctx, key)
	})
}

func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.b.Do(ctx, func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

func (g *Guarded) Delete(ctx context.Context, keys ...string) (int, error) {
	return resilience.Call(ctx, g.b, func(ctx context.Context) (int, error) {
		return g.inner.Delete(ctx, keys...)
	})
}

func (g *Guarded) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.b.Do(ctx, func(ctx context.Context) error {
		return g.inner.Expire(ctx, key, ttl)
	})
}

func (g *Guarded) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return resilience.Call(ctx, g.b, func(ctx context.Context) (int, error) {
		return g.inner.DeletePrefix(ctx, prefix)
	})
}

func (g *Guarded) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return g.b.Do(ctx, func(ctx context.Context) error {
		return g.inner.Scan(ctx, prefix, fn)
	})
}

func (g *Guarded) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return resilience.Call(ctx, g.b, func(ctx context.Context) (int64, error) {
		return g.inner.IncrBy(ctx, key, delta)
	})
}

func (g *Guarded) DecrFloor(ctx context.Context, key string, delta int64) (int64, error) {
	return resilience.Call(ctx, g.b, func(ctx context.Context) (int64, error) {
		return g.inner.DecrFloor(ctx, key, delta)
	})
}

func (g *Guarded) Close() error { return g.inner.Close() }

var _ Store = (*Guarded)(nil)
