// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package kvstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tomtom215/permguard/internal/errs"
)

// ErrInjected is the cause reported by a failing FaultyStore.
var ErrInjected = errors.New("injected store failure")

// FaultyStore delegates to an inner Store until SetFailing(true), after which
// every call returns errs.ErrStoreUnavailable. Used by tests to exercise
// fail-open and fail-closed paths.
type FaultyStore struct {
	Store
	failing atomic.Bool
}

// NewFaultyStore wraps inner.
func NewFaultyStore(inner Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

// SetFailing toggles failure injection.
func (f *FaultyStore) SetFailing(v bool) { f.failing.Store(v) }

func (f *FaultyStore) fail(op string) error {
	if f.failing.Load() {
		return errs.Unavailable(op, ErrInjected)
	}
	return nil
}

func (f *FaultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.fail("kv.Get"); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *FaultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.fail("kv.Set"); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FaultyStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if err := f.fail("kv.Delete"); err != nil {
		return 0, err
	}
	return f.Store.Delete(ctx, keys...)
}

func (f *FaultyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.fail("kv.Expire"); err != nil {
		return err
	}
	return f.Store.Expire(ctx, key, ttl)
}

func (f *FaultyStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := f.fail("kv.DeletePrefix"); err != nil {
		return 0, err
	}
	return f.Store.DeletePrefix(ctx, prefix)
}

func (f *FaultyStore) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	if err := f.fail("kv.Scan"); err != nil {
		return err
	}
	return f.Store.Scan(ctx, prefix, fn)
}

func (f *FaultyStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := f.fail("kv.IncrBy"); err != nil {
		return 0, err
	}
	return f.Store.IncrBy(ctx, key, delta)
}

func (f *FaultyStore) DecrFloor(ctx context.Context, key string, delta int64) (int64, error) {
	if err := f.fail("kv.DecrFloor"); err != nil {
		return 0, err
	}
	return f.Store.DecrFloor(ctx, key, delta)
}
