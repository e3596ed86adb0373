// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package audit

import (
	"context"
	"errors"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/resilience"
)

// BreakerStore routes every call through a circuit breaker. Backend failures
// (including an open circuit) surface as errs.ErrStoreUnavailable.
type BreakerStore struct {
	next Store
	cb   *resilience.Breaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, cb *resilience.Breaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

func (s *BreakerStore) Append(ctx context.Context, e *Entry) error {
	err := s.cb.Do(ctx, func(ctx context.Context) error { return s.next.Append(ctx, e) })
	return classify("audit.Append", err)
}

func (s *BreakerStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := resilience.Call(ctx, s.cb, func(ctx context.Context) (*Entry, error) { return s.next.Get(ctx, id) })
	return e, classify("audit.Get", err)
}

func (s *BreakerStore) Query(ctx context.Context, f Filter, p Page) ([]Entry, error) {
	out, err := resilience.Call(ctx, s.cb, func(ctx context.Context) ([]Entry, error) { return s.next.Query(ctx, f, p) })
	return out, classify("audit.Query", err)
}

func (s *BreakerStore) Count(ctx context.Context, f Filter) (int64, error) {
	n, err := resilience.Call(ctx, s.cb, func(ctx context.Context) (int64, error) { return s.next.Count(ctx, f) })
	return n, classify("audit.Count", err)
}

func (s *BreakerStore) Stats(ctx context.Context, f Filter, topN int) (*Stats, error) {
	st, err := resilience.Call(ctx, s.cb, func(ctx context.Context) (*Stats, error) { return s.next.Stats(ctx, f, topN) })
	return st, classify("audit.Stats", err)
}

// classify leaves caller errors untouched and marks everything else as an
// unavailable store.
func classify(op string, err error) error {
	if err == nil || isCallerError(err) {
		return err
	}
	return errs.Unavailable(op, err)
}

var _ Store = (*BreakerStore)(nil)

func isCallerError(err error) bool {
	return errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrValidation) ||
		errors.Is(err, errs.ErrIntegrity)
}
