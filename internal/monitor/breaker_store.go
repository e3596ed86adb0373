// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"context"
	"time"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/resilience"
)

// BreakerStore routes every call through a circuit breaker so detection
// stops waiting on an unreachable store.
type BreakerStore struct {
	next Store
	cb   *resilience.Breaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, cb *resilience.Breaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

func (s *BreakerStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	return wrap("monitor.RecordAttempt", s.cb.Do(ctx, func(ctx context.Context) error {
		return s.next.RecordAttempt(ctx, a)
	}))
}

func (s *BreakerStore) RecentAttempts(ctx context.Context, actorID string, since time.Time) ([]Attempt, error) {
	out, err := resilience.Call(ctx, s.cb, func(ctx context.Context) ([]Attempt, error) {
		return s.next.RecentAttempts(ctx, actorID, since)
	})
	return out, wrap("monitor.RecentAttempts", err)
}

func (s *BreakerStore) PurgeAttempts(ctx context.Context, before time.Time) (int, error) {
	n, err := resilience.Call(ctx, s.cb, func(ctx context.Context) (int, error) {
		return s.next.PurgeAttempts(ctx, before)
	})
	return n, wrap("monitor.PurgeAttempts", err)
}

func (s *BreakerStore) SaveAlert(ctx context.Context, a *Alert) error {
	return wrap("monitor.SaveAlert", s.cb.Do(ctx, func(ctx context.Context) error {
		return s.next.SaveAlert(ctx, a)
	}))
}

func (s *BreakerStore) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	out, err := resilience.Call(ctx, s.cb, func(ctx context.Context) ([]Alert, error) {
		return s.next.ListAlerts(ctx, f)
	})
	return out, wrap("monitor.ListAlerts", err)
}

func (s *BreakerStore) CountAlertsBySeverity(ctx context.Context, since time.Time) (map[Severity]int, error) {
	out, err := resilience.Call(ctx, s.cb, func(ctx context.Context) (map[Severity]int, error) {
		return s.next.CountAlertsBySeverity(ctx, since)
	})
	return out, wrap("monitor.CountAlertsBySeverity", err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Unavailable(op, err)
}

var _ Store = (*BreakerStore)(nil)
