// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package resilience guards calls to backing stores with a per-call timeout
// and a sony/gobreaker circuit breaker, so that an unreachable store fails
// fast with errs.ErrStoreUnavailable instead of stalling the request path.
package resilience

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
)

// Config tunes a Breaker.
type Config struct {
	// CallTimeout bounds every guarded call. Zero disables the deadline.
	CallTimeout time.Duration `koanf:"call_timeout"`
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `koanf:"max_requests" validate:"gte=1"`
	// Interval after which closed-state counts reset.
	Interval time.Duration `koanf:"interval"`
	// OpenTimeout before an open breaker admits a trial call.
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gt=0"`
	// MinRequests before FailureRatio is considered.
	MinRequests uint32 `koanf:"min_requests" validate:"gte=1"`
	// FailureRatio at which the breaker opens.
	FailureRatio float64 `koanf:"failure_ratio" validate:"gt=0,lte=1"`
}

// DefaultConfig mirrors the sync client breaker: 3 half-open trial calls, 1m
// window, 30s open, trip at 60% of at least 10 requests.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  2 * time.Second,
		MaxRequests:  3,
		Interval:     time.Minute,
		OpenTimeout:  30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// Breaker is a named circuit breaker.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
	rep     metrics.Reporter
}

// NewBreaker creates a breaker reporting state changes to rep.
func NewBreaker(name string, cfg Config, rep metrics.Reporter) *Breaker {
	if rep == nil {
		rep = metrics.Nop{}
	}
	log := logging.WithComponent("breaker")
	b := &Breaker{name: name, timeout: cfg.CallTimeout, rep: rep}

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.FailureRatio {
				log.Warn().Str("breaker", name).Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).Msg("opening circuit")
				return true
			}
			return false
		},
		// Caller mistakes are not backend failures.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, errs.ErrNotFound) ||
				errors.Is(err, errs.ErrValidation) ||
				errors.Is(err, errs.ErrIntegrity)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("state transition")
			rep.BreakerStateChanged(name, to.String())
		},
	})
	rep.BreakerStateChanged(name, gobreaker.StateClosed.String())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Do runs fn under the call timeout. A rejected call or a deadline overrun
// returns errs.ErrStoreUnavailable. A call that returns nil succeeded, even
// if it finished after the deadline.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the value-returning form of Do.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	res, err := b.cb.Execute(func() (any, error) {
		cctx, cancel := b.withTimeout(ctx)
		defer cancel()
		return fn(cctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rep.BreakerRejected(b.name)
			return zero, errs.Unavailable(b.name, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return zero, errs.Unavailable(b.name, err)
		}
		return zero, err
	}

	v, ok := res.(T)
	if !ok && res != nil {
		return zero, errors.New("resilience: unexpected result type")
	}
	return v, nil
}

func (b *Breaker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}
