// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/metrics"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRequests = 2
	cfg.FailureRatio = 0.5
	cfg.OpenTimeout = time.Hour
	return cfg
}

func TestBreaker_PassesResults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("kv", testConfig(), metrics.Nop{})
	got, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Call = %d, %v", got, err)
	}

	boom := errors.New("boom")
	if err := b.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Do error = %v, want boom", err)
	}
}

func TestBreaker_OpensAndFailsFast(t *testing.T) {
	t.Parallel()

	b := NewBreaker("audit", testConfig(), metrics.NewPrometheus(prometheus.NewRegistry()))
	fail := func(context.Context) error { return errors.New("connection refused") }

	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), fail)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Do(context.Background(), func(context.Context) error { called = true; return nil })
	if called {
		t.Error("open breaker should not invoke fn")
	}
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestBreaker_CallerErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	b := NewBreaker("audit", testConfig(), nil)
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), func(context.Context) error {
			return errs.NotFound("audit.Get", "missing")
		})
	}
	if b.State() != "closed" {
		t.Errorf("not-found errors tripped the breaker: %s", b.State())
	}
}

func TestBreaker_Timeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	b := NewBreaker("slow", cfg, nil)

	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("want ErrStoreUnavailable on deadline, got %v", err)
	}
}

func TestBreaker_LateSuccessIsKept(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	b := NewBreaker("late", cfg, nil)

	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			// The write landed; only the reply was slow.
			return nil
		})
		if err != nil {
			t.Fatalf("call %d: Do() error = %v, want nil", i, err)
		}
	}
	if got := b.State(); got != "closed" {
		t.Errorf("State() = %s, want closed", got)
	}
}
