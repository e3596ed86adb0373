// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

//go:build integration

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/permguard/internal/testinfra"
)

func TestRedisStoreConformance(t *testing.T) {
	testinfra.SkipIfNoDocker(t)

	ctx := context.Background()
	rc, err := testinfra.NewRedisContainer(ctx)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	defer testinfra.CleanupContainer(t, ctx, rc.Container)

	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: rc.Addr}))
	defer s.Close()

	runConformance(t, s)

	t.Run("decr floor keeps ttl", func(t *testing.T) {
		_ = s.Set(ctx, "conf:ttl", []byte("2"), time.Hour)
		if n, err := s.DecrFloor(ctx, "conf:ttl", 1); err != nil || n != 1 {
			t.Fatalf("DecrFloor = %d, %v", n, err)
		}
		ttl, err := s.client.TTL(ctx, "conf:ttl").Result()
		if err != nil || ttl <= 0 {
			t.Errorf("TTL lost after DecrFloor: %v, %v", ttl, err)
		}
	})

	t.Run("open via config", func(t *testing.T) {
		store, err := Open(ctx, Config{Backend: BackendRedis, RedisAddr: rc.Addr, DialTimeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		_ = store.Close()
	})
}
