// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Package kvstore is the key-value abstraction behind the decision cache,
// the token blacklist, session metadata and per-actor session counters.
//
// Three backends are provided: MemoryStore for tests and single-node
// development, BadgerStore for embedded durable storage, and RedisStore for
// deployments that share state across instances. Guarded wraps any of them
// with a per-call timeout and a circuit breaker.
//
// Missing or expired keys are reported as errs.ErrNotFound; backend failures
// are reported as errs.ErrStoreUnavailable.
package kvstore

import (
	"context"
	"time"
)

// Store is a TTL-aware key-value store with atomic single-key counters.
type Store interface {
	// Get returns the value of key, or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Expire replaces the TTL of an existing key, or returns errs.ErrNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Scan calls fn for every live key starting with prefix. Iteration order
	// is backend defined. Returning an error from fn stops the scan.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// IncrBy atomically adds delta to the integer at key (missing = 0).
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// DecrFloor atomically subtracts delta, never going below zero.
	DecrFloor(ctx context.Context, key string, delta int64) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `koanf:"backend" validate:"oneof=memory badger redis"`

	BadgerPath     string `koanf:"badger_path"`
	BadgerInMemory bool   `koanf:"badger_in_memory"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
	RedisPoolSize int    `koanf:"redis_pool_size" validate:"gte=0"`

	// DialTimeout bounds connection setup for networked backends.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// DefaultConfig uses the in-process memory backend.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendMemory,
		BadgerPath:  "data/kv",
		RedisAddr:   "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// floorSub returns max(cur-delta, 0).
func floorSub(cur, delta int64) int64 {
	if next := cur - delta; next > 0 {
		return next
	}
	return 0
}
