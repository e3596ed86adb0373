// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package kvstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/permguard/internal/logging"
)

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	log := logging.WithComponent("kvstore")

	switch cfg.Backend {
	case "", BackendMemory:
		log.Info().Msg("using in-memory key-value store")
		return NewMemoryStore(), nil

	case BackendBadger:
		opts := badger.DefaultOptions(cfg.BadgerPath).WithLogger(nil)
		if cfg.BadgerInMemory {
			opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger at %q: %w", cfg.BadgerPath, err)
		}
		log.Info().Str("path", cfg.BadgerPath).Bool("in_memory", cfg.BadgerInMemory).Msg("opened badger key-value store")
		return NewBadgerStore(db, true), nil

	case BackendRedis:
		if cfg.DialTimeout <= 0 {
			cfg.DialTimeout = DefaultConfig().DialTimeout
		}
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			PoolSize:    cfg.RedisPoolSize,
			DialTimeout: cfg.DialTimeout,
		})
		pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Msg("connected to redis key-value store")
		return NewRedisStore(client), nil

	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}
