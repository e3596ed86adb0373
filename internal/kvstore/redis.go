// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/permguard/internal/errs"
)

const scanBatch = 500

// decrFloorScript keeps the counter non-negative in a single server-side step
// and preserves any TTL on the key.
var decrFloorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur == nil then
  return redis.error_reply('value is not an integer')
end
local next = cur - tonumber(ARGV[1])
if next < 0 then next = 0 end
redis.call('SET', KEYS[1], next, 'KEEPTTL')
return next
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client. Close closes the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("kv.Get", key)
	}
	if err != nil {
		return nil, errs.Unavailable("kv.Get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return errs.Unavailable("kv.Set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errs.Unavailable("kv.Delete", err)
	}
	return int(n), nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = s.client.Persist(ctx, key).Result()
		if err == nil && !ok {
			// Persist reports false for keys without a TTL too.
			var exists int64
			exists, err = s.client.Exists(ctx, key).Result()
			ok = exists == 1
		}
	} else {
		ok, err = s.client.PExpire(ctx, key, ttl).Result()
	}
	if err != nil {
		return errs.Unavailable("kv.Expire", err)
	}
	if !ok {
		return errs.NotFound("kv.Expire", key)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	total := 0
	err := s.scanKeys(ctx, prefix, func(keys []string) error {
		n, err := s.client.Unlink(ctx, keys...).Result()
		total += int(n)
		return err
	})
	if err != nil {
		return total, errs.Unavailable("kv.DeletePrefix", err)
	}
	return total, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var fnErr error
	err := s.scanKeys(ctx, prefix, func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			if fnErr = fn(keys[i], []byte(str)); fnErr != nil {
				return fnErr
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return errs.Unavailable("kv.Scan", err)
}

// scanKeys walks the keyspace with SCAN MATCH in batches.
func (s *RedisStore) scanKeys(ctx context.Context, prefix string, batch func([]string) error) error {
	var cursor uint64
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := batch(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errs.Unavailable("kv.IncrBy", err)
	}
	return n, nil
}

func (s *RedisStore) DecrFloor(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := decrFloorScript.Run(ctx, s.client, []string{key}, delta).Int64()
	if err != nil {
		return 0, errs.Unavailable("kv.DecrFloor", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// escapeGlob quotes the SCAN MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Store = (*RedisStore)(nil)
