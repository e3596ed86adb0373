// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/permguard/internal/errs"
)

// maxConflictRetries bounds optimistic retries of counter transactions.
const maxConflictRetries = 64

// BadgerStore implements Store on an embedded BadgerDB. Badger TTLs have
// one-second resolution.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
}

// NewBadgerStore wraps db. When owns is true Close also closes db.
func NewBadgerStore(db *badger.DB, owns bool) *BadgerStore {
	return &BadgerStore{db: db, ownsDB: owns}
}

func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.NotFound("kv.Get", key)
		}
		if err != nil {
			return errs.Unavailable("kv.Get", err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	return errs.Unavailable("kv.Set", err)
}

func (s *BadgerStore) Delete(_ context.Context, keys ...string) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		n = 0
		for _, k := range keys {
			_, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errs.Unavailable("kv.Delete", err)
	}
	return n, nil
}

func (s *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.NotFound("kv.Expire", key)
		}
		if err != nil {
			return errs.Unavailable("kv.Expire", err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Unavailable("kv.Expire", err)
		}
		return errs.Unavailable("kv.Expire", txn.SetEntry(newEntry(key, val, ttl)))
	})
}

func (s *BadgerStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, errs.Unavailable("kv.DeletePrefix", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, errs.Unavailable("kv.DeletePrefix", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errs.Unavailable("kv.DeletePrefix", err)
	}
	return len(keys), nil
}

func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return errs.Unavailable("kv.Scan", err)
			}
			if err := fn(string(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *BadgerStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	return s.updateCounter(key, func(cur int64) int64 { return cur + delta })
}

func (s *BadgerStore) DecrFloor(_ context.Context, key string, delta int64) (int64, error) {
	return s.updateCounter(key, func(cur int64) int64 { return floorSub(cur, delta) })
}

// updateCounter runs a read-modify-write transaction, retrying on
// badger.ErrConflict so concurrent writers serialize per key.
func (s *BadgerStore) updateCounter(key string, apply func(int64) int64) (int64, error) {
	var next int64
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var cur int64
			var ttl time.Duration

			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				cur, err = strconv.ParseInt(string(raw), 10, 64)
				if err != nil {
					return errs.Validation("kv.IncrBy", key, "value is not an integer")
				}
				if exp := item.ExpiresAt(); exp > 0 {
					ttl = time.Until(time.Unix(int64(exp), 0))
				}
			}

			next = apply(cur)
			return txn.SetEntry(newEntry(key, []byte(strconv.FormatInt(next, 10)), ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			if errors.Is(err, errs.ErrValidation) {
				return 0, err
			}
			return 0, errs.Unavailable("kv.IncrBy", err)
		}
		return next, nil
	}
	return 0, errs.Unavailable("kv.IncrBy", fmt.Errorf("%s: %w", key, badger.ErrConflict))
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

var _ Store = (*BadgerStore)(nil)
