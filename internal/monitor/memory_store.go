// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package monitor

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps attempts per actor and alerts in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string][]Attempt
	alerts   []Alert
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]Attempt)}
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attempts[a.ActorID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(a.Timestamp) })
	s.attempts[a.ActorID] = slices.Insert(list, i, *a)
	return nil
}

func (s *MemoryStore) RecentAttempts(_ context.Context, actorID string, since time.Time) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.attempts[actorID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(since) })
	return slices.Clone(list[i:]), nil
}

func (s *MemoryStore) PurgeAttempts(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for actor, list := range s.attempts {
		i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(before) })
		if i == 0 {
			continue
		}
		purged += i
		if i == len(list) {
			delete(s.attempts, actor)
			continue
		}
		s.attempts[actor] = slices.Clone(list[i:])
	}
	return purged, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Details = slices.Clone(a.Details)
	s.alerts = append(s.alerts, cp)
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Alert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if !matchesAlert(&a, &f) {
			continue
		}
		a.Details = slices.Clone(a.Details)
		out = append(out, a)
	}
	// IDs are time-ordered ULIDs.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountAlertsBySeverity(_ context.Context, since time.Time) (map[Severity]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Severity]int, len(Severities))
	for i := range s.alerts {
		if !s.alerts[i].Timestamp.Before(since) {
			counts[s.alerts[i].Severity]++
		}
	}
	return counts, nil
}

func matchesAlert(a *Alert, f *AlertFilter) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, a.Type) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, a.Severity) {
		return false
	}
	if f.ActorID != "" && a.ActorID != f.ActorID {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
