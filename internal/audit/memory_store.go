// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package audit

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tomtom215/permguard/internal/errs"
)

// MemoryStore keeps entries in insertion order. Suitable for development and
// tests; data is lost on restart and nothing is ever evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[e.ID]; dup {
		return errs.Validation("audit.Append", "id", "duplicate id %s", e.ID)
	}
	s.byID[e.ID] = len(s.entries)
	s.entries = append(s.entries, cloneEntry(e))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, errs.NotFound("audit.Get", "entry "+id)
	}
	e := cloneEntry(&s.entries[i])
	return &e, nil
}

// newestFirst returns matching entries ordered by timestamp descending.
// Entries with equal timestamps keep reverse insertion order.
func (s *MemoryStore) newestFirst(f *Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if matchesFilter(&s.entries[i], f) {
			out = append(out, cloneEntry(&s.entries[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (s *MemoryStore) Query(_ context.Context, f Filter, p Page) ([]Entry, error) {
	all := s.newestFirst(&f)
	if p.Offset >= len(all) {
		return []Entry{}, nil
	}
	all = all[p.Offset:]
	if p.Limit > 0 && len(all) > p.Limit {
		all = all[:p.Limit]
	}
	return all, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for i := range s.entries {
		if matchesFilter(&s.entries[i], &f) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context, f Filter, topN int) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := newStats()
	actors := map[string]int64{}
	resources := map[string]int64{}
	actions := map[string]int64{}

	for i := range s.entries {
		e := &s.entries[i]
		if !matchesFilter(e, &f) {
			continue
		}
		st.Total++
		st.ByCategory[string(e.Category)]++
		st.BySeverity[string(e.Severity)]++
		st.ByStatus[string(e.Status)]++
		actors[e.ActorID]++
		resources[e.Resource]++
		actions[e.Action]++
		st.ByHour[e.Timestamp.UTC().Hour()]++
	}

	st.TopActors = rankTop(actors, topN)
	st.TopResources = rankTop(resources, topN)
	st.TopActions = rankTop(actions, topN)
	return st, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// matchesFilter is the single predicate behind Query, Count and Stats,
// which keeps list and stats views consistent.
//
//nolint:gocyclo // complexity inherent to multi-criteria filter matching
func matchesFilter(e *Entry, f *Filter) bool {
	if len(f.Categories) > 0 && !contains(f.Categories, e.Category) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, e.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.Resources) > 0 && !contains(f.Resources, e.Resource) {
		return false
	}
	if len(f.ActorIDs) > 0 && !contains(f.ActorIDs, e.ActorID) {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(e.Action), strings.ToLower(f.Action)) {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// rankTop ranks counts descending, ties broken by key.
func rankTop(counts map[string]int64, n int) []KeyCount {
	out := make([]KeyCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, KeyCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func cloneEntry(e *Entry) Entry {
	c := *e
	if e.Details != nil {
		c.Details = append([]byte(nil), e.Details...)
	}
	if e.DurationMS != nil {
		d := *e.DurationMS
		c.DurationMS = &d
	}
	return c
}

var _ Store = (*MemoryStore)(nil)
