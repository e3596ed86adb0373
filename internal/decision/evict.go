// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

package decision

import "time"

type candidate struct {
	key       string
	expiresAt time.Time
}

// soonestHeap keeps the limit candidates with the earliest expiry seen so
// far. Internally it is a max-heap on expiresAt so the latest of the kept
// candidates sits at the root and is the one displaced. O(n log k) over n
// offered candidates.
type soonestHeap struct {
	items []candidate
	limit int
}

func newSoonestHeap(limit int) *soonestHeap {
	return &soonestHeap{items: make([]candidate, 0, limit), limit: limit}
}

// Offer considers c for eviction.
func (h *soonestHeap) Offer(c candidate) {
	if h.limit <= 0 {
		return
	}
	if len(h.items) < h.limit {
		h.items = append(h.items, c)
		h.bubbleUp(len(h.items) - 1)
		return
	}
	if !h.later(c, h.items[0]) {
		h.items[0] = c
		h.bubbleDown(0)
	}
}

// Keys returns the kept keys in no particular order.
func (h *soonestHeap) Keys() []string {
	keys := make([]string, len(h.items))
	for i, c := range h.items {
		keys[i] = c.key
	}
	return keys
}

// later orders by expiry, then key, so selection is deterministic.
func (h *soonestHeap) later(a, b candidate) bool {
	if !a.expiresAt.Equal(b.expiresAt) {
		return a.expiresAt.After(b.expiresAt)
	}
	return a.key > b.key
}

func (h *soonestHeap) bubbleUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.later(h.items[i], h.items[parent]) {
			return
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *soonestHeap) bubbleDown(i int) {
	n := len(h.items)
	for {
		largest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.later(h.items[left], h.items[largest]) {
			largest = left
		}
		if right < n && h.later(h.items[right], h.items[largest]) {
			largest = right
		}
		if largest == i {
			return
		}
		h.items[i], h.items[largest] = h.items[largest], h.items[i]
		i = largest
	}
}
