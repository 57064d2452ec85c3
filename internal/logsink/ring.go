/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logsink

import (
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/cantina_os/internal/schemas"
)

// Ring is a fixed-capacity, thread-safe ring of recent log entries. It backs
// the dashboard's log view and the /api/logs query endpoint.
type Ring struct {
	mu       sync.RWMutex
	entries  []schemas.LogEntry
	capacity int
	head     int
	count    int
}

// NewRing creates a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Ring{
		entries:  make([]schemas.LogEntry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (r *Ring) Add(entry schemas.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = entry
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// AmendLastRepeat updates the repeat count of the most recent entry. Used when
// the dedup window folds identical records together.
func (r *Ring) AmendLastRepeat(repeat int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return
	}
	idx := (r.head - 1 + r.capacity) % r.capacity
	r.entries[idx].Repeat = repeat
}

// All returns every entry in chronological order.
func (r *Ring) All() []schemas.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]schemas.LogEntry, r.count)
	if r.count == 0 {
		return result
	}
	start := 0
	if r.count == r.capacity {
		start = r.head
	}
	for i := 0; i < r.count; i++ {
		result[i] = r.entries[(start+i)%r.capacity]
	}
	return result
}

// QueryParams filters ring contents.
type QueryParams struct {
	Level      string    // level name (debug, info, warn, error)
	Logger     string    // component that produced the entry
	Search     string    // substring match on message and fields
	Since      time.Time // only entries at or after this time
	Limit      int       // max entries (0 = all)
	Descending bool      // newest first
}

// Query returns entries matching params, oldest first unless Descending.
func (r *Ring) Query(params QueryParams) []schemas.LogEntry {
	all := r.All()

	var filtered []schemas.LogEntry
	for _, entry := range all {
		if params.Level != "" && entry.Level != params.Level {
			continue
		}
		if params.Logger != "" && entry.Logger != params.Logger {
			continue
		}
		if !params.Since.IsZero() && entry.TS.Before(params.Since) {
			continue
		}
		if params.Search != "" && !matchesSearch(entry, params.Search) {
			continue
		}
		filtered = append(filtered, entry)
	}

	if params.Descending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}
	return filtered
}

// Loggers returns the distinct component names present in the ring.
func (r *Ring) Loggers() []string {
	all := r.All()
	seen := make(map[string]bool)
	for _, e := range all {
		if e.Logger != "" {
			seen[e.Logger] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

// RingStats summarizes ring contents.
type RingStats struct {
	Capacity   int            `json:"capacity"`
	Count      int            `json:"count"`
	LevelCount map[string]int `json:"level_count"`
}

// Stats returns counts per level.
func (r *Ring) Stats() RingStats {
	all := r.All()
	stats := RingStats{
		Capacity:   r.capacity,
		Count:      len(all),
		LevelCount: make(map[string]int),
	}
	for _, e := range all {
		stats.LevelCount[e.Level]++
	}
	return stats
}

// Clear empties the ring.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}

func matchesSearch(entry schemas.LogEntry, needle string) bool {
	needle = strings.ToLower(needle)
	if strings.Contains(strings.ToLower(entry.Message), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Logger), needle) {
		return true
	}
	for _, v := range entry.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
