// Package liveness holds the collector's current view of every machine.
package liveness

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// DefaultShards is used when NewTable is given a non-positive shard count.
const DefaultShards = 32

// MutateFunc computes the next entry from the current one. prev is nil for
// an identity the table has never seen and must not be modified. Returning
// false leaves the table unchanged.
type MutateFunc func(prev *models.LivenessEntry) (next models.LivenessEntry, apply bool)

// Table maps machine identity to its current entry.
//
// Identities are spread over shards, each guarded by its own lock, so writes
// to different machines mostly proceed in parallel while every mutation of a
// single machine is applied atomically. Entries are stored by value: readers
// always copy a whole entry, never a half-written one.
type Table struct {
	shards []*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]models.LivenessEntry
}

// NewTable returns an empty table with n shards.
func NewTable(n int) *Table {
	if n <= 0 {
		n = DefaultShards
	}
	t := &Table{shards: make([]*shard, n)}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]models.LivenessEntry)}
	}
	return t
}

func (t *Table) shardFor(id string) *shard {
	return t.shards[xxhash.Sum64String(id)%uint64(len(t.shards))]
}

// Upsert applies mutate to the entry for id while holding that entry's lock
// and returns the resulting entry. The boolean reports whether the mutation
// was applied.
func (t *Table) Upsert(id string, mutate MutateFunc) (models.LivenessEntry, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *models.LivenessEntry
	if cur, ok := s.entries[id]; ok {
		prev = &cur
	}
	next, apply := mutate(prev)
	if !apply {
		if prev == nil {
			return models.LivenessEntry{}, false
		}
		return *prev, false
	}
	next.MachineID = id
	s.entries[id] = next
	return next, true
}

// Get returns a copy of the entry for id.
func (t *Table) Get(id string) (models.LivenessEntry, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of machines in the roster.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// IDs returns every identity currently in the table, in no particular order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, t.Len())
	for _, s := range t.shards {
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

// Snapshot copies every entry, ordered by hostname then identity. Shards are
// read one at a time, so the result is consistent per entry but not a single
// point-in-time view of the whole table.
func (t *Table) Snapshot() []models.LivenessEntry {
	out := make([]models.LivenessEntry, 0, t.Len())
	for _, s := range t.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].Hostname(), out[j].Hostname()
		if hi != hj {
			return hi < hj
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out
}

// ForEachMutable runs fn as an independent Upsert for every identity present
// when the pass starts. Identities never seen by the table are not created.
// It returns the entries fn chose to change.
func (t *Table) ForEachMutable(fn func(cur models.LivenessEntry) (models.LivenessEntry, bool)) []models.LivenessEntry {
	var changed []models.LivenessEntry
	for _, id := range t.IDs() {
		next, ok := t.Upsert(id, func(prev *models.LivenessEntry) (models.LivenessEntry, bool) {
			if prev == nil {
				return models.LivenessEntry{}, false
			}
			return fn(*prev)
		})
		if ok {
			changed = append(changed, next)
		}
	}
	return changed
}
