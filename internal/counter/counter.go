// Package counter holds per-(rule, window) hit counts plus the most recent
// peer-contributed counts for the same key.
//
// Each counter key keeps a map from peer id to a cell: {value, last_updated}.
// A cell's value is monotonically non-decreasing for a fixed (peer, key)
// within the window's lifetime; merges are last-writer-wins keyed on
// last_updated alone, exactly as vector-clock entries are merged per-node in
// the teacher store, but specialized: here a peer only ever writes its own
// cell, so there is no cross-peer causality to reconcile — just a timestamp
// comparison per cell.
package counter

import (
	"sync"
	"sync/atomic"
	"time"

	"hivemind/internal/clock"
)

// Key identifies one counter: a rule and the window it currently falls in.
// Unit travels with the key so garbage collection can compute the window's
// lifetime without consulting the Rule Store.
type Key struct {
	RuleID   string
	Unit     clock.Unit
	WindowID int64
}

// Cell is one peer's contribution to a counter key.
type Cell struct {
	Value       uint64
	LastUpdated int64 // monotonic sequence number, strictly increasing per peer
}

type entry struct {
	mu    sync.Mutex
	cells map[string]Cell // peerID -> Cell
	// lastSnapshot records, per peer, the LastUpdated value already emitted
	// by SnapshotLocal, so unchanged cells are not re-published.
	lastSnapshot map[string]int64
}

// Store is the in-memory map keyed by (rule, window) holding per-node hit
// counts plus the most recent peer-contributed counts for the same key.
// Safe for concurrent use: structural changes to the key map are guarded by
// mu, per-key cell mutation is guarded by that key's own entry mutex so
// unrelated keys never contend.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	selfID  string
	seq     atomic.Int64 // monotonic source for LastUpdated
}

// NewStore creates a Counter Store for the local peer selfID.
func NewStore(selfID string) *Store {
	return &Store{
		entries: make(map[Key]*entry),
		selfID:  selfID,
	}
}

// monotonic returns a timestamp strictly greater than any value previously
// returned by this Store, even under rapid concurrent calls — it never goes
// backward regardless of wall-clock behavior, matching the "monotonic
// timestamp" cell field in the spec's data model.
func (s *Store) monotonic() int64 {
	return s.seq.Add(1)
}

func (s *Store) getOrCreate(key Key) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &entry{cells: make(map[string]Cell), lastSnapshot: make(map[string]int64)}
	s.entries[key] = e
	return e
}

// Increment atomically adds amount to the local peer's cell and returns the
// new local value. amount == 0 is a no-op that still returns the current
// local value without creating an entry.
func (s *Store) Increment(key Key, amount uint64) uint64 {
	if amount == 0 {
		s.mu.RLock()
		e, ok := s.entries[key]
		s.mu.RUnlock()
		if !ok {
			return 0
		}
		e.mu.Lock()
		v := e.cells[s.selfID].Value
		e.mu.Unlock()
		return v
	}

	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cells[s.selfID]
	c.Value += amount
	c.LastUpdated = s.monotonic()
	e.cells[s.selfID] = c
	return c.Value
}

// GlobalSum returns the sum of all known peer cells for key, including the
// local peer.
func (s *Store) GlobalSum(key Key) uint64 {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var sum uint64
	for _, c := range e.cells {
		sum += c.Value
	}
	return sum
}

// MergePeerUpdate applies a peer-contributed observation. The update is
// applied only if lastUpdated is strictly greater than the currently stored
// last_updated for that peer's cell — the value that wins is always the one
// associated with the winning last_updated, even if it is numerically
// smaller than what was stored (the peer may have rotated windows). Reports
// whether the update was applied.
func (s *Store) MergePeerUpdate(key Key, peerID string, value uint64, lastUpdated int64) bool {
	if peerID == s.selfID {
		return false // a peer never writes another peer's cell, least of all our own
	}
	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.cells[peerID]
	if ok && lastUpdated <= cur.LastUpdated {
		return false
	}
	e.cells[peerID] = Cell{Value: value, LastUpdated: lastUpdated}
	return true
}

// Remaining computes the quota remaining given limit, clamped at zero. It
// must be called after the local increment so it reflects the effect of the
// current request.
func (s *Store) Remaining(key Key, limit uint64) uint64 {
	sum := s.GlobalSum(key)
	if sum >= limit {
		return 0
	}
	return limit - sum
}

// LocalCell entry, emitted by SnapshotLocal.
type LocalCell struct {
	Key         Key
	Value       uint64
	LastUpdated int64
}

// SnapshotLocal emits every local cell whose last_updated has advanced since
// the previous call. No token is returned: each key's entry records the
// last_updated it last emitted, so the very first call emits every local
// cell that exists at all.
func (s *Store) SnapshotLocal() []LocalCell {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.entries))
	entries := make([]*entry, 0, len(s.entries))
	for k, e := range s.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]LocalCell, 0, len(keys))
	for i, k := range keys {
		e := entries[i]
		e.mu.Lock()
		c, ok := e.cells[s.selfID]
		if ok && c.LastUpdated > e.lastSnapshot[s.selfID] {
			out = append(out, LocalCell{Key: k, Value: c.Value, LastUpdated: c.LastUpdated})
			e.lastSnapshot[s.selfID] = c.LastUpdated
		}
		e.mu.Unlock()
	}
	return out
}

// GC removes counter keys whose window has expired for more than two full
// unit lengths, as of now. A periodic sweep rather than reactive cleanup
// keeps the request path allocation-free.
func (s *Store) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.entries {
		grace := 2 * k.Unit.Seconds()
		if clock.WindowEnd(k.Unit, k.WindowID).Add(time.Duration(grace) * time.Second).Before(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports how many counter keys currently exist, for tests and the
// debug surface.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of every counter key currently tracked, for the
// debug surface's /counters dump. Order is unspecified.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Peers returns a snapshot of this key's peer cells, for the debug surface.
func (s *Store) Peers(key Key) map[string]Cell {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Cell, len(e.cells))
	for k, v := range e.cells {
		out[k] = v
	}
	return out
}
