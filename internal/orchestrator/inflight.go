package orchestrator

import (
	"sync"
	"time"
)

// inflightEntry is the bookkeeping the dispatch loop attaches to a task
// the moment it is popped. It is purely a deadline accelerator for the
// sweeper, not an authoritative record of task state.
type inflightEntry struct {
	recordID  string
	batchID   string
	startedAt time.Time
}

// inflightTable is a mutex-guarded map, mutated by the dispatch loop
// (insert), the collector loop (remove on finalise), and the sweeper
// (remove on timeout). It owns no data the Store does not already hold;
// it starts empty on every restart, and the status CLI falls back to
// scanning partial-result hash keys directly on the broker when no live
// orchestrator process holds this table.
type inflightTable struct {
	mu      sync.RWMutex
	entries map[string]inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[string]inflightEntry)}
}

func (t *inflightTable) insert(taskID, recordID, batchID string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[taskID] = inflightEntry{recordID: recordID, batchID: batchID, startedAt: startedAt}
}

func (t *inflightTable) remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, taskID)
}

func (t *inflightTable) get(taskID string) (inflightEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[taskID]
	return e, ok
}

func (t *inflightTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// stale returns every entry whose age exceeds timeout, for the sweeper.
func (t *inflightTable) stale(timeout time.Duration, now time.Time) map[string]inflightEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]inflightEntry)
	for taskID, e := range t.entries {
		if now.Sub(e.startedAt) > timeout {
			out[taskID] = e
		}
	}
	return out
}
