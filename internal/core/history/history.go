// Package history implements linear undo/redo over full-collection
// snapshots. Full snapshots, not per-field deltas: the shared collection
// also changes under other clients' hands between this client's edits,
// which makes replaying field deltas unsafe.
package history

import (
	sc "sync"

	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
)

// Snapshot is one history entry: a deep, independent copy of the shape
// collection plus this client's selection at that moment.
type Snapshot struct {
	Shapes    []model.Shape
	Selection []string
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Shapes:    model.CloneAll(s.Shapes),
		Selection: append([]string(nil), s.Selection...),
	}
}

// RestoreFunc receives the snapshot to re-apply when the cursor moves. It
// runs with capture suppressed; pushes it provokes are dropped.
type RestoreFunc func(snap Snapshot)

type mode uint8

const (
	recording mode = iota
	restoring
)

// History is a bounded snapshot stack with a cursor. The stack is seeded
// with the attach-time state so the first undo after the first edit lands
// on the true pre-edit state, not an empty one.
type History struct {
	mu      sc.Mutex
	entries []Snapshot
	cursor  int
	limit   int
	mode    mode
	restore RestoreFunc
	logger  log.Log
}

// New creates a history keeping at most limit entries. The restore callback
// is invoked by Undo and Redo with the snapshot at the new cursor.
func New(limit int, restore RestoreFunc, logger log.Log) *History {
	if limit < 2 {
		limit = 2
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &History{
		limit:   limit,
		restore: restore,
		logger:  logger,
		cursor:  -1,
	}
}

// Seed records the initial state. It resets the stack to exactly one entry.
func (h *History) Seed(shapes []model.Shape, selection []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = []Snapshot{{
		Shapes:    model.CloneAll(shapes),
		Selection: append([]string(nil), selection...),
	}}
	h.cursor = 0
}

// Seeded reports whether the initial entry has been recorded.
func (h *History) Seeded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0
}

// Push appends a snapshot of the given state after a locally committed
// mutation. Entries beyond the cursor (the redo tail) are truncated first.
// While a restore is in progress the call is a silent no-op; recording an
// undo as an undoable action would corrupt the stack.
func (h *History) Push(shapes []model.Shape, selection []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode == restoring || h.cursor < 0 {
		return
	}

	h.entries = h.entries[:h.cursor+1]
	h.entries = append(h.entries, Snapshot{
		Shapes:    model.CloneAll(shapes),
		Selection: append([]string(nil), selection...),
	})
	h.cursor++

	if len(h.entries) > h.limit {
		evict := len(h.entries) - h.limit
		h.entries = append([]Snapshot(nil), h.entries[evict:]...)
		h.cursor -= evict
	}
}

// Undo steps the cursor back one entry and re-applies that snapshot via the
// restore callback. It reports whether a step was taken.
func (h *History) Undo() bool {
	return h.step(-1)
}

// Redo steps the cursor forward one entry and re-applies that snapshot.
func (h *History) Redo() bool {
	return h.step(+1)
}

func (h *History) step(delta int) bool {
	h.mu.Lock()
	if h.mode == restoring {
		h.mu.Unlock()
		return false
	}
	next := h.cursor + delta
	if h.cursor < 0 || next < 0 || next >= len(h.entries) {
		h.mu.Unlock()
		return false
	}
	h.cursor = next
	snap := h.entries[next].clone()
	h.mode = restoring
	restore := h.restore
	h.mu.Unlock()

	if restore != nil {
		restore(snap)
	}

	h.mu.Lock()
	h.mode = recording
	h.mu.Unlock()
	return true
}

// CanUndo reports whether an earlier entry exists.
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor > 0
}

// CanRedo reports whether a later entry exists.
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0 && h.cursor < len(h.entries)-1
}

// Restoring reports whether a restore callback is in flight.
func (h *History) Restoring() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode == restoring
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Current returns a copy of the snapshot under the cursor.
func (h *History) Current() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor < 0 {
		return Snapshot{}, false
	}
	return h.entries[h.cursor].clone(), true
}
