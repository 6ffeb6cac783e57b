package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
)

func shapesAt(x float64) []model.Shape {
	s := model.New(model.KindRectangle)
	s.ID = "s1"
	s.Transform.X = x
	return []model.Shape{s}
}

func xOf(snap Snapshot) float64 {
	if len(snap.Shapes) == 0 {
		return -1
	}
	return snap.Shapes[0].Transform.X
}

func TestHistory_UnseededIgnoresEverything(t *testing.T) {
	h := New(10, nil, log.Nop())

	assert.False(t, h.Seeded())
	h.Push(shapesAt(1), nil)
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.Undo())
	assert.False(t, h.Redo())
	assert.False(t, h.CanUndo())
	assert.False(t, h.CanRedo())
	_, ok := h.Current()
	assert.False(t, ok)
}

func TestHistory_UndoRedoWalk(t *testing.T) {
	var restored []float64
	h := New(10, func(snap Snapshot) {
		restored = append(restored, xOf(snap))
	}, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)
	h.Push(shapesAt(2), nil)

	assert.True(t, h.CanUndo())
	assert.False(t, h.CanRedo())

	require.True(t, h.Undo())
	require.True(t, h.Undo())
	assert.False(t, h.Undo(), "cursor is at the seed entry")

	require.True(t, h.Redo())
	require.True(t, h.Redo())
	assert.False(t, h.Redo())

	assert.Equal(t, []float64{1, 0, 1, 2}, restored)
}

func TestHistory_UndoThenRedoIsIdentity(t *testing.T) {
	var last Snapshot
	h := New(10, func(snap Snapshot) { last = snap }, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(7), []string{"s1"})

	require.True(t, h.Undo())
	require.True(t, h.Redo())

	assert.Equal(t, float64(7), xOf(last))
	assert.Equal(t, []string{"s1"}, last.Selection)
}

func TestHistory_PushTruncatesRedoTail(t *testing.T) {
	h := New(10, nil, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)
	h.Push(shapesAt(2), nil)

	require.True(t, h.Undo())
	require.True(t, h.Undo())
	assert.True(t, h.CanRedo())

	h.Push(shapesAt(9), nil)

	assert.False(t, h.CanRedo(), "a new edit forks the timeline")
	assert.Equal(t, 2, h.Len())
	cur, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, float64(9), xOf(cur))
}

func TestHistory_PushDuringRestoreIsDropped(t *testing.T) {
	var h *History
	h = New(10, func(Snapshot) {
		// A restore provokes echoes that try to record themselves.
		h.Push(shapesAt(99), nil)
		assert.True(t, h.Restoring())
	}, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)

	require.True(t, h.Undo())

	assert.Equal(t, 2, h.Len(), "the echo push must not land")
	assert.True(t, h.CanRedo())
	assert.False(t, h.Restoring())
}

func TestHistory_EvictionShiftsCursor(t *testing.T) {
	h := New(3, nil, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)
	h.Push(shapesAt(2), nil)
	h.Push(shapesAt(3), nil) // evicts the seed
	h.Push(shapesAt(4), nil) // evicts x=1

	assert.Equal(t, 3, h.Len())

	cur, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, float64(4), xOf(cur))

	// Only the surviving entries can be walked back.
	require.True(t, h.Undo())
	require.True(t, h.Undo())
	assert.False(t, h.Undo())
	cur, _ = h.Current()
	assert.Equal(t, float64(2), xOf(cur), "oldest surviving entry")
}

func TestHistory_SeedResetsStack(t *testing.T) {
	h := New(10, nil, log.Nop())

	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)
	h.Push(shapesAt(2), nil)

	h.Seed(shapesAt(50), nil)

	assert.Equal(t, 1, h.Len())
	assert.False(t, h.CanUndo())
	assert.False(t, h.CanRedo())
	cur, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, float64(50), xOf(cur))
}

func TestHistory_SnapshotsAreIsolated(t *testing.T) {
	h := New(10, nil, log.Nop())

	live := shapesAt(0)
	h.Seed(live, nil)
	live[0].Transform.X = 777

	cur, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, float64(0), xOf(cur), "entries must not alias caller slices")

	// Mutating what Current returned must not corrupt the stack either.
	cur.Shapes[0].Transform.X = 888
	again, _ := h.Current()
	assert.Equal(t, float64(0), xOf(again))
}

func TestHistory_MinimumLimit(t *testing.T) {
	h := New(0, nil, log.Nop())
	h.Seed(shapesAt(0), nil)
	h.Push(shapesAt(1), nil)
	h.Push(shapesAt(2), nil)

	assert.Equal(t, 2, h.Len(), "limit floors at two entries")
	assert.True(t, h.CanUndo())
}
