// Package board composes the sync adapter, the locking controller and the
// history engine into the surface the canvas interaction layer talks to.
// One Board is one client session on one scope.
package board

import (
	"context"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/boardsync/boardsync/internal/core/clock"
	"github.com/boardsync/boardsync/internal/core/history"
	"github.com/boardsync/boardsync/internal/core/locking"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/store"
	syncx "github.com/boardsync/boardsync/internal/core/sync"
)

// Config holds the session configuration for one board client.
type Config struct {
	Sync    syncx.Config
	Locking locking.Config

	// HistoryLimit caps the undo stack. Oldest entries are evicted first.
	HistoryLimit int

	Clock  clock.Clock
	Logger log.Log
}

// DefaultConfig returns the default board configuration.
func DefaultConfig() Config {
	return Config{
		Sync:         syncx.DefaultConfig(),
		Locking:      locking.DefaultConfig(),
		HistoryLimit: 50,
		Clock:        clock.New(),
		Logger:       log.Provide(),
	}
}

// Board is one client's live view of a shared canvas.
type Board struct {
	adapter    *syncx.Adapter
	controller *locking.Controller
	history    *history.History
	config     Config
	logger     log.Log

	needSeed atomic.Bool

	intentMu sc.Mutex
	intents  []intent
}

// intent is a locally committed mutation whose subscription echo has not
// arrived yet. History entries overlay pending intents onto the last echoed
// collection, so rapid edits inside one round trip still see each other.
type intent struct {
	apply  func(shapes []model.Shape) []model.Shape
	echoed func(shapes []model.Shape) bool
}

// New wires a board session for userID over the given store. Call Attach to
// join a scope before using it.
func New(st store.ShapeStore, userID string, config Config) *Board {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.Sync.Clock == nil {
		config.Sync.Clock = config.Clock
	}
	if config.Locking.Clock == nil {
		config.Locking.Clock = config.Clock
	}
	if config.Sync.Logger == nil {
		config.Sync.Logger = config.Logger
	}
	if config.Locking.Logger == nil {
		config.Locking.Logger = config.Logger
	}

	b := &Board{
		config: config,
		logger: config.Logger.With(log.String("user_id", userID)),
	}
	b.adapter = syncx.NewAdapter(st, userID, config.Sync)
	b.controller = locking.NewController(b.adapter, config.Locking)
	b.history = history.New(config.HistoryLimit, b.restore, config.Logger)
	b.adapter.OnChange(b.onSnapshot)
	return b
}

// Attach joins a scope, replacing any previous one. History is re-seeded
// from the first snapshot of the new scope.
func (b *Board) Attach(ctx context.Context, scope string) error {
	b.intentMu.Lock()
	b.intents = nil
	b.intentMu.Unlock()
	b.needSeed.Store(true)
	return b.adapter.Initialize(ctx, scope)
}

// onSnapshot handles every remote push: the controller prunes dangling
// selection state, and the first push of a scope seeds the history so the
// first undo returns to the true attach-time state. Remote-originated
// changes never push history.
func (b *Board) onSnapshot(shapes []model.Shape) {
	b.intentMu.Lock()
	kept := b.intents[:0]
	for _, in := range b.intents {
		if !in.echoed(shapes) {
			kept = append(kept, in)
		}
	}
	b.intents = kept
	b.intentMu.Unlock()

	b.controller.ObserveSnapshot(shapes)
	if b.needSeed.CompareAndSwap(true, false) {
		b.history.Seed(shapes, b.controller.Selection())
	}
}

// Ready reports whether the first snapshot of the scope has been applied
// and recorded into history. Edits made before Ready are persisted but not
// undoable.
func (b *Board) Ready() bool {
	return !b.adapter.Loading() && b.history.Seeded()
}

// Shapes returns the current local collection in insertion order.
func (b *Board) Shapes() []model.Shape {
	return b.adapter.Shapes()
}

// Shape returns one shape by id.
func (b *Board) Shape(id string) (model.Shape, bool) {
	return b.adapter.Shape(id)
}

// Selection returns the ordered selected shape ids.
func (b *Board) Selection() []string {
	return b.controller.Selection()
}

// Loading reports whether the first snapshot of the scope is still pending.
func (b *Board) Loading() bool {
	return b.adapter.Loading()
}

// Err returns the latest remote failure, readable until cleared.
func (b *Board) Err() error {
	return b.adapter.Err()
}

// ClearErr resets the readable error state.
func (b *Board) ClearErr() {
	b.adapter.ClearErr()
}

// LockState classifies a shape's lock as seen by this client.
func (b *Board) LockState(id string) locking.State {
	return b.controller.LockState(id)
}

// AddShape creates a shape of the given kind, applies overrides and
// persists it. The shape surfaces locally on the subscription echo; the
// returned value is the state that was sent.
func (b *Board) AddShape(ctx context.Context, kind model.Kind, overrides model.Patch) (model.Shape, error) {
	shape := model.New(kind)
	overrides.Apply(&shape)

	if err := b.adapter.CreateShape(ctx, shape); err != nil {
		return model.Shape{}, err
	}

	created := shape.Clone()
	b.pushExpecting(
		func(shapes []model.Shape) []model.Shape {
			if hasShape(shapes, created.ID) {
				return shapes
			}
			return append(shapes, created.Clone())
		},
		func(shapes []model.Shape) bool {
			return hasShape(shapes, created.ID)
		},
	)
	return shape, nil
}

// UpdateShape merges fields into a shape. Rejected with a blocked signal if
// another user holds a fresh lock on it.
func (b *Board) UpdateShape(ctx context.Context, id string, patch model.Patch) error {
	if !b.controller.CanEdit(id) {
		return locking.ErrShapeBusy
	}
	b.controller.Touch(ctx, id)

	stamp := b.config.Clock.Now()
	if err := b.adapter.UpdateShape(ctx, id, patch); err != nil {
		return err
	}

	user := b.adapter.UserID()
	b.pushExpecting(
		func(shapes []model.Shape) []model.Shape {
			for i := range shapes {
				if shapes[i].ID == id {
					patch.Apply(&shapes[i])
				}
			}
			return shapes
		},
		func(shapes []model.Shape) bool {
			for _, s := range shapes {
				if s.ID == id {
					return s.ModifiedBy == user && !s.ModifiedAt.Before(stamp)
				}
			}
			// Deleted remotely; there is no echo left to wait for.
			return true
		},
	)
	return nil
}

// DeleteShape removes a shape. Idempotent; blocked while another user holds
// a fresh lock.
func (b *Board) DeleteShape(ctx context.Context, id string) error {
	if !b.controller.CanEdit(id) {
		return locking.ErrShapeBusy
	}

	// Clear local selection state first; the remote lock, if any, dies
	// with the shape.
	if b.controller.Selected(id) {
		_ = b.controller.Deselect(ctx, id)
	}

	if err := b.adapter.DeleteShape(ctx, id); err != nil {
		return err
	}

	b.pushExpecting(
		func(shapes []model.Shape) []model.Shape {
			out := shapes[:0]
			for _, s := range shapes {
				if s.ID != id {
					out = append(out, s)
				}
			}
			return out
		},
		func(shapes []model.Shape) bool {
			return !hasShape(shapes, id)
		},
	)
	return nil
}

// Select attempts to select a shape, taking its advisory lock. additive
// keeps the rest of the selection; a plain select releases it first.
// Returns locking.ErrShapeBusy when the lock race is lost.
func (b *Board) Select(ctx context.Context, id string, additive bool) error {
	return b.controller.Select(ctx, id, additive)
}

// DeselectAll clears the selection and releases held locks.
func (b *Board) DeselectAll(ctx context.Context) error {
	return b.controller.DeselectAll(ctx)
}

// Undo steps back one history entry and re-applies it against the store.
func (b *Board) Undo() bool {
	return b.history.Undo()
}

// Redo steps forward one history entry and re-applies it.
func (b *Board) Redo() bool {
	return b.history.Redo()
}

// CanUndo reports whether an earlier history entry exists.
func (b *Board) CanUndo() bool {
	return b.history.CanUndo()
}

// CanRedo reports whether a later history entry exists.
func (b *Board) CanRedo() bool {
	return b.history.CanRedo()
}

// Close releases held locks and tears down the subscription. Pending lock
// timers are cleared; no callbacks fire afterwards.
func (b *Board) Close(ctx context.Context) error {
	err := b.controller.Close(ctx)
	if cerr := b.adapter.Close(); err == nil {
		err = cerr
	}
	return err
}

// pushExpecting records a history entry for the state the collection will
// reach once the mutation echoes back. The base is the last echoed
// collection with every still-pending intent replayed on top, so an entry
// pushed before an earlier mutation's echo still contains that mutation.
// The intent stays in the overlay until echoed reports it in a snapshot;
// apply must be idempotent because replay can race a just-applied echo.
func (b *Board) pushExpecting(apply func([]model.Shape) []model.Shape, echoed func([]model.Shape) bool) {
	if b.history.Restoring() {
		return
	}
	b.intentMu.Lock()
	shapes := b.adapter.Shapes()
	for _, in := range b.intents {
		shapes = in.apply(shapes)
	}
	shapes = apply(shapes)
	b.intents = append(b.intents, intent{apply: apply, echoed: echoed})
	b.intentMu.Unlock()

	b.history.Push(shapes, b.controller.Selection())
}

func hasShape(shapes []model.Shape, id string) bool {
	for _, s := range shapes {
		if s.ID == id {
			return true
		}
	}
	return false
}

// restore is the history callback: it diffs the snapshot against the live
// collection and drives the store back to it. Shapes another client deleted
// in the meantime are re-created under their original ids; ids are client
// generated, so a re-create is well defined. Selection is re-taken best
// effort; lost lock races leave the shape unselected.
func (b *Board) restore(snap history.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Diff against the projected view: the last echo plus whatever local
	// mutations are still in flight. The restore writes supersede the
	// pending intents, so the overlay is dropped here.
	b.intentMu.Lock()
	current := b.adapter.Shapes()
	for _, in := range b.intents {
		current = in.apply(current)
	}
	b.intents = nil
	b.intentMu.Unlock()

	currentByID := make(map[string]model.Shape, len(current))
	for _, s := range current {
		currentByID[s.ID] = s
	}
	desired := make(map[string]struct{}, len(snap.Shapes))

	for _, want := range snap.Shapes {
		desired[want.ID] = struct{}{}
		// Lock state is live coordination, not document state; carry the
		// current lock instead of resurrecting the recorded one.
		want.Lock = currentByID[want.ID].Lock
		// A buffered patch would flush over the restored state later;
		// write it out first, then overwrite. Create is an upsert that
		// keeps the stored sequence, so it covers both shapes deleted in
		// the meantime and live ones the local view may be stale about.
		_ = b.adapter.Flush(ctx, want.ID)
		if err := b.adapter.CreateShape(ctx, want); err != nil {
			b.logger.Error("restore write failed",
				log.String("shape_id", want.ID), log.Error(err))
		}
	}

	for _, have := range current {
		if _, keep := desired[have.ID]; !keep {
			if err := b.adapter.DeleteShape(ctx, have.ID); err != nil {
				b.logger.Error("restore delete failed",
					log.String("shape_id", have.ID), log.Error(err))
			}
		}
	}

	_ = b.controller.DeselectAll(ctx)
	for _, id := range snap.Selection {
		if err := b.controller.Select(ctx, id, true); err != nil && !locking.Blocked(err) {
			b.logger.Warn("restore reselect failed",
				log.String("shape_id", id), log.Error(err))
		}
	}
}
