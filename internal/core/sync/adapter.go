// Package sync bridges the remote shape store to a locally observable shape
// list. The adapter owns the subscription lifecycle for one scope at a time
// and translates local intents into remote calls, coalescing rapid updates
// to the same shape into one write.
package sync

import (
	"context"
	"fmt"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/boardsync/boardsync/internal/core/clock"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/store"
)

// Config holds adapter configuration.
type Config struct {
	// CoalesceWindow bounds how long an update to a shape may sit in the
	// write buffer before it is flushed remotely. Zero disables coalescing
	// and every update is written through immediately.
	CoalesceWindow time.Duration

	Clock  clock.Clock
	Logger log.Log
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		CoalesceWindow: 150 * time.Millisecond,
		Clock:          clock.New(),
		Logger:         log.Provide(),
	}
}

// Adapter is the single source of truth translation between the remote
// ShapeStore and the local shape list. Remote pushes replace the local list
// wholesale and atomically; local mutations go out through the store and
// come back through the subscription echo.
type Adapter struct {
	store  store.ShapeStore
	userID string
	config Config
	logger log.Log

	mu          sc.RWMutex
	scope       string
	shapes      []model.Shape
	loading     bool
	err         error
	unsubscribe store.UnsubscribeFunc
	generation  uint64
	closed      bool

	onChange atomic.Pointer[func(shapes []model.Shape)]

	pendingMu sc.Mutex
	pending   map[string]*pendingWrite
}

type pendingWrite struct {
	patch model.Patch
	timer clock.Timer
}

// NewAdapter creates an adapter for one client identified by userID.
func NewAdapter(st store.ShapeStore, userID string, config Config) *Adapter {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	return &Adapter{
		store:   st,
		userID:  userID,
		config:  config,
		logger:  config.Logger.With(log.String("user_id", userID)),
		loading: true,
		pending: make(map[string]*pendingWrite),
	}
}

// UserID returns the client identity the adapter stamps onto writes.
func (a *Adapter) UserID() string {
	return a.userID
}

// Initialize establishes the subscription for scope, tearing down any prior
// one first. A failed subscription leaves an empty, still-loading collection
// and a readable error; the caller decides whether to re-Initialize.
func (a *Adapter) Initialize(ctx context.Context, scope string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return store.ErrClosed
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.discardPending()
	a.scope = scope
	a.shapes = nil
	a.loading = true
	a.err = nil
	a.generation++
	gen := a.generation
	a.mu.Unlock()

	unsub, err := a.store.Subscribe(ctx, scope, func(shapes []model.Shape) {
		a.applySnapshot(gen, shapes)
	})
	if err != nil {
		wrapped := fmt.Errorf("subscribe %q: %w", scope, err)
		a.mu.Lock()
		if gen == a.generation {
			// Loading stays true: the scope has no usable state until a
			// re-Initialize succeeds and a snapshot lands.
			a.err = wrapped
		}
		a.mu.Unlock()
		a.logger.Error("subscription failed", log.String("scope", scope), log.Error(err))
		return wrapped
	}

	a.mu.Lock()
	if gen != a.generation || a.closed {
		// Re-initialized or closed while subscribing.
		a.mu.Unlock()
		unsub()
		return nil
	}
	a.unsubscribe = unsub
	a.mu.Unlock()

	a.logger.Info("scope attached", log.String("scope", scope))
	return nil
}

// applySnapshot replaces the local list wholesale. Stale generations (pushes
// racing a re-Initialize or Close) are dropped so no callback fires into
// defunct state.
func (a *Adapter) applySnapshot(gen uint64, shapes []model.Shape) {
	a.mu.Lock()
	if gen != a.generation || a.closed {
		a.mu.Unlock()
		return
	}
	a.shapes = shapes
	a.loading = false
	a.mu.Unlock()

	if fn := a.onChange.Load(); fn != nil {
		(*fn)(model.CloneAll(shapes))
	}
}

// OnChange registers a callback invoked with a copy of the collection after
// every applied snapshot.
func (a *Adapter) OnChange(fn func(shapes []model.Shape)) {
	a.onChange.Store(&fn)
}

// Shapes returns a deep copy of the current local collection.
func (a *Adapter) Shapes() []model.Shape {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return model.CloneAll(a.shapes)
}

// Shape returns the current state of one shape by id.
func (a *Adapter) Shape(id string) (model.Shape, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.shapes {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return model.Shape{}, false
}

// Loading reports whether the adapter is still waiting for the first
// snapshot of the current scope.
func (a *Adapter) Loading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loading
}

// Err returns the most recent remote failure, or nil. The next successful
// snapshot does not clear it; ClearErr does.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// ClearErr resets the readable error state.
func (a *Adapter) ClearErr() {
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()
}

// CreateShape stamps provenance and persists the shape. The local list is
// not touched: the shape appears when the subscription echoes it back, so a
// duplicate-then-merge window cannot exist.
func (a *Adapter) CreateShape(ctx context.Context, shape model.Shape) error {
	now := a.config.Clock.Now()
	if shape.CreatedBy == "" {
		shape.CreatedBy = a.userID
		shape.CreatedAt = now
	}
	shape.ModifiedBy = a.userID
	shape.ModifiedAt = now

	if err := a.store.Create(ctx, a.currentScope(), shape); err != nil {
		return a.fail("create shape", shape.ID, err)
	}
	return nil
}

// UpdateShape merges a patch into the shape's pending write buffer. The
// buffer flushes when the coalescing window elapses, or earlier via Flush,
// UnlockShape or DeleteShape. Within one client, writes to the same shape
// keep issue order because at most one write per shape is in flight.
func (a *Adapter) UpdateShape(ctx context.Context, id string, patch model.Patch) error {
	if patch.IsZero() {
		return nil
	}
	patch.ModifiedBy = model.String(a.userID)
	patch.ModifiedAt = model.Time(a.config.Clock.Now())

	if a.config.CoalesceWindow <= 0 {
		if err := a.store.Update(ctx, a.currentScope(), id, patch); err != nil {
			return a.fail("update shape", id, err)
		}
		return nil
	}

	a.pendingMu.Lock()
	if pw, ok := a.pending[id]; ok {
		pw.patch = pw.patch.Merge(patch)
		a.pendingMu.Unlock()
		return nil
	}
	pw := &pendingWrite{patch: patch}
	pw.timer = a.config.Clock.AfterFunc(a.config.CoalesceWindow, func() {
		a.flush(context.Background(), id)
	})
	a.pending[id] = pw
	a.pendingMu.Unlock()
	return nil
}

// Flush writes the shape's buffered patch out immediately.
func (a *Adapter) Flush(ctx context.Context, id string) error {
	return a.flush(ctx, id)
}

func (a *Adapter) flush(ctx context.Context, id string) error {
	a.pendingMu.Lock()
	pw, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		pw.timer.Stop()
	}
	a.pendingMu.Unlock()
	if !ok {
		return nil
	}

	if err := a.store.Update(ctx, a.currentScope(), id, pw.patch); err != nil {
		return a.fail("flush shape", id, err)
	}
	return nil
}

// DeleteShape removes the shape remotely. A buffered patch for the id is
// discarded: the delete supersedes it. Idempotent.
func (a *Adapter) DeleteShape(ctx context.Context, id string) error {
	a.pendingMu.Lock()
	if pw, ok := a.pending[id]; ok {
		delete(a.pending, id)
		pw.timer.Stop()
	}
	a.pendingMu.Unlock()

	if err := a.store.Remove(ctx, a.currentScope(), id); err != nil {
		return a.fail("delete shape", id, err)
	}
	return nil
}

// LockShape attempts to take the advisory lock for this client.
func (a *Adapter) LockShape(ctx context.Context, id string) (bool, error) {
	granted, err := a.store.AcquireLock(ctx, a.currentScope(), id, a.userID)
	if err != nil {
		return false, a.fail("lock shape", id, err)
	}
	return granted, nil
}

// UnlockShape flushes any buffered patch first so the final state of a drag
// is not lost, then releases the lock.
func (a *Adapter) UnlockShape(ctx context.Context, id string) error {
	if err := a.flush(ctx, id); err != nil {
		return err
	}
	if err := a.store.ReleaseLock(ctx, a.currentScope(), id); err != nil {
		return a.fail("unlock shape", id, err)
	}
	return nil
}

// Close tears down the subscription and drops buffered writes. No callback
// fires after Close returns a consistent view.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.generation++
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.discardPending()
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return nil
}

// discardPending stops all coalescing timers. Callers hold a.mu.
func (a *Adapter) discardPending() {
	a.pendingMu.Lock()
	for id, pw := range a.pending {
		pw.timer.Stop()
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()
}

func (a *Adapter) currentScope() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scope
}

// fail records and wraps a remote failure. Local state is left alone; the
// next snapshot push is the source of truth.
func (a *Adapter) fail(op, id string, err error) error {
	wrapped := fmt.Errorf("%s %s: %w", op, id, err)
	a.mu.Lock()
	a.err = wrapped
	a.mu.Unlock()
	a.logger.Error("remote operation failed",
		log.String("op", op),
		log.String("shape_id", id),
		log.Error(err))
	return wrapped
}
