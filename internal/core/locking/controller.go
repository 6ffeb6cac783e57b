// Package locking enforces "at most one active editor per shape" with
// advisory, time-bounded locks layered on the store's conditional lock
// write. Selection is local-only state; the locks it takes are what other
// clients observe.
package locking

import (
	"context"
	"errors"
	sc "sync"
	"time"

	"github.com/boardsync/boardsync/internal/core/clock"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	syncx "github.com/boardsync/boardsync/internal/core/sync"
)

var (
	// ErrShapeBusy signals a blocked action on a shape freshly locked by
	// another user. It is an expected outcome, not a failure: callers
	// surface it as an indicator, never as an error dialog.
	ErrShapeBusy = errors.New("shape is locked by another user")

	// ErrShapeMissing signals a selection attempt on a shape that is no
	// longer in the collection.
	ErrShapeMissing = errors.New("shape no longer exists")
)

// Blocked reports whether err is a normal blocked-action signal rather than
// a remote failure.
func Blocked(err error) bool {
	return errors.Is(err, ErrShapeBusy) || errors.Is(err, ErrShapeMissing)
}

// State is the lock state of a shape as observed by this client.
type State uint8

const (
	Unlocked State = iota
	LockedByMe
	LockedByOtherFresh
	LockedByOtherStale
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LockedByMe:
		return "locked-by-me"
	case LockedByOtherFresh:
		return "locked-by-other"
	case LockedByOtherStale:
		return "locked-by-other-stale"
	default:
		return "unknown"
	}
}

// Config holds controller configuration. Both durations are the only
// timing-based behaviors of the protocol and must come from configuration,
// not be scattered as constants.
type Config struct {
	// Staleness is the lock age beyond which another client may override.
	Staleness time.Duration

	// AutoRelease bounds how long this client holds a lock without
	// explicit release. It covers a tab that closed without teardown and
	// is deliberately shorter than Staleness.
	AutoRelease time.Duration

	Clock  clock.Clock
	Logger log.Log
}

// DefaultConfig returns the default lock timing configuration.
func DefaultConfig() Config {
	return Config{
		Staleness:   10 * time.Second,
		AutoRelease: 5 * time.Second,
		Clock:       clock.New(),
		Logger:      log.Provide(),
	}
}

// Controller tracks this client's selection and the locks backing it.
type Controller struct {
	adapter *syncx.Adapter
	config  Config
	logger  log.Log

	mu        sc.Mutex
	selection []string
	held      map[string]clock.Timer
	closed    bool
}

// NewController creates a controller bound to one client's adapter.
func NewController(adapter *syncx.Adapter, config Config) *Controller {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	return &Controller{
		adapter:   adapter,
		config:    config,
		logger:    config.Logger.With(log.String("user_id", adapter.UserID())),
		held:      make(map[string]clock.Timer),
		selection: nil,
	}
}

// Select attempts to select the shape. A plain select (additive=false)
// first releases everything outside the new target; an additive select
// toggles membership without disturbing other held locks.
//
// The shape is only added to the selection if the remote lock is granted.
// Losing the race returns ErrShapeBusy and the selection is unchanged.
func (c *Controller) Select(ctx context.Context, id string, additive bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is closed")
	}
	if additive && c.selectedLocked(id) {
		c.mu.Unlock()
		return c.Deselect(ctx, id)
	}
	var toRelease []string
	if !additive {
		for _, held := range c.selection {
			if held != id {
				toRelease = append(toRelease, held)
			}
		}
	}
	alreadySelected := c.selectedLocked(id)
	c.mu.Unlock()

	for _, held := range toRelease {
		if err := c.Deselect(ctx, held); err != nil {
			c.logger.Warn("release during reselect failed",
				log.String("shape_id", held), log.Error(err))
		}
	}
	if alreadySelected {
		return nil
	}

	if _, ok := c.adapter.Shape(id); !ok {
		return ErrShapeMissing
	}
	if c.LockState(id) == LockedByOtherFresh {
		return ErrShapeBusy
	}

	granted, err := c.adapter.LockShape(ctx, id)
	if err != nil {
		return err
	}
	if !granted {
		return ErrShapeBusy
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Closed between the grant and here; hand the lock back rather
		// than stranding it until staleness.
		_ = c.adapter.UnlockShape(ctx, id)
		return errors.New("controller is closed")
	}
	c.selection = append(c.selection, id)
	c.armLocked(id)
	c.mu.Unlock()
	c.logger.Debug("shape selected", log.String("shape_id", id))
	return nil
}

// Deselect removes the shape from the selection and releases its lock if
// this client holds it.
func (c *Controller) Deselect(ctx context.Context, id string) error {
	c.mu.Lock()
	idx := -1
	for i, held := range c.selection {
		if held == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return nil
	}
	c.selection = append(c.selection[:idx], c.selection[idx+1:]...)
	c.disarmLocked(id)
	c.mu.Unlock()

	return c.adapter.UnlockShape(ctx, id)
}

// DeselectAll clears the selection and releases every held lock.
func (c *Controller) DeselectAll(ctx context.Context) error {
	c.mu.Lock()
	ids := append([]string(nil), c.selection...)
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.Deselect(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Selection returns a copy of the ordered selected ids.
func (c *Controller) Selection() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selection...)
}

// Selected reports whether the shape is in this client's selection.
func (c *Controller) Selected(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedLocked(id)
}

// LockState classifies the shape's lock as observed right now.
func (c *Controller) LockState(id string) State {
	shape, ok := c.adapter.Shape(id)
	if !ok || !shape.Lock.Locked {
		return Unlocked
	}
	if shape.Lock.HeldBy(c.adapter.UserID()) {
		return LockedByMe
	}
	if shape.Lock.Stale(c.config.Clock.Now(), c.config.Staleness) {
		return LockedByOtherStale
	}
	return LockedByOtherFresh
}

// CanEdit reports whether a mutation of the shape is permitted: anything
// but a fresh foreign lock. Missing shapes are editable so that deletes
// racing remote deletes stay idempotent no-ops downstream.
func (c *Controller) CanEdit(id string) bool {
	return c.LockState(id) != LockedByOtherFresh
}

// Touch refreshes the lock and the safety timer for a shape this client is
// actively editing, so a long drag is not auto-released mid-gesture.
func (c *Controller) Touch(ctx context.Context, id string) {
	c.mu.Lock()
	if _, holding := c.held[id]; !holding {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Re-acquiring a lock we hold refreshes its timestamp.
	if granted, err := c.adapter.LockShape(ctx, id); err == nil && granted {
		c.mu.Lock()
		if _, holding := c.held[id]; holding {
			c.armLocked(id)
		}
		c.mu.Unlock()
	}
}

// ObserveSnapshot reconciles local selection against a remote push: ids
// deleted by other clients are pruned silently, and locks the remote no
// longer attributes to us (a stale override won) are dropped.
func (c *Controller) ObserveSnapshot(shapes []model.Shape) {
	byID := make(map[string]model.Shape, len(shapes))
	for _, s := range shapes {
		byID[s.ID] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.selection[:0]
	for _, id := range c.selection {
		shape, ok := byID[id]
		if !ok {
			c.disarmLocked(id)
			c.logger.Debug("selection pruned, shape deleted remotely",
				log.String("shape_id", id))
			continue
		}
		if _, holding := c.held[id]; holding && !shape.Lock.HeldBy(c.adapter.UserID()) {
			c.disarmLocked(id)
			c.logger.Debug("lock lost remotely", log.String("shape_id", id))
			continue
		}
		kept = append(kept, id)
	}
	c.selection = kept
}

// Close releases all held locks and stops the safety timers. The controller
// cannot be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := append([]string(nil), c.selection...)
	c.selection = nil
	for id := range c.held {
		c.disarmLocked(id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.adapter.UnlockShape(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// selectedLocked reports membership. Caller holds c.mu.
func (c *Controller) selectedLocked(id string) bool {
	for _, held := range c.selection {
		if held == id {
			return true
		}
	}
	return false
}

// armLocked starts (or restarts) the safety auto-release timer for a held
// lock. Caller holds c.mu.
func (c *Controller) armLocked(id string) {
	if t, ok := c.held[id]; ok {
		t.Stop()
	}
	c.held[id] = c.config.Clock.AfterFunc(c.config.AutoRelease, func() {
		c.autoRelease(id)
	})
}

// disarmLocked stops the safety timer. Caller holds c.mu.
func (c *Controller) disarmLocked(id string) {
	if t, ok := c.held[id]; ok {
		t.Stop()
		delete(c.held, id)
	}
}

// autoRelease fires when a lock was held past the safety interval without
// release or refresh. The lock is released and the shape deselected so this
// client cannot keep editing a shape it no longer holds.
func (c *Controller) autoRelease(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, holding := c.held[id]; !holding {
		c.mu.Unlock()
		return
	}
	delete(c.held, id)
	for i, held := range c.selection {
		if held == id {
			c.selection = append(c.selection[:i], c.selection[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.logger.Warn("lock auto-released", log.String("shape_id", id))
	if err := c.adapter.UnlockShape(context.Background(), id); err != nil {
		c.logger.Error("auto-release failed", log.String("shape_id", id), log.Error(err))
	}
}
