// Package store defines the remote shape-collection contract the sync layer
// is built against, together with an in-memory implementation that backs the
// server and doubles as the test harness.
package store

import (
	"context"
	"errors"

	"github.com/boardsync/boardsync/internal/core/model"
)

var (
	// ErrClosed is returned by operations on a store that has been shut down.
	ErrClosed = errors.New("store is closed")
)

// SnapshotFunc receives the full shape collection of a scope on every change.
// The slice is a deep copy owned by the receiver; mutating it never affects
// the store or other subscribers.
type SnapshotFunc func(shapes []model.Shape)

// UnsubscribeFunc tears down a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// ShapeStore is the contract of the remote persisted shape collection.
// All operations are keyed by a scope (project+canvas pair); every mutation
// fans the resulting full collection out to the scope's subscribers.
//
// AcquireLock is the one conditional operation: under contention exactly one
// caller wins, and a stale lock may be overridden without the holder acting.
// Locks are otherwise advisory; Update does not check them.
type ShapeStore interface {
	// Subscribe registers fn for scope and immediately delivers the current
	// collection. The returned function cancels the subscription.
	Subscribe(ctx context.Context, scope string, fn SnapshotFunc) (UnsubscribeFunc, error)

	// Create persists a new shape. Creating an id that already exists
	// replaces the stored shape, which is what a history restore relies on.
	Create(ctx context.Context, scope string, shape model.Shape) error

	// Update merges patch into the shape with the given id. Missing ids are
	// a silent no-op, not an error: deletes race with updates by design.
	Update(ctx context.Context, scope, id string, patch model.Patch) error

	// Remove deletes the shape. Idempotent.
	Remove(ctx context.Context, scope, id string) error

	// AcquireLock attempts to take the advisory lock for userID. It reports
	// whether the lock was granted. A fresh lock held by another user loses;
	// a stale one is overridden.
	AcquireLock(ctx context.Context, scope, id, userID string) (bool, error)

	// ReleaseLock clears the advisory lock. Idempotent.
	ReleaseLock(ctx context.Context, scope, id string) error
}
