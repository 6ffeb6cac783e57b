package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/store"
)

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/sync", ClientConfig{Logger: log.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestClient_OperationsAfterCloseFail(t *testing.T) {
	// A closed client fails fast without touching the dead connection.
	c := &Client{
		config:  ClientConfig{Logger: log.Nop()},
		logger:  log.Nop(),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[string]store.SnapshotFunc),
		done:    make(chan struct{}),
	}
	c.closed.Store(true)

	ctx := context.Background()
	assert.ErrorIs(t, c.Create(ctx, "board-1", model.New(model.KindRectangle)), ErrConnectionClosed)
	assert.ErrorIs(t, c.Update(ctx, "board-1", "x", model.Patch{}), ErrConnectionClosed)
	assert.ErrorIs(t, c.Remove(ctx, "board-1", "x"), ErrConnectionClosed)
	_, err := c.AcquireLock(ctx, "board-1", "x", "alice")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.ReleaseLock(ctx, "board-1", "x"), ErrConnectionClosed)
}
