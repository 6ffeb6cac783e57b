package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	sc "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/core/board"
	"github.com/boardsync/boardsync/internal/core/locking"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/protocol/ws"
	syncx "github.com/boardsync/boardsync/internal/core/sync"
)

// newTestEndpoint serves the sync handler over httptest and returns the
// ws:// URL clients dial.
func newTestEndpoint(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(Config{
		LockStaleness:  10 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		LogLevel:       log.LevelSilent,
	}, log.Nop())

	hs := httptest.NewServer(http.HandlerFunc(srv.handleSync))
	t.Cleanup(func() {
		hs.Close()
		_ = srv.store.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dialTestClient(t *testing.T, url string) *ws.Client {
	t.Helper()
	c, err := ws.Dial(context.Background(), url, ws.ClientConfig{
		RequestTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   10 * time.Second,
		Logger:         log.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_CreateAndSnapshotOverWire(t *testing.T) {
	_, url := newTestEndpoint(t)
	c := dialTestClient(t, url)

	ctx := context.Background()
	var mu sc.Mutex
	var latest []model.Shape
	unsub, err := c.Subscribe(ctx, "board-1", func(shapes []model.Shape) {
		mu.Lock()
		latest = shapes
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	s := model.New(model.KindStar)
	s.Payload = model.StarPayload{Points: 7, InnerRadius: 0.4}
	require.NoError(t, c.Create(ctx, "board-1", s))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := latest[0]
	mu.Unlock()
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, model.StarPayload{Points: 7, InnerRadius: 0.4}, got.Payload,
		"payload variants survive the wire")
}

func TestServer_LockContentionOverWire(t *testing.T) {
	_, url := newTestEndpoint(t)
	alice := dialTestClient(t, url)
	bob := dialTestClient(t, url)

	ctx := context.Background()
	s := model.New(model.KindRectangle)
	require.NoError(t, alice.Create(ctx, "board-1", s))

	granted, err := alice.AcquireLock(ctx, "board-1", s.ID, "alice")
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = bob.AcquireLock(ctx, "board-1", s.ID, "bob")
	require.NoError(t, err)
	assert.False(t, granted, "grant decision crosses connections")

	require.NoError(t, alice.ReleaseLock(ctx, "board-1", s.ID))

	granted, err = bob.AcquireLock(ctx, "board-1", s.ID, "bob")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestServer_UpdateReachesOtherSubscribers(t *testing.T) {
	_, url := newTestEndpoint(t)
	alice := dialTestClient(t, url)
	bob := dialTestClient(t, url)

	ctx := context.Background()
	s := model.New(model.KindCircle)
	require.NoError(t, alice.Create(ctx, "board-1", s))

	var mu sc.Mutex
	var latest []model.Shape
	unsub, err := bob.Subscribe(ctx, "board-1", func(shapes []model.Shape) {
		mu.Lock()
		latest = shapes
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, alice.Update(ctx, "board-1", s.ID, model.Patch{X: model.Float(77)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Transform.X == 77
	}, 2*time.Second, 5*time.Millisecond)
}

// The full stack over a real socket: two board sessions converging through
// the server instead of sharing a store in process.
func TestServer_BoardSessionsOverWire(t *testing.T) {
	_, url := newTestEndpoint(t)
	aliceConn := dialTestClient(t, url)
	bobConn := dialTestClient(t, url)

	cfg := board.Config{
		Sync: syncx.Config{CoalesceWindow: 0, Logger: log.Nop()},
		Locking: locking.Config{
			Staleness:   10 * time.Second,
			AutoRelease: 5 * time.Second,
			Logger:      log.Nop(),
		},
		HistoryLimit: 50,
		Logger:       log.Nop(),
	}

	ctx := context.Background()
	alice := board.New(aliceConn, "alice", cfg)
	require.NoError(t, alice.Attach(ctx, "board-1"))
	defer func() { _ = alice.Close(ctx) }()

	bob := board.New(bobConn, "bob", cfg)
	require.NoError(t, bob.Attach(ctx, "board-1"))
	defer func() { _ = bob.Close(ctx) }()

	require.Eventually(t, alice.Ready, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, bob.Ready, 2*time.Second, 5*time.Millisecond)

	created, err := alice.AddShape(ctx, model.KindRectangle, model.Patch{X: model.Float(100)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := bob.Shape(created.ID)
		return ok && got.Transform.X == 100
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Select(ctx, created.ID, false))
	require.Eventually(t, func() bool {
		return alice.LockState(created.ID) == locking.LockedByOtherFresh
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, alice.UpdateShape(ctx, created.ID, model.Patch{X: model.Float(1)}),
		locking.ErrShapeBusy)
}

func TestServer_StopDoesNotWaitOnConnectedSessions(t *testing.T) {
	srv := NewServer(Config{
		ListenAddr:     "127.0.0.1:0",
		LockStaleness:  10 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		LogLevel:       log.LevelSilent,
	}, log.Nop())
	require.NoError(t, srv.Start(context.Background()))

	c := dialTestClient(t, "ws://"+srv.Addr()+"/sync")
	_, err := c.Subscribe(context.Background(), "board-1", func([]model.Shape) {})
	require.NoError(t, err)

	// An open session must not hold the drain until its timeout expires.
	start := time.Now()
	require.NoError(t, srv.Stop())
	assert.Less(t, time.Since(start), 2*time.Second,
		"shutdown closes live sessions instead of waiting them out")
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := NewServer(Config{LogLevel: log.LevelSilent}, log.Nop())
	defer func() { _ = srv.store.Close() }()

	hs := httptest.NewServer(http.HandlerFunc(srv.handleHealth))
	defer hs.Close()

	resp, err := http.Get(hs.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BadRequestsAreAckedNotFatal(t *testing.T) {
	_, url := newTestEndpoint(t)
	c := dialTestClient(t, url)

	ctx := context.Background()
	err := c.Update(ctx, "board-1", "", model.Patch{})
	assert.NoError(t, err, "update of a missing shape is a store-level no-op")

	// The connection survives and keeps working.
	s := model.New(model.KindRectangle)
	require.NoError(t, c.Create(ctx, "board-1", s))
}
