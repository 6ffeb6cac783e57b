package sync

import (
	"context"
	"errors"
	sc "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/core/clock"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/store"
)

const testScope = "board-1"

// recordingStore is a ShapeStore double that records calls and lets tests
// push snapshots synchronously.
type recordingStore struct {
	mu      sc.Mutex
	ops     []string
	updates []model.Patch
	created []model.Shape
	fn      store.SnapshotFunc

	failWith error
	granted  bool
}

var _ store.ShapeStore = (*recordingStore)(nil)

func (r *recordingStore) Subscribe(_ context.Context, _ string, fn store.SnapshotFunc) (store.UnsubscribeFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.fn = fn
	r.ops = append(r.ops, "subscribe")
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fn = nil
		r.ops = append(r.ops, "unsubscribe")
	}, nil
}

func (r *recordingStore) Create(_ context.Context, _ string, shape model.Shape) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "create "+shape.ID)
	r.created = append(r.created, shape)
	return r.failWith
}

func (r *recordingStore) Update(_ context.Context, _ string, id string, patch model.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "update "+id)
	r.updates = append(r.updates, patch)
	return r.failWith
}

func (r *recordingStore) Remove(_ context.Context, _ string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "remove "+id)
	return r.failWith
}

func (r *recordingStore) AcquireLock(_ context.Context, _ string, id, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "lock "+id)
	return r.granted, r.failWith
}

func (r *recordingStore) ReleaseLock(_ context.Context, _ string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "unlock "+id)
	return r.failWith
}

func (r *recordingStore) push(shapes []model.Shape) {
	r.mu.Lock()
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(shapes)
	}
}

func (r *recordingStore) opLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

func newTestAdapter(t *testing.T, st store.ShapeStore, c clock.Clock) *Adapter {
	t.Helper()
	a := NewAdapter(st, "alice", Config{
		CoalesceWindow: 150 * time.Millisecond,
		Clock:          c,
		Logger:         log.Nop(),
	})
	require.NoError(t, a.Initialize(context.Background(), testScope))
	return a
}

func TestAdapter_InitializeAppliesSnapshot(t *testing.T) {
	rec := &recordingStore{}
	a := newTestAdapter(t, rec, clock.NewFake(time.Unix(0, 0)))
	defer func() { _ = a.Close() }()

	assert.True(t, a.Loading())

	s := model.New(model.KindRectangle)
	rec.push([]model.Shape{s})

	assert.False(t, a.Loading())
	shapes := a.Shapes()
	require.Len(t, shapes, 1)
	assert.Equal(t, s.ID, shapes[0].ID)
}

func TestAdapter_InitializeFailureLeavesReadableError(t *testing.T) {
	boom := errors.New("boom")
	rec := &recordingStore{failWith: boom}
	a := NewAdapter(rec, "alice", Config{Clock: clock.NewFake(time.Unix(0, 0)), Logger: log.Nop()})
	defer func() { _ = a.Close() }()

	err := a.Initialize(context.Background(), testScope)
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, a.Err(), boom)
	assert.True(t, a.Loading(), "the scope stays pending until a snapshot lands")
	assert.Empty(t, a.Shapes())

	a.ClearErr()
	assert.NoError(t, a.Err())
}

func TestAdapter_CreateShapeStampsProvenanceAndWaitsForEcho(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(500, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()
	rec.push(nil)

	s := model.New(model.KindCircle)
	require.NoError(t, a.CreateShape(context.Background(), s))

	// Not in the local list until the subscription echoes it back.
	assert.Empty(t, a.Shapes())

	rec.mu.Lock()
	require.Len(t, rec.created, 1)
	sent := rec.created[0]
	rec.mu.Unlock()
	assert.Equal(t, "alice", sent.CreatedBy)
	assert.Equal(t, "alice", sent.ModifiedBy)
	assert.Equal(t, fake.Now(), sent.CreatedAt)

	rec.push([]model.Shape{sent})
	require.Len(t, a.Shapes(), 1)
}

func TestAdapter_CreateShapeKeepsExistingProvenance(t *testing.T) {
	rec := &recordingStore{}
	a := newTestAdapter(t, rec, clock.NewFake(time.Unix(0, 0)))
	defer func() { _ = a.Close() }()

	s := model.New(model.KindCircle)
	s.CreatedBy = "bob"
	s.CreatedAt = time.Unix(42, 0)
	require.NoError(t, a.CreateShape(context.Background(), s))

	rec.mu.Lock()
	sent := rec.created[0]
	rec.mu.Unlock()
	assert.Equal(t, "bob", sent.CreatedBy, "restores keep the original creator")
	assert.Equal(t, time.Unix(42, 0), sent.CreatedAt)
	assert.Equal(t, "alice", sent.ModifiedBy)
}

func TestAdapter_UpdateCoalescesWithinWindow(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(10)}))
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(20), Y: model.Float(5)}))
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{Fill: model.String("#ff0000")}))

	// Nothing written until the window elapses.
	assert.Equal(t, []string{"subscribe"}, rec.opLog())

	fake.Advance(150 * time.Millisecond)

	ops := rec.opLog()
	require.Equal(t, []string{"subscribe", "update s1"}, ops, "three updates coalesce into one write")

	rec.mu.Lock()
	merged := rec.updates[0]
	rec.mu.Unlock()
	assert.Equal(t, float64(20), *merged.X, "last write wins per field")
	assert.Equal(t, float64(5), *merged.Y)
	assert.Equal(t, "#ff0000", *merged.Fill)
	assert.Equal(t, "alice", *merged.ModifiedBy)
}

func TestAdapter_UpdateDistinctShapesBufferIndependently(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(1)}))
	require.NoError(t, a.UpdateShape(ctx, "s2", model.Patch{X: model.Float(2)}))

	fake.Advance(150 * time.Millisecond)
	assert.Len(t, rec.opLog(), 3) // subscribe + two updates
}

func TestAdapter_ZeroPatchIsDropped(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	require.NoError(t, a.UpdateShape(context.Background(), "s1", model.Patch{}))
	fake.Advance(time.Second)
	assert.Equal(t, []string{"subscribe"}, rec.opLog())
}

func TestAdapter_FlushWritesImmediately(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(10)}))
	require.NoError(t, a.Flush(ctx, "s1"))

	assert.Equal(t, []string{"subscribe", "update s1"}, rec.opLog())

	// The stopped timer must not fire a second write.
	fake.Advance(time.Second)
	assert.Equal(t, []string{"subscribe", "update s1"}, rec.opLog())

	// Flushing with nothing buffered is a no-op.
	require.NoError(t, a.Flush(ctx, "s1"))
	assert.Equal(t, []string{"subscribe", "update s1"}, rec.opLog())
}

func TestAdapter_UnlockFlushesBeforeRelease(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(10)}))
	require.NoError(t, a.UnlockShape(ctx, "s1"))

	assert.Equal(t, []string{"subscribe", "update s1", "unlock s1"}, rec.opLog(),
		"buffered drag state lands before the lock releases")
}

func TestAdapter_DeleteDiscardsBufferedPatch(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	ctx := context.Background()
	require.NoError(t, a.UpdateShape(ctx, "s1", model.Patch{X: model.Float(10)}))
	require.NoError(t, a.DeleteShape(ctx, "s1"))

	fake.Advance(time.Second)
	assert.Equal(t, []string{"subscribe", "remove s1"}, rec.opLog(),
		"the delete supersedes the buffered update")
}

func TestAdapter_RemoteFailureSetsErrButKeepsState(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)
	defer func() { _ = a.Close() }()

	s := model.New(model.KindRectangle)
	rec.push([]model.Shape{s})

	boom := errors.New("down")
	rec.mu.Lock()
	rec.failWith = boom
	rec.mu.Unlock()

	err := a.CreateShape(context.Background(), model.New(model.KindCircle))
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, a.Err(), boom)

	// The local collection is untouched by the failure.
	assert.Len(t, a.Shapes(), 1)
}

func TestAdapter_ReinitializeDropsStaleSnapshots(t *testing.T) {
	rec := &recordingStore{}
	a := newTestAdapter(t, rec, clock.NewFake(time.Unix(0, 0)))
	defer func() { _ = a.Close() }()

	rec.mu.Lock()
	staleFn := rec.fn
	rec.mu.Unlock()

	require.NoError(t, a.Initialize(context.Background(), "board-2"))
	require.True(t, a.Loading())

	// A push racing the re-initialize arrives on the old subscription.
	staleFn([]model.Shape{model.New(model.KindRectangle)})

	assert.True(t, a.Loading(), "stale snapshot must not satisfy the new scope")
	assert.Empty(t, a.Shapes())

	rec.push([]model.Shape{model.New(model.KindCircle), model.New(model.KindStar)})
	assert.Len(t, a.Shapes(), 2)
}

func TestAdapter_OnChangeReceivesCopies(t *testing.T) {
	rec := &recordingStore{}
	a := newTestAdapter(t, rec, clock.NewFake(time.Unix(0, 0)))
	defer func() { _ = a.Close() }()

	var got []model.Shape
	a.OnChange(func(shapes []model.Shape) { got = shapes })

	s := model.New(model.KindRectangle)
	rec.push([]model.Shape{s})

	require.Len(t, got, 1)
	got[0].Transform.X = 999

	fresh := a.Shapes()
	assert.Equal(t, float64(0), fresh[0].Transform.X, "callback copy must not alias adapter state")
}

func TestAdapter_CloseStopsEverything(t *testing.T) {
	rec := &recordingStore{}
	fake := clock.NewFake(time.Unix(0, 0))
	a := newTestAdapter(t, rec, fake)

	require.NoError(t, a.UpdateShape(context.Background(), "s1", model.Patch{X: model.Float(1)}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "double close is fine")

	fake.Advance(time.Second)
	assert.Equal(t, []string{"subscribe", "unsubscribe"}, rec.opLog(),
		"buffered writes die with the adapter")

	assert.ErrorIs(t, a.Initialize(context.Background(), testScope), store.ErrClosed)
}
