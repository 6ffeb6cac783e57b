package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/boardsync/boardsync/internal/core/clock"
	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
)

// shardCount is the number of scope shards. Scopes hash to shards so
// unrelated boards never contend on one mutex.
const shardCount = 16

var _ ShapeStore = (*Memory)(nil)

// Config holds Memory store configuration.
type Config struct {
	// Staleness is the lock age beyond which AcquireLock may override a
	// lock held by another user.
	Staleness time.Duration

	Clock  clock.Clock
	Logger log.Log
}

// DefaultConfig returns the default Memory configuration.
func DefaultConfig() Config {
	return Config{
		Staleness: 10 * time.Second,
		Clock:     clock.New(),
		Logger:    log.Provide(),
	}
}

// Memory is an in-memory ShapeStore. It backs the server and serves as the
// remote-store double in tests. Snapshot fan-out is asynchronous per
// subscriber with latest-wins conflation, so a slow subscriber only ever
// skips intermediate states, never blocks a writer.
type Memory struct {
	config Config
	shards [shardCount]*memShard
	closed atomic.Bool
}

type memShard struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState
}

type scopeState struct {
	mu      sync.Mutex
	shapes  map[string]model.Shape
	seq     uint64
	freed   map[string]uint64 // removed id -> its sequence slot
	subs    map[uint64]*subscriber
	nextSub uint64
}

type subscriber struct {
	fn   SnapshotFunc
	ch   chan []model.Shape
	done chan struct{}
	once sync.Once
}

// NewMemory creates an in-memory shape store.
func NewMemory(config Config) *Memory {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	m := &Memory{config: config}
	for i := range m.shards {
		m.shards[i] = &memShard{scopes: make(map[string]*scopeState)}
	}
	return m
}

func (m *Memory) scope(key string, create bool) *scopeState {
	shard := m.shards[xxhash.Sum64String(key)%shardCount]

	shard.mu.RLock()
	sc, ok := shard.scopes[key]
	shard.mu.RUnlock()
	if ok || !create {
		return sc
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if sc, ok = shard.scopes[key]; ok {
		return sc
	}
	sc = &scopeState{
		shapes: make(map[string]model.Shape),
		freed:  make(map[string]uint64),
		subs:   make(map[uint64]*subscriber),
	}
	shard.scopes[key] = sc
	return sc
}

// Subscribe registers fn and delivers the current collection right away.
func (m *Memory) Subscribe(_ context.Context, scope string, fn SnapshotFunc) (UnsubscribeFunc, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	sc := m.scope(scope, true)

	sub := &subscriber{
		fn:   fn,
		ch:   make(chan []model.Shape, 1),
		done: make(chan struct{}),
	}
	go sub.pump()

	sc.mu.Lock()
	id := sc.nextSub
	sc.nextSub++
	sc.subs[id] = sub
	sub.offer(snapshotLocked(sc))
	sc.mu.Unlock()

	m.config.Logger.Debug("subscriber attached", log.String("scope", scope))

	return func() {
		sc.mu.Lock()
		delete(sc.subs, id)
		sc.mu.Unlock()
		sub.stop()
	}, nil
}

// Create persists a shape. An id that exists, or existed before a Remove,
// keeps its insertion sequence so z-order tie-breaks stay stable across a
// delete-then-recreate (the history restore path).
func (m *Memory) Create(_ context.Context, scope string, shape model.Shape) error {
	if m.closed.Load() {
		return ErrClosed
	}

	sc := m.scope(scope, true)

	sc.mu.Lock()
	if prev, ok := sc.shapes[shape.ID]; ok {
		shape.Seq = prev.Seq
	} else if seq, ok := sc.freed[shape.ID]; ok {
		shape.Seq = seq
		delete(sc.freed, shape.ID)
	} else {
		sc.seq++
		shape.Seq = sc.seq
	}
	sc.shapes[shape.ID] = shape.Clone()
	m.publishLocked(sc)
	sc.mu.Unlock()

	return nil
}

// Update merges patch into the shape. Missing ids are a silent no-op.
func (m *Memory) Update(_ context.Context, scope, id string, patch model.Patch) error {
	if m.closed.Load() {
		return ErrClosed
	}

	sc := m.scope(scope, false)
	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	shape, ok := sc.shapes[id]
	if !ok {
		return nil
	}
	patch.Apply(&shape)
	sc.shapes[id] = shape
	m.publishLocked(sc)
	return nil
}

// Remove deletes the shape. Idempotent; a second delete publishes nothing.
func (m *Memory) Remove(_ context.Context, scope, id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	sc := m.scope(scope, false)
	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	shape, ok := sc.shapes[id]
	if !ok {
		return nil
	}
	sc.freed[id] = shape.Seq
	delete(sc.shapes, id)
	m.publishLocked(sc)
	return nil
}

// AcquireLock is the conditional write that makes lock contention safe: the
// check and the set happen under the scope mutex, so exactly one concurrent
// caller can win. A lock older than the staleness threshold is overridden.
func (m *Memory) AcquireLock(_ context.Context, scope, id, userID string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}

	sc := m.scope(scope, false)
	if sc == nil {
		return false, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	shape, ok := sc.shapes[id]
	if !ok {
		return false, nil
	}

	now := m.config.Clock.Now()
	if shape.Lock.Locked && shape.Lock.By != userID && !shape.Lock.Stale(now, m.config.Staleness) {
		return false, nil
	}

	shape.Lock = model.Lock{Locked: true, By: userID, At: now}
	sc.shapes[id] = shape
	m.publishLocked(sc)
	return true, nil
}

// ReleaseLock clears the lock. Idempotent.
func (m *Memory) ReleaseLock(_ context.Context, scope, id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	sc := m.scope(scope, false)
	if sc == nil {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	shape, ok := sc.shapes[id]
	if !ok || !shape.Lock.Locked {
		return nil
	}
	shape.Lock = model.Lock{}
	sc.shapes[id] = shape
	m.publishLocked(sc)
	return nil
}

// Close shuts the store down. Subsequent operations return ErrClosed and all
// subscriber pumps stop.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, shard := range m.shards {
		shard.mu.Lock()
		for _, sc := range shard.scopes {
			sc.mu.Lock()
			for id, sub := range sc.subs {
				delete(sc.subs, id)
				sub.stop()
			}
			sc.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return nil
}

// publishLocked fans the current collection out to every subscriber.
// Caller holds sc.mu.
func (m *Memory) publishLocked(sc *scopeState) {
	if len(sc.subs) == 0 {
		return
	}
	base := snapshotLocked(sc)
	for _, sub := range sc.subs {
		sub.offer(model.CloneAll(base))
	}
}

// snapshotLocked builds an insertion-ordered deep copy of the collection.
// Caller holds sc.mu.
func snapshotLocked(sc *scopeState) []model.Shape {
	out := make([]model.Shape, 0, len(sc.shapes))
	for _, s := range sc.shapes {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// offer hands a snapshot to the subscriber, replacing any undelivered one.
func (s *subscriber) offer(snap []model.Shape) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.ch:
			s.fn(snap)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
