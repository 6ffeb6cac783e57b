package ws

import (
	"context"
	"encoding/json"
	"fmt"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/store"
)

var _ store.ShapeStore = (*Client)(nil)

// ClientConfig holds WebSocket client configuration.
type ClientConfig struct {
	// RequestTimeout bounds how long a call waits for its ack.
	RequestTimeout time.Duration

	WriteTimeout time.Duration
	PingInterval time.Duration

	Logger log.Log
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   15 * time.Second,
		Logger:         log.Provide(),
	}
}

// Client is a ShapeStore backed by the boardsync server over one WebSocket
// connection. All frames are JSON text messages; writes are serialized by a
// write mutex, acks are correlated by sequence number, and snapshot pushes
// are dispatched to the subscribed scope's callback.
type Client struct {
	conn   *websocket.Conn
	config ClientConfig
	logger log.Log

	seq    atomic.Uint64
	closed atomic.Bool

	writeMu sc.Mutex

	pendingMu sc.Mutex
	pending   map[uint64]chan Frame

	subsMu sc.RWMutex
	subs   map[string]store.SnapshotFunc

	done chan struct{}
}

// Dial connects to a boardsync server at url (ws://host:port/sync).
func Dial(ctx context.Context, url string, config ClientConfig) (*Client, error) {
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		config:  config,
		logger:  config.Logger.With(log.String("server", url)),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[string]store.SnapshotFunc),
		done:    make(chan struct{}),
	}
	go c.readPump()
	if config.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// Subscribe registers for full-collection pushes of the scope. The server
// answers the subscribe with an ack and follows with the current snapshot.
func (c *Client) Subscribe(ctx context.Context, scope string, fn store.SnapshotFunc) (store.UnsubscribeFunc, error) {
	c.subsMu.Lock()
	c.subs[scope] = fn
	c.subsMu.Unlock()

	if _, err := c.call(ctx, Request{Op: OpSubscribe, Scope: scope}); err != nil {
		c.subsMu.Lock()
		delete(c.subs, scope)
		c.subsMu.Unlock()
		return nil, err
	}

	var once sc.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, scope)
			c.subsMu.Unlock()
			if _, err := c.call(context.Background(), Request{Op: OpUnsubscribe, Scope: scope}); err != nil {
				c.logger.Debug("unsubscribe failed", log.String("scope", scope), log.Error(err))
			}
		})
	}, nil
}

// Create persists a shape remotely.
func (c *Client) Create(ctx context.Context, scope string, shape model.Shape) error {
	_, err := c.call(ctx, Request{Op: OpCreate, Scope: scope, Shape: &shape})
	return err
}

// Update merges a patch into a remote shape.
func (c *Client) Update(ctx context.Context, scope, id string, patch model.Patch) error {
	_, err := c.call(ctx, Request{Op: OpUpdate, Scope: scope, ID: id, Patch: &patch})
	return err
}

// Remove deletes a remote shape.
func (c *Client) Remove(ctx context.Context, scope, id string) error {
	_, err := c.call(ctx, Request{Op: OpRemove, Scope: scope, ID: id})
	return err
}

// AcquireLock requests the advisory lock; the server performs the
// conditional write, so exactly one contending client is granted.
func (c *Client) AcquireLock(ctx context.Context, scope, id, userID string) (bool, error) {
	ack, err := c.call(ctx, Request{Op: OpLock, Scope: scope, ID: id, UserID: userID})
	if err != nil {
		return false, err
	}
	return ack.Granted, nil
}

// ReleaseLock clears the advisory lock.
func (c *Client) ReleaseLock(ctx context.Context, scope, id string) error {
	_, err := c.call(ctx, Request{Op: OpUnlock, Scope: scope, ID: id})
	return err
}

// Close tears the connection down. Pending calls fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()

	// Waiters wake up via the done channel; the pending map is cleared so
	// late acks have nowhere to land.
	c.pendingMu.Lock()
	c.pending = make(map[uint64]chan Frame)
	c.pendingMu.Unlock()
	return err
}

// call sends a request and waits for its ack.
func (c *Client) call(ctx context.Context, req Request) (Frame, error) {
	if c.closed.Load() {
		return Frame{}, ErrConnectionClosed
	}

	req.Seq = c.seq.Add(1)
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[req.Seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.Seq)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Frame{}, err
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrConnectionClosed
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, ErrConnectionClosed
		}
		if !ack.OK {
			return Frame{}, fmt.Errorf("%s %s: %s", req.Op, req.Scope, ack.Error)
		}
		return ack, nil
	}
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Op, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err = c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Op, err)
	}
	return nil
}

// readPump dispatches incoming frames: acks to their waiting call, snapshot
// pushes to the subscribed callback.
func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("connection lost", log.Error(err))
				_ = c.Close()
			}
			return
		}
		var frame Frame
		if err = json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("undecodable frame dropped", log.Error(err))
			continue
		}

		switch frame.Type {
		case FrameAck:
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.Seq]
			c.pendingMu.Unlock()
			if ok {
				ch <- frame
			}
		case FrameSnapshot:
			c.subsMu.RLock()
			fn, ok := c.subs[frame.Scope]
			c.subsMu.RUnlock()
			if ok {
				fn(frame.Shapes)
			}
		default:
			c.logger.Debug("unknown frame type", log.String("type", frame.Type))
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", log.Error(err))
			}
		}
	}
}
