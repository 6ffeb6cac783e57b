package presence

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/boardsync/boardsync/internal/core/observability/log"
)

// Client publishes this user's cursor into a scope and receives peers'.
type Client struct {
	conn   *quic.Conn
	scope  string
	userID string
	logger log.Log

	closed atomic.Bool
	onPeer atomic.Pointer[func(Update)]
	done   chan struct{}

	lastX atomic.Value // float64
	lastY atomic.Value // float64
}

// Dial connects to the presence relay and announces the user in the scope.
func Dial(ctx context.Context, addr, scope, userID string, logger log.Log) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}

	// The relay serves a self-signed development certificate; presence
	// traffic is ephemeral cursor positions, so verification is skipped
	// rather than requiring a PKI for it.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{protocolName},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("dial presence relay %s: %w", addr, err)
	}

	c := &Client{
		conn:   conn,
		scope:  scope,
		userID: userID,
		logger: logger.With(log.String("scope", scope), log.String("user_id", userID)),
		done:   make(chan struct{}),
	}
	c.lastX.Store(0.0)
	c.lastY.Store(0.0)

	// First datagram doubles as the join announcement.
	if err = c.send(Update{Scope: scope, UserID: userID, Active: true, SentAt: time.Now()}); err != nil {
		_ = c.Close()
		return nil, err
	}

	go c.receivePump()
	go c.heartbeatLoop()
	return c, nil
}

// SendCursor publishes the cursor position. Losing one is fine; the next
// movement or heartbeat replaces it.
func (c *Client) SendCursor(x, y float64) error {
	if c.closed.Load() {
		return nil
	}
	c.lastX.Store(x)
	c.lastY.Store(y)
	return c.send(Update{
		Scope:  c.scope,
		UserID: c.userID,
		X:      x,
		Y:      y,
		Active: true,
		SentAt: time.Now(),
	})
}

// OnPeer registers the callback invoked for every peer update received.
func (c *Client) OnPeer(fn func(Update)) {
	c.onPeer.Store(&fn)
}

// Close announces departure best effort and drops the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	_ = c.send(Update{Scope: c.scope, UserID: c.userID, Active: false, SentAt: time.Now()})
	return c.conn.CloseWithError(0, "presence client closed")
}

func (c *Client) send(u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode presence update: %w", err)
	}
	if err = c.conn.SendDatagram(data); err != nil {
		// Best effort: log at debug and move on.
		c.logger.Debug("presence datagram dropped", log.Error(err))
	}
	return nil
}

func (c *Client) receivePump() {
	for {
		data, err := c.conn.ReceiveDatagram(context.Background())
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("presence receive ended", log.Error(err))
			}
			return
		}
		var u Update
		if err = json.Unmarshal(data, &u); err != nil {
			continue
		}
		if u.UserID == c.userID {
			continue
		}
		if fn := c.onPeer.Load(); fn != nil {
			(*fn)(u)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			x, _ := c.lastX.Load().(float64)
			y, _ := c.lastY.Load().(float64)
			_ = c.send(Update{
				Scope:  c.scope,
				UserID: c.userID,
				X:      x,
				Y:      y,
				Active: true,
				SentAt: time.Now(),
			})
		}
	}
}
