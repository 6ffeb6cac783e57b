package server

import (
	"context"
	"encoding/json"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boardsync/boardsync/internal/core/model"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/protocol/ws"
	"github.com/boardsync/boardsync/internal/core/store"
)

// session is one connected client. It owns the connection's write mutex and
// the client's store subscriptions.
type session struct {
	id     uint64
	conn   *websocket.Conn
	server *Server
	logger log.Log

	writeMu sc.Mutex
	closed  int32 // atomic bool

	subsMu sc.Mutex
	subs   map[string]store.UnsubscribeFunc
}

func newSession(id uint64, conn *websocket.Conn, server *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With(log.Int64("session_id", int64(id))),
		subs:   make(map[string]store.UnsubscribeFunc),
	}
}

// readLoop decodes request frames and applies them to the store until the
// connection drops. It returns after teardown.
func (s *session) readLoop() {
	defer s.close("read loop ended")

	if s.server.config.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.server.config.MaxMessageSize)
	}
	if s.server.config.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.server.config.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.server.config.ReadTimeout))
		})
		s.conn.SetPingHandler(func(appData string) error {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.config.ReadTimeout))
			return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection dropped", log.Error(err))
			}
			return
		}
		if s.server.config.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.config.ReadTimeout))
		}

		var req ws.Request
		if err = json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("undecodable request dropped", log.Error(err))
			continue
		}
		s.handle(req)
	}
}

// handle applies one request and acks it. Store errors are carried in the
// ack; they never tear the connection down.
func (s *session) handle(req ws.Request) {
	ctx := context.Background()
	st := s.server.store

	var granted bool
	var err error

	switch req.Op {
	case ws.OpSubscribe:
		err = s.subscribe(ctx, req.Scope)
	case ws.OpUnsubscribe:
		s.unsubscribe(req.Scope)
	case ws.OpCreate:
		if req.Shape == nil {
			err = errMissingField("shape")
		} else {
			err = st.Create(ctx, req.Scope, *req.Shape)
		}
	case ws.OpUpdate:
		if req.Patch == nil {
			err = errMissingField("patch")
		} else {
			err = st.Update(ctx, req.Scope, req.ID, *req.Patch)
		}
	case ws.OpRemove:
		err = st.Remove(ctx, req.Scope, req.ID)
	case ws.OpLock:
		granted, err = st.AcquireLock(ctx, req.Scope, req.ID, req.UserID)
	case ws.OpUnlock:
		err = st.ReleaseLock(ctx, req.Scope, req.ID)
	default:
		err = errUnknownOp(req.Op)
	}

	ack := ws.Frame{Type: ws.FrameAck, Seq: req.Seq, OK: err == nil, Granted: granted}
	if err != nil {
		ack.Error = err.Error()
		s.logger.Debug("request failed",
			log.String("op", req.Op),
			log.String("scope", req.Scope),
			log.Error(err))
	}
	s.send(ack)
}

func (s *session) subscribe(ctx context.Context, scope string) error {
	s.subsMu.Lock()
	if _, ok := s.subs[scope]; ok {
		s.subsMu.Unlock()
		return nil
	}
	s.subsMu.Unlock()

	unsub, err := s.server.store.Subscribe(ctx, scope, func(shapes []model.Shape) {
		s.send(ws.Frame{Type: ws.FrameSnapshot, Scope: scope, Shapes: shapes})
	})
	if err != nil {
		return err
	}

	s.subsMu.Lock()
	s.subs[scope] = unsub
	s.subsMu.Unlock()
	return nil
}

func (s *session) unsubscribe(scope string) {
	s.subsMu.Lock()
	unsub, ok := s.subs[scope]
	delete(s.subs, scope)
	s.subsMu.Unlock()
	if ok {
		unsub()
	}
}

// send writes a frame. Failures close the session; the client will redial.
func (s *session) send(frame ws.Frame) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame encode failed", log.Error(err))
		return
	}

	s.writeMu.Lock()
	if s.server.config.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout))
	}
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()

	if err != nil {
		s.logger.Debug("write failed, closing session", log.Error(err))
		s.close("write failed")
	}
}

// close tears the session down exactly once: subscriptions first, so no
// snapshot callback fires into a dead connection.
func (s *session) close(reason string) {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}

	s.subsMu.Lock()
	for scope, unsub := range s.subs {
		delete(s.subs, scope)
		unsub()
	}
	s.subsMu.Unlock()

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

type protocolError string

func (e protocolError) Error() string { return string(e) }

func errMissingField(field string) error {
	return protocolError("request is missing required field " + field)
}

func errUnknownOp(op string) error {
	return protocolError("unknown operation " + op)
}
