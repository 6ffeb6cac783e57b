// Package server hosts the shared shape store: a WebSocket endpoint that
// clients drive with the ws wire protocol, and a QUIC relay for ephemeral
// presence traffic. State lives in an in-memory store; every mutation fans
// the scope's full collection out to its subscribers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	sc "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/core/presence"
	"github.com/boardsync/boardsync/internal/core/store"
)

// Config holds server configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string

	// PresenceAddr is the QUIC listen address for the presence relay.
	// Empty disables presence.
	PresenceAddr string

	// LockStaleness is the lock age beyond which a lock may be overridden.
	LockStaleness time.Duration

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	LogLevel log.Level
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		PresenceAddr:   "127.0.0.1:8443",
		LockStaleness:  10 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		LogLevel:       log.LevelInfo,
	}
}

// Server is the boardsync shape-store server.
type Server struct {
	config Config
	logger log.Log

	store    *store.Memory
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
	relay    *presence.Relay

	sessions     sc.Map // map[uint64]*session
	sessionCount int64  // atomic
	nextSession  atomic.Uint64

	running int32 // atomic bool
	group   *errgroup.Group
}

// NewServer creates a server around a fresh in-memory store.
func NewServer(config Config, logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	logger.SetLevel(config.LogLevel)

	st := store.NewMemory(store.Config{
		Staleness: config.LockStaleness,
		Logger:    logger,
	})

	s := &Server{
		config: config,
		logger: logger,
		store:  st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The sync endpoint carries no credentials; origin policy is
			// the deployment proxy's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{
		Addr:    config.ListenAddr,
		Handler: mux,
	}
	return s
}

// Store exposes the backing store, mainly for tests.
func (s *Server) Store() *store.Memory {
	return s.store
}

// Addr returns the bound sync listener address. Valid after Start; it is how
// callers learn the port when configured with ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Start brings the WebSocket listener and the presence relay up. It returns
// once both are running; failures after startup surface through Stop.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}
	s.listener = ln

	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	group.Go(func() error {
		s.logger.Info("sync listener starting", log.String("addr", ln.Addr().String()))
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.config.PresenceAddr != "" {
		relay, err := presence.NewRelay(s.config.PresenceAddr, s.logger)
		if err != nil {
			_ = s.httpSrv.Close()
			return err
		}
		s.relay = relay
		group.Go(func() error {
			return relay.Run(ctx)
		})
	}

	return nil
}

// Stop drains the listeners and shuts the store down.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.logger.Info("server stopping")

	// Sessions first: their handlers only return once the connection
	// closes, so draining them the other way round stalls the shutdown
	// until its timeout.
	s.sessions.Range(func(_, value any) bool {
		value.(*session).close("server shutdown")
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)

	if s.relay != nil {
		s.relay.Close()
	}
	_ = s.store.Close()

	if s.group != nil {
		if gerr := s.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Error(err))
		return
	}

	id := s.nextSession.Add(1)
	sess := newSession(id, conn, s)
	s.sessions.Store(id, sess)
	atomic.AddInt64(&s.sessionCount, 1)
	s.logger.Info("session connected",
		log.Int64("session_id", int64(id)),
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.Int64("sessions", atomic.LoadInt64(&s.sessionCount)))

	sess.readLoop()

	s.sessions.Delete(id)
	atomic.AddInt64(&s.sessionCount, -1)
	s.logger.Info("session disconnected", log.Int64("session_id", int64(id)))
}
