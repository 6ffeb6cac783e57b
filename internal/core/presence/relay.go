package presence

import (
	"context"
	"encoding/json"
	sc "sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/boardsync/boardsync/internal/core/observability/log"
)

// Relay accepts presence connections and rebroadcasts each datagram to the
// other members of the same scope. It holds no state beyond membership;
// whatever a member misses, it misses.
type Relay struct {
	listener *quic.Listener
	logger   log.Log

	mu      sc.Mutex
	members map[*quic.Conn]string // conn -> scope
	closed  int32                 // atomic bool
}

// NewRelay listens for presence connections on addr with a self-signed
// development certificate.
func NewRelay(addr string, logger log.Log) (*Relay, error) {
	if logger == nil {
		logger = log.Nop()
	}
	tlsConf, err := generateSelfSignedTLS()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, err
	}
	logger.Info("presence relay listening", log.String("addr", addr))
	return &Relay{
		listener: listener,
		logger:   logger,
		members:  make(map[*quic.Conn]string),
	}, nil
}

// Addr returns the bound listen address.
func (r *Relay) Addr() string {
	return r.listener.Addr().String()
}

// Run accepts connections until the relay is closed or ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if atomic.LoadInt32(&r.closed) == 1 || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.serve(conn)
	}
}

// Close stops accepting and drops every member.
func (r *Relay) Close() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return
	}
	_ = r.listener.Close()

	r.mu.Lock()
	for conn := range r.members {
		delete(r.members, conn)
		_ = conn.CloseWithError(0, "relay closed")
	}
	r.mu.Unlock()
}

// serve pumps one member's datagrams. The first decodable update pins the
// connection to its scope; every update is rebroadcast to the scope's other
// members, dropping silently on any send error.
func (r *Relay) serve(conn *quic.Conn) {
	defer func() {
		r.mu.Lock()
		delete(r.members, conn)
		r.mu.Unlock()
		_ = conn.CloseWithError(0, "presence member gone")
	}()

	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		var u Update
		if err = json.Unmarshal(data, &u); err != nil || u.Scope == "" {
			continue
		}

		r.mu.Lock()
		r.members[conn] = u.Scope
		for member, scope := range r.members {
			if member == conn || scope != u.Scope {
				continue
			}
			if err = member.SendDatagram(data); err != nil {
				r.logger.Debug("presence rebroadcast dropped", log.Error(err))
			}
		}
		r.mu.Unlock()
	}
}
