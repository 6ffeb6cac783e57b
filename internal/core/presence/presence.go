// Package presence carries ephemeral who-is-here and live-cursor traffic
// over QUIC datagrams. The channel is best effort by contract: datagrams
// are unacknowledged and may be dropped or reordered; nothing here is
// persisted and nothing downstream depends on delivery.
package presence

import (
	"time"
)

// protocolName is the ALPN identifier of the presence channel.
const protocolName = "boardsync-presence"

// heartbeatInterval is how often a client re-announces itself when the
// cursor is idle, so peers can age it out.
const heartbeatInterval = 2 * time.Second

// Update is one presence datagram: a cursor position or a heartbeat from
// one user in one scope. Leaving is signaled by Active=false; silence works
// too, peers expire an entry after a few missed heartbeats.
type Update struct {
	Scope  string    `json:"scope"`
	UserID string    `json:"userId"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Active bool      `json:"active"`
	SentAt time.Time `json:"sentAt"`
}
