// Package ws implements the wire protocol between a board client and the
// shape-store server: JSON text frames over WebSocket, request/ack
// correlation by sequence number, and server-pushed full snapshots.
package ws

import (
	"errors"

	"github.com/boardsync/boardsync/internal/core/model"
)

var (
	// ErrConnectionClosed is returned for operations on a closed client.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Operation names carried in request frames.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpCreate      = "create"
	OpUpdate      = "update"
	OpRemove      = "remove"
	OpLock        = "lock"
	OpUnlock      = "unlock"
)

// Server-to-client frame types.
const (
	FrameAck      = "ack"
	FrameSnapshot = "snapshot"
)

// Request is a client-to-server frame. Seq correlates the ack.
type Request struct {
	Seq    uint64       `json:"seq"`
	Op     string       `json:"op"`
	Scope  string       `json:"scope"`
	ID     string       `json:"id,omitempty"`
	UserID string       `json:"userId,omitempty"`
	Shape  *model.Shape `json:"shape,omitempty"`
	Patch  *model.Patch `json:"patch,omitempty"`
}

// Frame is a server-to-client frame: either an ack for a request or a
// pushed snapshot for a subscribed scope.
type Frame struct {
	Type string `json:"type"`

	// Ack fields.
	Seq     uint64 `json:"seq,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Granted bool   `json:"granted,omitempty"`
	Error   string `json:"error,omitempty"`

	// Snapshot fields.
	Scope  string        `json:"scope,omitempty"`
	Shapes []model.Shape `json:"shapes,omitempty"`
}
