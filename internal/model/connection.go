package model

import (
	"context"
	"time"
)

// TransportState is the state label a transport reports for itself.
type TransportState string

const (
	TransportConnecting TransportState = "CONNECTING"
	TransportConnected  TransportState = "CONNECTED"
	TransportClosing    TransportState = "CLOSING"
	TransportClosed     TransportState = "CLOSED"
)

// IsTerminal reports whether the transport can no longer deliver messages.
func (s TransportState) IsTerminal() bool {
	return s == TransportClosing || s == TransportClosed
}

// Standard WebSocket close codes used by the backbone.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	ClosePolicy        = 1008
	CloseTryAgainLater = 1013
)

// Transport is the handle a connection writes through. Implementations must
// be safe for concurrent use; Send must not block on a slow peer.
type Transport interface {
	// Send queues a payload for delivery.
	Send(ctx context.Context, payload []byte) error

	// Close closes the transport with a WebSocket close code and reason.
	Close(code int, reason string) error

	// State returns the live transport state label.
	State(ctx context.Context) (TransportState, error)
}

// Connection is a live, authenticated transport owned by one user.
type Connection struct {
	ID        string
	UserID    string
	ThreadID  string
	Transport Transport
	CreatedAt time.Time
}

// Owns reports whether the connection belongs to userID.
func (c *Connection) Owns(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}
