package model

import "time"

// SessionState is the lifecycle state of a user session.
type SessionState string

const (
	SessionConnecting    SessionState = "CONNECTING"
	SessionConnected     SessionState = "CONNECTED"
	SessionDisconnecting SessionState = "DISCONNECTING"
	SessionClosed        SessionState = "CLOSED"
)

// UserSession is one connection's session as seen by the session registry.
type UserSession struct {
	ConnectionID string       `json:"connectionId"`
	UserID       string       `json:"userId"`
	ThreadID     string       `json:"threadId,omitempty"`
	State        SessionState `json:"state"`
	ConnectedAt  time.Time    `json:"connectedAt"`
	LastActivity time.Time    `json:"lastActivity"`
	CloseCode    *int         `json:"closeCode,omitempty"`
	CloseReason  string       `json:"closeReason,omitempty"`
	ClosedAt     *time.Time   `json:"closedAt,omitempty"`
}

// Duration returns how long the session has been (or was) open.
func (s *UserSession) Duration() time.Duration {
	if s.ClosedAt != nil {
		return s.ClosedAt.Sub(s.ConnectedAt)
	}
	return time.Since(s.ConnectedAt)
}
