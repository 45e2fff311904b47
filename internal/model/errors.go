package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateConnection is returned when a connection ID is already registered.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrConnectionNotFound is returned when a connection is not registered.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrIsolationViolation is returned when a user acts on a connection it does not own.
	ErrIsolationViolation = errors.New("isolation violation")

	// ErrConnectionLimit is returned when a user already holds the maximum number of connections.
	ErrConnectionLimit = errors.New("connection limit exceeded")

	// ErrTransportClosed is returned when sending on a transport that is closing or closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidSequence is returned when an agent event arrives out of lifecycle order.
	ErrInvalidSequence = errors.New("invalid agent event sequence")

	// ErrUnauthorized is returned when a credential cannot be validated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionNotFound is returned when the session ledger has no record.
	ErrSessionNotFound = errors.New("session not found")
)

// DuplicateConnectionError reports the identifier that collided on registration.
// The caller must generate a new identifier.
type DuplicateConnectionError struct {
	ConnectionID string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection %q already registered", e.ConnectionID)
}

// Unwrap lets errors.Is match ErrDuplicateConnection.
func (e *DuplicateConnectionError) Unwrap() error {
	return ErrDuplicateConnection
}
