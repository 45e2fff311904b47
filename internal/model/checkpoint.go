package model

import "time"

// SyncStatus is the synchronizer's verdict on a checkpoint.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusDesynced SyncStatus = "DESYNCED"
)

// InternalState is the server's own record of a connection's lifecycle.
type InternalState string

const (
	InternalConnected InternalState = "connected"
	InternalClosing   InternalState = "closing"
	InternalClosed    InternalState = "closed"
)

// SyncEventType names the reason a checkpoint was flagged.
type SyncEventType string

const (
	SyncEventStateDesync     SyncEventType = "state_desync"
	SyncEventActivityTimeout SyncEventType = "activity_timeout"
)

// StateCheckpoint is the synchronizer's recorded belief about one connection.
type StateCheckpoint struct {
	ConnectionID   string
	UserID         string
	TransportState TransportState
	InternalState  InternalState
	Status         SyncStatus
	LastActivity   time.Time
	DesyncReason   SyncEventType
	Audits         int
}

// SyncEvent is delivered to callbacks when a checkpoint becomes DESYNCED.
type SyncEvent struct {
	Type         SyncEventType
	ConnectionID string
	UserID       string
	Previous     TransportState
	Current      TransportState
	LastActivity time.Time
	DetectedAt   time.Time
}
