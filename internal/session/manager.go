package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/registry"
)

// CheckpointTracker is the part of the state synchronizer the session
// registry drives.
type CheckpointTracker interface {
	Track(conn *model.Connection, state model.TransportState)
	Untrack(connectionID string) bool
	SetInternalState(connectionID string, state model.InternalState) bool
	RecordActivity(connectionID string) bool
}

// SessionStore persists the session ledger.
type SessionStore interface {
	Create(ctx context.Context, session *model.UserSession) error
	MarkClosed(ctx context.Context, connectionID string, code int, reason string, closedAt time.Time) error
}

// ReplaySource hands attach the user's recently emitted frames while no
// new frame for that user can be emitted.
type ReplaySource interface {
	Attach(userID string, attach func(recent [][]byte) error) error
}

// Config holds configuration for the session manager.
type Config struct {
	// MaxConnectionsPerUser caps concurrent connections per user. Zero means no limit.
	MaxConnectionsPerUser int

	Store  SessionStore
	Replay ReplaySource
	Clock  clock.Clock
	Logger *slog.Logger
}

// ConnectOptions carries the optional parts of a connect request.
type ConnectOptions struct {
	ConnectionID string
	ThreadID     string
}

// Manager tracks which users hold which connections and drives each
// connection through its session lifecycle.
type Manager struct {
	conns   *registry.Registry
	tracker CheckpointTracker
	store   SessionStore
	replay  ReplaySource
	clock   clock.Clock
	logger  *slog.Logger

	maxConnectionsPerUser int

	// writeMu serializes registry mutations.
	writeMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*model.UserSession
}

// NewManager creates a new session manager.
func NewManager(conns *registry.Registry, tracker CheckpointTracker, config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Manager{
		conns:                 conns,
		tracker:               tracker,
		store:                 config.Store,
		replay:                config.Replay,
		clock:                 config.Clock,
		logger:                config.Logger.With("component", "session_registry"),
		maxConnectionsPerUser: config.MaxConnectionsPerUser,
		sessions:              make(map[string]*model.UserSession),
	}
}

// ConnectUser registers transport as a connection owned by userID. A known
// connection ID reconnecting for the same user swaps in the new transport;
// an ID held by another user is rejected with a DuplicateConnectionError.
func (m *Manager) ConnectUser(ctx context.Context, userID string, transport model.Transport, opts ConnectOptions) (*model.Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("connect: %w", model.ErrUnauthorized)
	}
	if transport == nil {
		return nil, errors.New("connect: nil transport")
	}

	if m.replay == nil {
		return m.connect(ctx, userID, transport, opts)
	}

	// Registering and replaying under Attach means a concurrent agent frame
	// lands either in the replay or in the live stream after it.
	var conn *model.Connection
	err := m.replay.Attach(userID, func(recent [][]byte) error {
		c, err := m.connect(ctx, userID, transport, opts)
		if err != nil {
			return err
		}
		conn = c
		m.replayTo(ctx, c, recent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) connect(ctx context.Context, userID string, transport model.Transport, opts ConnectOptions) (*model.Connection, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	id := opts.ConnectionID
	if id == "" {
		id = uuid.New().String()
	}

	now := m.clock.Now()
	conn := &model.Connection{
		ID:        id,
		UserID:    userID,
		ThreadID:  opts.ThreadID,
		Transport: transport,
		CreatedAt: now,
	}
	session := &model.UserSession{
		ConnectionID: id,
		UserID:       userID,
		ThreadID:     opts.ThreadID,
		State:        model.SessionConnecting,
		ConnectedAt:  now,
		LastActivity: now,
	}

	var replaced model.Transport
	existing, known := m.conns.Get(id)
	if known {
		if !existing.Owns(userID) {
			m.logger.Warn("connection id claimed by another user",
				"security", true,
				"connection_id", id,
				"claimed_user", userID,
			)
			return nil, &model.DuplicateConnectionError{ConnectionID: id}
		}
		conn.CreatedAt = existing.CreatedAt
		if existing.Transport != transport {
			replaced = existing.Transport
		}
		m.conns.Replace(conn)
	} else {
		if m.maxConnectionsPerUser > 0 {
			if held := len(m.conns.ConnectionsForUser(userID)); held >= m.maxConnectionsPerUser {
				return nil, fmt.Errorf("%w: user holds %d of %d", model.ErrConnectionLimit, held, m.maxConnectionsPerUser)
			}
		}
		if err := m.conns.Add(conn); err != nil {
			return nil, err
		}
	}

	if m.store != nil {
		row := *session
		row.State = model.SessionConnected
		if err := m.store.Create(ctx, &row); err != nil {
			var dup *model.DuplicateConnectionError
			if errors.As(err, &dup) {
				if known {
					m.conns.Replace(existing)
				} else {
					m.conns.Remove(id)
				}
				return nil, err
			}
			m.logger.Warn("failed to record session", "connection_id", id, "error", err)
		}
	}

	if replaced != nil {
		if err := replaced.Close(model.CloseNormal, "replaced by reconnect"); err != nil {
			m.logger.Debug("failed to close replaced transport", "connection_id", id, "error", err)
		}
	}

	m.tracker.Track(conn, liveState(ctx, transport))

	session.State = model.SessionConnected
	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.logger.Info("user connected",
		"connection_id", id,
		"user_id", userID,
		"thread_id", opts.ThreadID,
		"reconnect", replaced != nil,
	)
	return conn, nil
}

func liveState(ctx context.Context, transport model.Transport) model.TransportState {
	state, err := transport.State(ctx)
	if err != nil || state == "" {
		return model.TransportConnected
	}
	return state
}

// replayTo sends the user's recent frames to a freshly connected transport.
func (m *Manager) replayTo(ctx context.Context, conn *model.Connection, frames [][]byte) {
	if len(frames) == 0 {
		return
	}

	events := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		events = append(events, json.RawMessage(f))
	}

	payload, err := model.NewMessage(model.EventHistory, map[string]any{"events": events}).Encode()
	if err != nil {
		m.logger.Error("failed to encode history", "connection_id", conn.ID, "error", err)
		return
	}
	if err := conn.Transport.Send(ctx, payload); err != nil {
		m.logger.Debug("failed to replay history", "connection_id", conn.ID, "error", err)
	}
}

// DisconnectUser closes the user's connection that uses transport. A nil
// transport disconnects every connection the user holds.
func (m *Manager) DisconnectUser(ctx context.Context, userID string, transport model.Transport, code int, reason string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var targets []*model.Connection
	for _, id := range m.conns.ConnectionsForUser(userID) {
		conn, ok := m.conns.Get(id)
		if !ok {
			continue
		}
		if transport == nil || conn.Transport == transport {
			targets = append(targets, conn)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("disconnect user %s: %w", userID, model.ErrConnectionNotFound)
	}

	for _, conn := range targets {
		m.disconnectLocked(ctx, conn, code, reason)
	}
	return nil
}

// DisconnectConnection closes one connection by ID.
func (m *Manager) DisconnectConnection(ctx context.Context, connectionID string, code int, reason string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn, ok := m.conns.Get(connectionID)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", connectionID, model.ErrConnectionNotFound)
	}
	m.disconnectLocked(ctx, conn, code, reason)
	return nil
}

func (m *Manager) disconnectLocked(ctx context.Context, conn *model.Connection, code int, reason string) {
	m.mu.Lock()
	session := m.sessions[conn.ID]
	if session != nil {
		session.State = model.SessionDisconnecting
	}
	m.mu.Unlock()
	m.tracker.SetInternalState(conn.ID, model.InternalClosing)

	// Close errors are logged and never stop cleanup.
	if err := conn.Transport.Close(code, reason); err != nil {
		m.logger.Warn("failed to close transport", "connection_id", conn.ID, "error", err)
	}

	m.conns.Remove(conn.ID)
	m.tracker.SetInternalState(conn.ID, model.InternalClosed)
	m.tracker.Untrack(conn.ID)

	now := m.clock.Now()
	m.mu.Lock()
	if session != nil {
		session.State = model.SessionClosed
		session.CloseCode = &code
		session.CloseReason = reason
		session.ClosedAt = &now
	}
	delete(m.sessions, conn.ID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.MarkClosed(ctx, conn.ID, code, reason, now); err != nil {
			m.logger.Warn("failed to record session close", "connection_id", conn.ID, "error", err)
		}
	}

	m.logger.Info("user disconnected",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"code", code,
		"reason", reason,
	)
}

// IsUserConnected reports whether userID holds at least one connection.
func (m *Manager) IsUserConnected(userID string) bool {
	return m.conns.HasUser(userID)
}

// Touch records inbound activity on a connection.
func (m *Manager) Touch(connectionID string) bool {
	now := m.clock.Now()

	m.mu.Lock()
	session, ok := m.sessions[connectionID]
	if ok {
		session.LastActivity = now
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.tracker.RecordActivity(connectionID)
	return true
}

// Session returns a copy of the live session for connectionID.
func (m *Manager) Session(connectionID string) (model.UserSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[connectionID]
	if !ok {
		return model.UserSession{}, false
	}
	return *session, true
}

// Sessions returns copies of every live session, oldest first.
func (m *Manager) Sessions() []model.UserSession {
	m.mu.RLock()
	out := make([]model.UserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sortSessions(out)
	return out
}

// SessionsForUser returns copies of the user's live sessions, oldest first.
func (m *Manager) SessionsForUser(userID string) []model.UserSession {
	m.mu.RLock()
	var out []model.UserSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	m.mu.RUnlock()

	sortSessions(out)
	return out
}

func sortSessions(s []model.UserSession) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].ConnectedAt.Equal(s[j].ConnectedAt) {
			return s[i].ConnectedAt.Before(s[j].ConnectedAt)
		}
		return s[i].ConnectionID < s[j].ConnectionID
	})
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MaxConnectionsPerUser returns the per-user connection cap.
func (m *Manager) MaxConnectionsPerUser() int {
	return m.maxConnectionsPerUser
}

// ReapStale disconnects sessions with no activity for longer than maxAge,
// and sessions whose transport already reports closing or closed. A
// non-positive maxAge only reaps dead transports. It returns how many
// sessions were reaped.
func (m *Manager) ReapStale(ctx context.Context, maxAge time.Duration) int {
	reaped := 0
	for _, s := range m.Sessions() {
		if ctx.Err() != nil {
			break
		}
		if m.reapIfStale(ctx, s.ConnectionID, maxAge) {
			reaped++
		}
	}
	return reaped
}

func (m *Manager) reapIfStale(ctx context.Context, connectionID string, maxAge time.Duration) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn, ok := m.conns.Get(connectionID)
	if !ok {
		return false
	}

	// Re-read under the write lock so a session touched since the snapshot survives.
	m.mu.RLock()
	session, ok := m.sessions[connectionID]
	var last time.Time
	if ok {
		last = session.LastActivity
	}
	m.mu.RUnlock()
	if !ok {
		return false
	}

	reason := ""
	if maxAge > 0 && m.clock.Now().Sub(last) > maxAge {
		reason = "stale session"
	} else if state, err := conn.Transport.State(ctx); err == nil && state.IsTerminal() {
		reason = "transport closed"
	}
	if reason == "" {
		return false
	}

	m.disconnectLocked(ctx, conn, model.CloseGoingAway, reason)
	return true
}

// CloseAll disconnects every live session.
func (m *Manager) CloseAll(ctx context.Context, code int, reason string) int {
	closed := 0
	for _, s := range m.Sessions() {
		if err := m.DisconnectConnection(ctx, s.ConnectionID, code, reason); err == nil {
			closed++
		}
	}
	return closed
}
