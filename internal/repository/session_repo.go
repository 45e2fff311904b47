package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// SessionRepository is the ledger of connection sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `connection_id, user_id, thread_id, state, close_code, close_reason, connected_at, last_activity, closed_at`

// Create records a session. A reconnect that reuses a connection ID reopens
// the existing row.
func (r *SessionRepository) Create(ctx context.Context, session *model.UserSession) error {
	query := `
		INSERT INTO connection_sessions (connection_id, user_id, thread_id, state, connected_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			state = excluded.state,
			connected_at = excluded.connected_at,
			last_activity = excluded.last_activity,
			close_code = NULL,
			close_reason = NULL,
			closed_at = NULL
		WHERE connection_sessions.user_id = excluded.user_id
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ConnectionID,
		session.UserID,
		nullString(session.ThreadID),
		session.State,
		session.ConnectedAt.UTC(),
		session.LastActivity.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &model.DuplicateConnectionError{ConnectionID: session.ConnectionID}
	}

	return nil
}

// MarkClosed records the close code and reason for a session.
func (r *SessionRepository) MarkClosed(ctx context.Context, connectionID string, code int, reason string, closedAt time.Time) error {
	query := `
		UPDATE connection_sessions
		SET state = ?, close_code = ?, close_reason = ?, closed_at = ?
		WHERE connection_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionClosed, code, reason, closedAt.UTC(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a session by its connection ID.
func (r *SessionRepository) GetByID(ctx context.Context, connectionID string) (*model.UserSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM connection_sessions WHERE connection_id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, connectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListByUser returns the user's sessions, most recent first. A non-positive
// limit returns all of them.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.UserSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM connection_sessions
		WHERE user_id = ?
		ORDER BY connected_at DESC, connection_id
	`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.UserSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// CountActiveByUser returns the number of sessions for a user that are not closed.
func (r *SessionRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM connection_sessions
		WHERE user_id = ? AND state != ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID, model.SessionClosed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}

	return count, nil
}

// CloseAllOpen marks every open session closed. It is used at startup to
// settle rows left behind by an unclean shutdown.
func (r *SessionRepository) CloseAllOpen(ctx context.Context, code int, reason string, closedAt time.Time) (int64, error) {
	query := `
		UPDATE connection_sessions
		SET state = ?, close_code = ?, close_reason = ?, closed_at = ?
		WHERE state != ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionClosed, code, reason, closedAt.UTC(), model.SessionClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return result.RowsAffected()
}

// PurgeClosedBefore deletes closed sessions older than cutoff.
func (r *SessionRepository) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM connection_sessions WHERE state = ? AND closed_at < ?`

	result, err := r.db.ExecContext(ctx, query, model.SessionClosed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.UserSession, error) {
	session := &model.UserSession{}
	var threadID sql.NullString
	var closeCode sql.NullInt64
	var closeReason sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&session.ConnectionID,
		&session.UserID,
		&threadID,
		&session.State,
		&closeCode,
		&closeReason,
		&session.ConnectedAt,
		&session.LastActivity,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	if threadID.Valid {
		session.ThreadID = threadID.String
	}

	if closeCode.Valid {
		code := int(closeCode.Int64)
		session.CloseCode = &code
	}

	if closeReason.Valid {
		session.CloseReason = closeReason.String
	}

	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
