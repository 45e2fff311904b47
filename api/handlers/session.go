// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/netra-systems/zen-sub342/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SessionLedger reads persisted connection sessions.
type SessionLedger interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.UserSession, error)
}

// LiveSessions is the session registry as seen by the HTTP API.
type LiveSessions interface {
	Session(connectionID string) (model.UserSession, bool)
	SessionsForUser(userID string) []model.UserSession
	DisconnectConnection(ctx context.Context, connectionID string, code int, reason string) error
}

// SessionHandler handles HTTP requests for the caller's connection sessions.
type SessionHandler struct {
	live   LiveSessions
	ledger SessionLedger
	logger *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. A nil ledger serves live
// sessions only.
func NewSessionHandler(live LiveSessions, ledger SessionLedger, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		live:   live,
		ledger: ledger,
		logger: logger.With("component", "session_api"),
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ConnectionID string `json:"connectionId"`
	ThreadID     string `json:"threadId,omitempty"`
	State        string `json:"state"`
	CloseCode    *int   `json:"closeCode,omitempty"`
	CloseReason  string `json:"closeReason,omitempty"`
	Duration     string `json:"duration"`
	ConnectedAt  string `json:"connectedAt"`
	LastActivity string `json:"lastActivity"`
	ClosedAt     string `json:"closedAt,omitempty"`
}

// ListSessionsResponse is the body of GET /api/sessions.
type ListSessionsResponse struct {
	Live    []*SessionResponse `json:"live"`
	History []*SessionResponse `json:"history"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.UserSession to SessionResponse.
func toSessionResponse(s *model.UserSession) *SessionResponse {
	resp := &SessionResponse{
		ConnectionID: s.ConnectionID,
		ThreadID:     s.ThreadID,
		State:        string(s.State),
		CloseCode:    s.CloseCode,
		CloseReason:  s.CloseReason,
		Duration:     formatDuration(s.Duration()),
		ConnectedAt:  s.ConnectedAt.Format(time.RFC3339),
		LastActivity: s.LastActivity.Format(time.RFC3339),
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// getUserID extracts the user ID set by RequireAuth.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(userIDKey); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - the caller's live sessions and ledger history.
func (h *SessionHandler) List(c *gin.Context) {
	userID := getUserID(c)

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	resp := ListSessionsResponse{
		Live:    make([]*SessionResponse, 0),
		History: make([]*SessionResponse, 0),
	}
	for _, s := range h.live.SessionsForUser(userID) {
		s := s // per-iteration copy (go 1.21 loop semantics)
		resp.Live = append(resp.Live, toSessionResponse(&s))
	}

	if h.ledger != nil {
		rows, err := h.ledger.ListByUser(c.Request.Context(), userID, limit)
		if err != nil {
			h.logger.Error("failed to list session history", "user_id", userID, "error", err)
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions")
			return
		}
		for _, s := range rows {
			resp.History = append(resp.History, toSessionResponse(s))
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/sessions/:id - one of the caller's live sessions.
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(&s))
}

// Disconnect handles DELETE /api/sessions/:id - closes one of the caller's connections.
func (h *SessionHandler) Disconnect(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}

	err := h.live.DisconnectConnection(c.Request.Context(), s.ConnectionID, model.CloseNormal, "closed by user")
	if err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+s.ConnectionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to disconnect session")
		return
	}
	c.Status(http.StatusNoContent)
}

// owned resolves :id to a live session the caller owns. Another user's
// session is reported as not found.
func (h *SessionHandler) owned(c *gin.Context) (model.UserSession, bool) {
	id := c.Param("id")
	s, ok := h.live.Session(id)
	if !ok || s.UserID != getUserID(c) {
		if ok {
			h.logger.Warn("session lookup for another user",
				"security", true,
				"connection_id", id,
				"claimed_user", getUserID(c),
			)
		}
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" not found")
		return model.UserSession{}, false
	}
	return s, true
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.DELETE("/sessions/:id", h.Disconnect)
}
