package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/session"
)

// Sessions is the session registry as seen by the WebSocket endpoint.
type Sessions interface {
	ConnectUser(ctx context.Context, userID string, transport model.Transport, opts session.ConnectOptions) (*model.Connection, error)
	DisconnectUser(ctx context.Context, userID string, transport model.Transport, code int, reason string) error
	Touch(connectionID string) bool
}

// Sender delivers targeted system messages.
type Sender interface {
	SendToConnection(ctx context.Context, connectionID string, msg *model.Message) bool
}

// Config configures the WebSocket endpoint.
type Config struct {
	Options
	// AllowedOrigins lists browser origins allowed to connect. Empty allows any.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler upgrades authenticated requests and binds each socket to a
// session until either side closes it.
type Handler struct {
	upgrader  websocket.Upgrader
	validator auth.Validator
	sessions  Sessions
	sender    Sender
	opts      Options
	logger    *slog.Logger
}

// NewHandler creates the WebSocket endpoint.
func NewHandler(validator auth.Validator, sessions Sessions, sender Sender, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		validator: validator,
		sessions:  sessions,
		sender:    sender,
		opts:      cfg.Options.withDefaults(),
		logger:    cfg.Logger.With("component", "ws"),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// TokenFromRequest reads the bearer credential from the Authorization
// header, falling back to the "token" query parameter browsers can set.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates, upgrades and serves one connection. It returns
// once the socket is closed and the session has been torn down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.validator.Validate(TokenFromRequest(r))
	if err != nil {
		h.logger.Info("rejected websocket credential", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"invalid or missing credential"}}`))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	// The socket outlives the request context once hijacked.
	ctx := context.WithoutCancel(r.Context())

	client := NewClient(conn, h.opts)
	query := r.URL.Query()
	registered, err := h.sessions.ConnectUser(ctx, userID, client, session.ConnectOptions{
		ConnectionID: query.Get("connection_id"),
		ThreadID:     query.Get("thread_id"),
	})
	if err != nil {
		code, message := rejectCode(err)
		h.logger.Info("websocket registration refused", "user_id", userID, "error", err)
		reject(conn, h.opts.WriteWait, code, message)
		return
	}

	h.sender.SendToConnection(ctx, registered.ID, model.NewMessage(model.EventConnected, map[string]any{
		"connection_id": registered.ID,
		"user_id":       userID,
		"thread_id":     registered.ThreadID,
	}))

	readErr := client.Run(
		func(data []byte) { h.handleMessage(ctx, registered, data) },
		func() { h.sessions.Touch(registered.ID) },
	)

	code, reason := client.CloseInfo()
	if code == 0 {
		code, reason = peerClose(readErr)
	}
	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug("websocket read ended", "connection_id", registered.ID, "error", readErr)
	}

	// A server-side disconnect or a reconnect may already have removed it.
	if err := h.sessions.DisconnectUser(ctx, userID, client, code, reason); err != nil && !errors.Is(err, model.ErrConnectionNotFound) {
		h.logger.Warn("failed to disconnect websocket session", "connection_id", registered.ID, "error", err)
	}
}

// handleMessage answers inbound frames. Every well-formed frame counts as
// activity.
func (h *Handler) handleMessage(ctx context.Context, conn *model.Connection, data []byte) {
	msg, err := model.DecodeMessage(data)
	if err != nil {
		h.sender.SendToConnection(ctx, conn.ID, model.NewMessage(model.EventError, map[string]any{
			"message": "malformed message",
		}))
		return
	}

	h.sessions.Touch(conn.ID)

	switch msg.Type {
	case model.EventPing:
		h.sender.SendToConnection(ctx, conn.ID, model.NewMessage(model.EventPong, nil))
	default:
		h.sender.SendToConnection(ctx, conn.ID, model.NewMessage(model.EventError, map[string]any{
			"message": "unsupported message type",
			"type":    string(msg.Type),
		}))
	}
}

// rejectCode maps a registration failure to a close code.
func rejectCode(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrConnectionLimit):
		return model.CloseTryAgainLater, "connection limit reached"
	case errors.Is(err, model.ErrDuplicateConnection):
		return model.ClosePolicy, "connection id in use"
	case errors.Is(err, model.ErrUnauthorized):
		return model.ClosePolicy, "unauthorized"
	default:
		return model.CloseGoingAway, "registration failed"
	}
}
