package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/db"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/realtime"
	"github.com/netra-systems/zen-sub342/internal/repository"
	"github.com/netra-systems/zen-sub342/internal/session"
	"github.com/netra-systems/zen-sub342/internal/testutil"
	"github.com/netra-systems/zen-sub342/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiEnv struct {
	router    *gin.Engine
	backbone  *realtime.Backbone
	validator *auth.JWTValidator
	clock     *clock.Fake
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := repository.NewSessionRepository(database)

	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	b := realtime.New(realtime.Config{Store: repo, Clock: clk})
	t.Cleanup(func() { b.Stop(context.Background()) })

	validator := auth.NewJWTValidator([]byte("handlers-test-secret-0123"))
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(b.Monitor)

	router := NewRouter(RouterConfig{
		Validator: validator,
		Monitor:   b.Monitor,
		Sessions:  b.Sessions,
		Ledger:    repo,
		WebSocket: ws.NewHandler(validator, b.Sessions, b.Broadcast, ws.Config{}),
		Metrics:   metrics,
	})
	return &apiEnv{router: router, backbone: b, validator: validator, clock: clk}
}

func (e *apiEnv) do(t *testing.T, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := e.validator.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) connect(t *testing.T, connectionID, userID string) *testutil.FakeTransport {
	t.Helper()
	tr := testutil.NewFakeTransport()
	_, err := e.backbone.Sessions.ConnectUser(context.Background(), userID, tr, session.ConnectOptions{ConnectionID: connectionID})
	require.NoError(t, err)
	return tr
}

func TestHealth(t *testing.T) {
	env := setupAPI(t)
	env.connect(t, "c1", "u1")

	for _, path := range []string{"/health", "/api/health"} {
		w := env.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["healthy"])
		assert.Equal(t, float64(1), body["connections"])
	}
}

func TestHealth_UnhealthyReturns503(t *testing.T) {
	env := setupAPI(t)
	tr := env.connect(t, "c1", "u1")
	tr.SetState(model.TransportClosed)
	env.backbone.Sync.AuditOnce(context.Background())

	w := env.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStats_RequiresAuth(t *testing.T) {
	env := setupAPI(t)
	env.connect(t, "c1", "u1")

	w := env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "UNAUTHORIZED", errBody.Error.Code)

	w = env.do(t, http.MethodGet, "/api/stats", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Connections.ActiveConnections)
	assert.Equal(t, 1, stats.Sync.Total)
}

func TestListSessions(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()
	old := env.connect(t, "c-old", "u1")
	env.clock.Advance(time.Minute)
	env.connect(t, "c-live", "u1")
	env.connect(t, "c-other", "u2")
	require.NoError(t, env.backbone.Sessions.DisconnectUser(ctx, "u1", old, model.CloseNormal, "bye"))

	w := env.do(t, http.MethodGet, "/api/sessions", "u1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Live, 1)
	assert.Equal(t, "c-live", resp.Live[0].ConnectionID)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "c-live", resp.History[0].ConnectionID)
	assert.Equal(t, "c-old", resp.History[1].ConnectionID)
	assert.Equal(t, string(model.SessionClosed), resp.History[1].State)
	require.NotNil(t, resp.History[1].CloseCode)
	assert.Equal(t, model.CloseNormal, *resp.History[1].CloseCode)

	for _, s := range append(resp.Live, resp.History...) {
		assert.NotEqual(t, "c-other", s.ConnectionID)
	}

	w = env.do(t, http.MethodGet, "/api/sessions?limit=1", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.History, 1)

	w = env.do(t, http.MethodGet, "/api/sessions?limit=zero", "u1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAndDisconnectSession(t *testing.T) {
	env := setupAPI(t)
	tr := env.connect(t, "c1", "u1")

	w := env.do(t, http.MethodGet, "/api/sessions/c1", "u2")
	assert.Equal(t, http.StatusNotFound, w.Code, "another user's session is invisible")

	w = env.do(t, http.MethodDelete, "/api/sessions/c1", "u2")
	assert.Equal(t, http.StatusNotFound, w.Code)
	closed, _, _ := tr.Closed()
	assert.False(t, closed)

	w = env.do(t, http.MethodGet, "/api/sessions/c1", "u1")
	require.Equal(t, http.StatusOK, w.Code)
	var s SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, string(model.SessionConnected), s.State)

	w = env.do(t, http.MethodDelete, "/api/sessions/c1", "u1")
	assert.Equal(t, http.StatusNoContent, w.Code)
	closed, code, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseNormal, code)
	assert.Equal(t, "closed by user", reason)
	assert.False(t, env.backbone.Sessions.IsUserConnected("u1"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupAPI(t)
	env.connect(t, "c1", "u1")

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "realtime_connections_active 1")
	assert.True(t, strings.Contains(body, `realtime_sync_checkpoints{status="synced"} 1`), body)
}

func TestWebSocketRouteRejectsPlainRequest(t *testing.T) {
	env := setupAPI(t)

	w := env.do(t, http.MethodGet, "/api/ws", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Authenticated but not an upgrade request.
	w = env.do(t, http.MethodGet, "/api/ws", "u1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.backbone.Registry.Len())
}

func TestCORSPreflight(t *testing.T) {
	env := setupAPI(t)
	w := env.do(t, http.MethodOptions, "/api/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
