package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/config"
	"github.com/netra-systems/zen-sub342/internal/db"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/repository"
	"github.com/netra-systems/zen-sub342/internal/session"
	"github.com/netra-systems/zen-sub342/internal/testutil"
)

func newTestBackbone(t *testing.T, mutate func(*Config)) (*Backbone, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	cfg := Config{Clock: clk}
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(cfg)
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b, clk
}

func connect(t *testing.T, b *Backbone, connectionID, userID string) *testutil.FakeTransport {
	t.Helper()
	tr := testutil.NewFakeTransport()
	_, err := b.Sessions.ConnectUser(context.Background(), userID, tr, session.ConnectOptions{ConnectionID: connectionID})
	require.NoError(t, err)
	return tr
}

func TestScenario_EmitReachesOnlyOwner(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")
	c2 := connect(t, b, "c2", "u2")

	d := b.Broadcast.EmitAgentEvent(context.Background(), "u1", model.AgentEvent{
		RunID:   "run-1",
		Payload: model.AgentThinking{Message: "hi"},
	})
	require.True(t, d.OK())

	got := c1.MessagesOfType(model.EventAgentThinking)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Data["message"])
	assert.Empty(t, c2.Sent())
}

func TestScenario_EmitThroughBridge(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")
	c2 := connect(t, b, "c2", "u2")
	ctx := context.Background()

	assert.True(t, b.Bridge.NotifyAgentStarted(ctx, "u1", "run-1", "planner", model.AgentStarted{Input: "plan"}))
	assert.True(t, b.Bridge.NotifyAgentThinking(ctx, "u1", "run-1", "planner", model.AgentThinking{Message: "hi"}))
	assert.False(t, b.Bridge.NotifyAgentThinking(ctx, "u2", "run-1", "planner", model.AgentThinking{Message: "spoof"}))

	assert.Len(t, c1.MessagesOfType(model.EventAgentStarted), 1)
	assert.Len(t, c1.MessagesOfType(model.EventAgentThinking), 1)
	assert.Empty(t, c2.Sent())

	st := b.Monitor.GetConnectionStats()
	assert.Equal(t, 1, st.ActiveRuns)
	assert.Equal(t, int64(1), st.RejectedEvents)
}

func TestScenario_ClosedTransportIsFlaggedThenReaped(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")
	connect(t, b, "c2", "u2")
	ctx := context.Background()

	// The transport dies without a disconnect call.
	c1.SetState(model.TransportClosed)

	report := b.Sync.AuditOnce(ctx)
	assert.Equal(t, 2, report.Audited)
	assert.Equal(t, 1, report.Desynced)

	sync := b.Monitor.GetSyncStats()
	assert.Equal(t, 1, sync.Desynced)
	assert.False(t, b.Monitor.IsHealthy())

	cp, ok := b.Sync.Checkpoint("c1")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusDesynced, cp.Status)

	// A second tick leaves it flagged.
	b.Sync.AuditOnce(ctx)
	cp, _ = b.Sync.Checkpoint("c1")
	assert.Equal(t, model.SyncStatusDesynced, cp.Status)

	assert.Equal(t, 1, b.Sessions.ReapStale(ctx, time.Hour))

	_, ok = b.Sync.Checkpoint("c1")
	assert.False(t, ok)
	_, ok = b.Registry.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Monitor.GetSyncStats().Desynced)
	assert.True(t, b.Monitor.IsHealthy())

	_, ok = b.Registry.Get("c2")
	assert.True(t, ok)
}

func TestActivityTimeoutSendsResync(t *testing.T) {
	b, clk := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")

	clk.Advance(31 * time.Second)
	report := b.Sync.AuditOnce(context.Background())
	assert.Equal(t, 1, report.Desynced)

	msgs := c1.MessagesOfType(model.EventResyncRequired)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(model.SyncEventActivityTimeout), msgs[0].Data["reason"])
}

func TestDisconnectRemovesCheckpointBeforeReturn(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	tr := connect(t, b, "c1", "u1")

	require.NoError(t, b.Sessions.DisconnectUser(context.Background(), "u1", tr, model.CloseNormal, "bye"))

	_, ok := b.Sync.Checkpoint("c1")
	assert.False(t, ok)
	report := b.Sync.AuditOnce(context.Background())
	assert.Equal(t, 0, report.Audited)

	closed, code, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseNormal, code)
	assert.Equal(t, "bye", reason)
}

func TestBroadcastSanitizedAcrossTenants(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")
	c2 := connect(t, b, "c2", "u2")

	d := b.Broadcast.Broadcast(context.Background(), model.NewMessage(model.EventAgentThinking, map[string]any{
		"message": "deploy finished",
		"user_id": "u1",
		"note":    "requested by u1",
	}))
	assert.Equal(t, 2, d.Delivered)

	forU1 := c1.Messages()
	forU2 := c2.Messages()
	require.Len(t, forU1, 1)
	require.Len(t, forU2, 1)
	assert.Equal(t, "u1", forU1[0].Data["user_id"])
	assert.NotContains(t, forU2[0].Data, "user_id")
	assert.NotContains(t, forU2[0].Data, "note")
	assert.Equal(t, "deploy finished", forU2[0].Data["message"])
}

func TestEmitKeepsOwnDataWithOverlappingUserIDs(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c1 := connect(t, b, "c1", "u1")
	c10 := connect(t, b, "c10", "u10")

	d := b.Broadcast.EmitAgentEvent(context.Background(), "u10", model.AgentEvent{
		RunID:   "run-1",
		Payload: model.AgentThinking{Message: "hello u10"},
	})
	require.True(t, d.OK())

	got := c10.MessagesOfType(model.EventAgentThinking)
	require.Len(t, got, 1)
	assert.Equal(t, "hello u10", got[0].Data["message"])
	assert.Empty(t, c1.Sent())
}

func TestBroadcastStripsOfflineOwner(t *testing.T) {
	b, _ := newTestBackbone(t, nil)
	c2 := connect(t, b, "c2", "u2")

	d := b.Broadcast.Broadcast(context.Background(), model.NewMessage(model.EventAgentThinking, map[string]any{
		"message":  "deploy finished",
		"owner_id": "u3",
		"note":     "requested by u3",
	}))
	require.Equal(t, 1, d.Delivered)

	msgs := c2.Messages()
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].Data, "owner_id")
	assert.NotContains(t, msgs[0].Data, "note")
	assert.Equal(t, "deploy finished", msgs[0].Data["message"])
}

func TestKeepaliveHoldsIdleClientSynced(t *testing.T) {
	t.Setenv("JWT_SECRET", "backbone-secret-0123456")
	defaults := config.Default()
	require.NoError(t, defaults.Validate())

	b, clk := newTestBackbone(t, func(c *Config) {
		c.Sync = ConfigFrom(defaults).Sync
	})
	connect(t, b, "c1", "u1")
	ctx := context.Background()

	// The pong is the client's only traffic. The audit right before it
	// arrives sees a full ping interval of silence.
	for i := 0; i < 5; i++ {
		clk.Advance(defaults.Server.PingInterval)
		b.Sync.AuditOnce(ctx)

		cp, ok := b.Sync.Checkpoint("c1")
		require.True(t, ok)
		assert.Equal(t, model.SyncStatusSynced, cp.Status, "after %d pings", i+1)

		require.True(t, b.Sessions.Touch("c1"))
	}
	assert.True(t, b.Monitor.IsHealthy())
}

func TestStartStopLoop(t *testing.T) {
	b, clk := newTestBackbone(t, func(c *Config) {
		c.ReapInterval = time.Nanosecond
	})
	c1 := connect(t, b, "c1", "u1")
	c1.SetState(model.TransportClosed)
	c2 := connect(t, b, "c2", "u2")

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	assert.True(t, b.Monitor.Health().Monitoring)

	clk.WaitForWaiters(1)
	clk.Advance(5 * time.Second)

	// The tick audits and then reaps the dead transport.
	require.Eventually(t, func() bool {
		_, ok := b.Registry.Get("c1")
		return !ok && b.Sync.Stats().Ticks >= 1
	}, 2*time.Second, 5*time.Millisecond)

	b.Stop(ctx)
	assert.False(t, b.Sync.Running())
	closed, code, _ := c2.Closed()
	assert.True(t, closed)
	assert.Equal(t, model.CloseGoingAway, code)
	assert.Zero(t, b.Registry.Len())
}

func TestSessionLedger(t *testing.T) {
	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := repository.NewSessionRepository(database)

	b, _ := newTestBackbone(t, func(c *Config) { c.Store = repo })
	tr := connect(t, b, "c1", "u1")
	ctx := context.Background()

	row, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionConnected, row.State)

	require.NoError(t, b.Sessions.DisconnectUser(ctx, "u1", tr, model.ClosePolicy, "kicked"))

	row, err = repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, row.State)
	require.NotNil(t, row.CloseCode)
	assert.Equal(t, model.ClosePolicy, *row.CloseCode)
	assert.Equal(t, "kicked", row.CloseReason)
}

func TestConfigFrom(t *testing.T) {
	t.Setenv("JWT_SECRET", "backbone-secret-0123456")
	cfg, err := config.Parse([]byte(`
sync:
  audit_interval: "2s"
  max_backoff: "20s"
broadcast:
  history_size: 7
  history_ttl: "3m"
sessions:
  max_connections_per_user: 3
monitor:
  max_desync_ratio: 0.2
`))
	require.NoError(t, err)

	rc := ConfigFrom(cfg)
	assert.Equal(t, 2*time.Second, rc.Sync.AuditInterval)
	assert.Equal(t, 20*time.Second, rc.Sync.MaxBackoff)
	assert.Equal(t, 7, rc.HistorySize)
	assert.Equal(t, 3*time.Minute, rc.HistoryTTL)
	assert.Equal(t, 3, rc.MaxConnectionsPerUser)
	assert.Equal(t, 0.2, rc.MaxDesyncRatio)

	b := New(rc)
	assert.Equal(t, 2*time.Second, b.Sync.Config().AuditInterval)
	assert.Equal(t, 3, b.Sessions.MaxConnectionsPerUser())
}
