// Package monitor reports read-only connection and synchronization health.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netra-systems/zen-sub342/internal/bridge"
	"github.com/netra-systems/zen-sub342/internal/broadcast"
	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/statesync"
)

// DefaultMaxDesyncRatio is the desynced share of checkpoints above which the
// backbone reports unhealthy.
const DefaultMaxDesyncRatio = 0.1

// ConnectionSource reports registry sizes.
type ConnectionSource interface {
	Len() int
	UserCount() int
}

// SessionSource reports live sessions.
type SessionSource interface {
	ActiveCount() int
}

// SyncSource reports synchronizer stats.
type SyncSource interface {
	Stats() statesync.Stats
}

// DeliverySource reports broadcaster stats.
type DeliverySource interface {
	Stats() broadcast.Stats
}

// RunSource reports agent bridge stats.
type RunSource interface {
	Stats() bridge.Stats
}

// Sources are the components the monitor reads from. Nil sources report zeros.
type Sources struct {
	Connections ConnectionSource
	Sessions    SessionSource
	Sync        SyncSource
	Delivery    DeliverySource
	Runs        RunSource
}

// ConnectionStats summarizes connection and delivery activity.
type ConnectionStats struct {
	ActiveConnections   int     `json:"activeConnections"`
	ConnectedUsers      int     `json:"connectedUsers"`
	ActiveSessions      int     `json:"activeSessions"`
	MessagesSent        int64   `json:"messagesSent"`
	SendFailures        int64   `json:"sendFailures"`
	IsolationViolations int64   `json:"isolationViolations"`
	ActiveRuns          int     `json:"activeRuns"`
	RejectedEvents      int64   `json:"rejectedEvents"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
}

// SyncStats extends the synchronizer stats with the desync ratio.
type SyncStats struct {
	statesync.Stats
	DesyncRatio float64 `json:"desyncRatio"`
}

// Health is the verdict served by the health endpoint.
type Health struct {
	Healthy        bool    `json:"healthy"`
	DesyncRatio    float64 `json:"desyncRatio"`
	MaxDesyncRatio float64 `json:"maxDesyncRatio"`
	Connections    int     `json:"connections"`
	Monitoring     bool    `json:"monitoring"`
}

// Monitor is the performance monitor.
type Monitor struct {
	src            Sources
	maxDesyncRatio float64
	clock          clock.Clock
	startedAt      time.Time
	running        func() bool

	descs descriptors
}

// New creates a Monitor. A non-positive maxDesyncRatio uses the default.
func New(src Sources, maxDesyncRatio float64, clk clock.Clock) *Monitor {
	if maxDesyncRatio <= 0 {
		maxDesyncRatio = DefaultMaxDesyncRatio
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		src:            src,
		maxDesyncRatio: maxDesyncRatio,
		clock:          clk,
		startedAt:      clk.Now(),
		descs:          newDescriptors(),
	}
}

// SetLoopProbe lets the health report include whether the audit loop runs.
func (m *Monitor) SetLoopProbe(running func() bool) {
	m.running = running
}

// GetConnectionStats returns connection and delivery counters.
func (m *Monitor) GetConnectionStats() ConnectionStats {
	st := ConnectionStats{
		UptimeSeconds: m.clock.Now().Sub(m.startedAt).Seconds(),
	}
	if m.src.Connections != nil {
		st.ActiveConnections = m.src.Connections.Len()
		st.ConnectedUsers = m.src.Connections.UserCount()
	}
	if m.src.Sessions != nil {
		st.ActiveSessions = m.src.Sessions.ActiveCount()
	}
	if m.src.Delivery != nil {
		d := m.src.Delivery.Stats()
		st.MessagesSent = d.MessagesSent
		st.SendFailures = d.SendFailures
		st.IsolationViolations = d.IsolationViolations
	}
	if m.src.Runs != nil {
		r := m.src.Runs.Stats()
		st.ActiveRuns = r.ActiveRuns
		st.RejectedEvents = r.Rejected
	}
	return st
}

// GetSyncStats returns the synchronizer's view.
func (m *Monitor) GetSyncStats() SyncStats {
	if m.src.Sync == nil {
		return SyncStats{Stats: statesync.Stats{SyncedRatio: 1}}
	}
	st := m.src.Sync.Stats()
	out := SyncStats{Stats: st}
	if st.Total > 0 {
		out.DesyncRatio = float64(st.Desynced) / float64(st.Total)
	}
	return out
}

// IsHealthy reports whether the desynced share is within bounds.
func (m *Monitor) IsHealthy() bool {
	return m.GetSyncStats().DesyncRatio <= m.maxDesyncRatio
}

// Health returns the full health report.
func (m *Monitor) Health() Health {
	sync := m.GetSyncStats()
	h := Health{
		Healthy:        sync.DesyncRatio <= m.maxDesyncRatio,
		DesyncRatio:    sync.DesyncRatio,
		MaxDesyncRatio: m.maxDesyncRatio,
		Connections:    sync.Total,
	}
	if m.running != nil {
		h.Monitoring = m.running()
	}
	return h
}

type descriptors struct {
	connections *prometheus.Desc
	users       *prometheus.Desc
	sessions    *prometheus.Desc
	checkpoints *prometheus.Desc
	desyncRatio *prometheus.Desc
	healthy     *prometheus.Desc
	ticks       *prometheus.Desc
	loopFails   *prometheus.Desc
	auditErrors *prometheus.Desc
	sent        *prometheus.Desc
	sendFails   *prometheus.Desc
	violations  *prometheus.Desc
	activeRuns  *prometheus.Desc
	rejected    *prometheus.Desc
}

func newDescriptors() descriptors {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("realtime", subsystem, name), help, labels, nil)
	}
	return descriptors{
		connections: desc("connections", "active", "Registered connections"),
		users:       desc("connections", "users", "Users with at least one connection"),
		sessions:    desc("sessions", "active", "Live user sessions"),
		checkpoints: desc("sync", "checkpoints", "State checkpoints by status", "status"),
		desyncRatio: desc("sync", "desync_ratio", "Share of checkpoints flagged DESYNCED"),
		healthy:     desc("sync", "healthy", "1 when the desync ratio is within bounds"),
		ticks:       desc("sync", "audit_ticks_total", "Completed audit ticks"),
		loopFails:   desc("sync", "loop_failures_total", "Audit loop failures"),
		auditErrors: desc("sync", "audit_errors_total", "Per-connection audit errors"),
		sent:        desc("broadcast", "messages_sent_total", "Messages written to transports"),
		sendFails:   desc("broadcast", "send_failures_total", "Failed transport writes"),
		violations:  desc("broadcast", "isolation_violations_total", "Rejected cross-tenant deliveries"),
		activeRuns:  desc("bridge", "active_runs", "Agent runs in progress"),
		rejected:    desc("bridge", "rejected_events_total", "Out-of-order agent events"),
	}
}

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	d := m.descs
	for _, desc := range []*prometheus.Desc{
		d.connections, d.users, d.sessions, d.checkpoints, d.desyncRatio, d.healthy,
		d.ticks, d.loopFails, d.auditErrors, d.sent, d.sendFails, d.violations,
		d.activeRuns, d.rejected,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	d := m.descs
	conn := m.GetConnectionStats()
	sync := m.GetSyncStats()

	healthy := 0.0
	if sync.DesyncRatio <= m.maxDesyncRatio {
		healthy = 1
	}

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	gauge(d.connections, float64(conn.ActiveConnections))
	gauge(d.users, float64(conn.ConnectedUsers))
	gauge(d.sessions, float64(conn.ActiveSessions))
	gauge(d.checkpoints, float64(sync.Synced), "synced")
	gauge(d.checkpoints, float64(sync.Desynced), "desynced")
	gauge(d.desyncRatio, sync.DesyncRatio)
	gauge(d.healthy, healthy)
	counter(d.ticks, sync.Ticks)
	counter(d.loopFails, sync.LoopFailures)
	counter(d.auditErrors, sync.AuditErrors)
	counter(d.sent, conn.MessagesSent)
	counter(d.sendFails, conn.SendFailures)
	counter(d.violations, conn.IsolationViolations)
	gauge(d.activeRuns, float64(conn.ActiveRuns))
	counter(d.rejected, conn.RejectedEvents)
}
