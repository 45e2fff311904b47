// Package broadcast delivers messages to connections, enforcing per-user
// isolation and sanitizing every payload for its recipient.
package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/model"
)

// Connections is the read side of the connection registry.
type Connections interface {
	Get(connectionID string) (*model.Connection, bool)
	ConnectionsForUser(userID string) []string
	ConnectionsForThread(threadID string) []string
	All() []*model.Connection
}

// Guard authorizes and sanitizes deliveries.
type Guard interface {
	ValidateIsolation(userID string, op auth.Operation) bool
	SanitizeForUser(payload map[string]any, targetUserID string) map[string]any
}

// ActivityRecorder is told about every successful send.
type ActivityRecorder interface {
	RecordActivity(connectionID string) bool
}

// FrameRecorder keeps emitted agent frames for replay. Emit runs deliver
// so that a connection attaching concurrently sees the frame exactly once.
type FrameRecorder interface {
	Emit(userID string, frame []byte, deliver func())
}

// Config holds broadcaster tunables and optional collaborators.
type Config struct {
	MaxConcurrentSends int
	SendTimeout        time.Duration

	Activity ActivityRecorder
	History  FrameRecorder
	Logger   *slog.Logger
}

// Delivery reports the outcome of one fan-out.
type Delivery struct {
	Targets    int `json:"targets"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Violations int `json:"violations"`
}

// OK reports whether at least one connection received the message.
func (d Delivery) OK() bool {
	return d.Delivered > 0
}

// Stats are cumulative broadcaster counters.
type Stats struct {
	MessagesSent        int64 `json:"messagesSent"`
	SendFailures        int64 `json:"sendFailures"`
	IsolationViolations int64 `json:"isolationViolations"`
	FanOuts             int64 `json:"fanOuts"`
}

// Service is the event broadcasting service.
type Service struct {
	conns    Connections
	guard    Guard
	activity ActivityRecorder
	history  FrameRecorder
	logger   *slog.Logger

	maxConcurrent int
	sendTimeout   time.Duration

	sent       atomic.Int64
	failures   atomic.Int64
	violations atomic.Int64
	fanOuts    atomic.Int64
}

// NewService creates a broadcaster.
func NewService(conns Connections, guard Guard, cfg Config) *Service {
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		conns:         conns,
		guard:         guard,
		activity:      cfg.Activity,
		history:       cfg.History,
		logger:        cfg.Logger.With("component", "broadcaster"),
		maxConcurrent: cfg.MaxConcurrentSends,
		sendTimeout:   cfg.SendTimeout,
	}
}

// target is one planned delivery. claimedUser is empty when the recipient
// is chosen by connection rather than on behalf of a user.
type target struct {
	connectionID string
	claimedUser  string
}

// SendToUser delivers msg to every connection userID owns. Each connection
// is authorized and sanitized on its own.
func (s *Service) SendToUser(ctx context.Context, userID string, msg *model.Message) Delivery {
	ids := s.conns.ConnectionsForUser(userID)
	targets := make([]target, len(ids))
	for i, id := range ids {
		targets[i] = target{connectionID: id, claimedUser: userID}
	}
	return s.fanOut(ctx, "send_to_user", targets, msg)
}

// SendToThread delivers msg to every connection bound to threadID. It
// returns true if at least one connection received it.
func (s *Service) SendToThread(ctx context.Context, threadID string, msg *model.Message) bool {
	ids := s.conns.ConnectionsForThread(threadID)
	targets := make([]target, len(ids))
	for i, id := range ids {
		targets[i] = target{connectionID: id}
	}
	return s.fanOut(ctx, "send_to_thread", targets, msg).OK()
}

// SendToConnection delivers msg to a single connection.
func (s *Service) SendToConnection(ctx context.Context, connectionID string, msg *model.Message) bool {
	return s.fanOut(ctx, "send_to_connection", []target{{connectionID: connectionID}}, msg).OK()
}

// Broadcast delivers msg to every connection, sanitized for each owner.
func (s *Service) Broadcast(ctx context.Context, msg *model.Message) Delivery {
	all := s.conns.All()
	targets := make([]target, len(all))
	for i, conn := range all {
		targets[i] = target{connectionID: conn.ID}
	}
	return s.fanOut(ctx, "broadcast", targets, msg)
}

// EmitAgentEvent delivers an agent lifecycle event to userID and keeps the
// frame for replay.
func (s *Service) EmitAgentEvent(ctx context.Context, userID string, ev model.AgentEvent) Delivery {
	msg, err := ev.Message()
	if err != nil {
		s.logger.Error("failed to encode agent event", "run_id", ev.RunID, "error", err)
		return Delivery{}
	}

	var d Delivery
	deliver := func() { d = s.SendToUser(ctx, userID, msg) }

	if s.history == nil {
		deliver()
	} else if frame, err := msg.WithData(s.guard.SanitizeForUser(msg.Data, userID)).Encode(); err != nil {
		s.logger.Warn("agent event not kept for replay", "run_id", ev.RunID, "error", err)
		deliver()
	} else {
		s.history.Emit(userID, frame, deliver)
	}
	if !d.OK() {
		s.logger.Debug("agent event had no live recipient",
			"user_id", userID,
			"run_id", ev.RunID,
			"type", ev.Type(),
		)
	}
	return d
}

// HandleDesync tells the affected connection to resynchronize. It is
// registered as a synchronizer listener.
func (s *Service) HandleDesync(ctx context.Context, ev model.SyncEvent) {
	msg := model.NewMessage(model.EventResyncRequired, map[string]any{
		"reason":         string(ev.Type),
		"previous_state": string(ev.Previous),
		"current_state":  string(ev.Current),
	})
	if !s.SendToConnection(ctx, ev.ConnectionID, msg) {
		s.logger.Debug("resync signal not delivered", "connection_id", ev.ConnectionID, "reason", ev.Type)
	}
}

// Stats returns the cumulative counters.
func (s *Service) Stats() Stats {
	return Stats{
		MessagesSent:        s.sent.Load(),
		SendFailures:        s.failures.Load(),
		IsolationViolations: s.violations.Load(),
		FanOuts:             s.fanOuts.Load(),
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeViolation
)

func (s *Service) fanOut(ctx context.Context, op string, targets []target, msg *model.Message) Delivery {
	s.fanOuts.Add(1)
	d := Delivery{Targets: len(targets)}
	if len(targets) == 0 || msg == nil {
		return d
	}

	results := make([]outcome, len(targets))

	// A plain Group: one failed send never cancels its siblings.
	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, t := range targets {
		i, t := i, t // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			results[i] = s.deliver(ctx, op, t, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r {
		case outcomeDelivered:
			d.Delivered++
		case outcomeFailed:
			d.Failed++
		case outcomeViolation:
			d.Violations++
		}
	}
	return d
}

func (s *Service) deliver(ctx context.Context, op string, t target, msg *model.Message) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("send panicked", "connection_id", t.connectionID, "panic", r)
			result = outcomeFailed
		}
	}()

	conn, ok := s.conns.Get(t.connectionID)
	if !ok {
		s.failures.Add(1)
		return outcomeFailed
	}

	if t.claimedUser != "" {
		if !s.guard.ValidateIsolation(t.claimedUser, auth.Operation{Name: op, ConnectionIDs: []string{conn.ID}}) {
			s.violations.Add(1)
			return outcomeViolation
		}
	}

	frame, err := msg.WithData(s.guard.SanitizeForUser(msg.Data, conn.UserID)).Encode()
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("failed to encode message", "connection_id", conn.ID, "type", msg.Type, "error", err)
		return outcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := conn.Transport.Send(sendCtx, frame); err != nil {
		s.failures.Add(1)
		s.logger.Debug("send failed", "connection_id", conn.ID, "type", msg.Type, "error", err)
		return outcomeFailed
	}

	s.sent.Add(1)
	if s.activity != nil {
		s.activity.RecordActivity(conn.ID)
	}
	return outcomeDelivered
}
