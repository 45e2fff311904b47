// Package bridge turns agent execution callbacks into ordered lifecycle
// events for the user who owns the run.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netra-systems/zen-sub342/internal/broadcast"
	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/model"
)

// Emitter delivers agent events to a user's connections.
type Emitter interface {
	EmitAgentEvent(ctx context.Context, userID string, ev model.AgentEvent) broadcast.Delivery
}

// Config holds bridge tunables.
type Config struct {
	// CompletedTTL is how long a finished run ID keeps rejecting late events.
	CompletedTTL time.Duration
	// MaxCompleted bounds the finished-run memory.
	MaxCompleted int
	// RunTTL abandons runs that have been silent this long.
	RunTTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Phase is where a run is in its lifecycle.
type Phase string

const (
	PhaseRunning       Phase = "running"
	PhaseToolExecuting Phase = "tool_executing"
)

// RunInfo describes an active run.
type RunInfo struct {
	RunID      string    `json:"runId"`
	UserID     string    `json:"userId"`
	AgentName  string    `json:"agentName"`
	Phase      Phase     `json:"phase"`
	Tool       string    `json:"tool,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	LastEvent  time.Time `json:"lastEvent"`
	EventCount int       `json:"eventCount"`
}

// Stats are cumulative bridge counters.
type Stats struct {
	ActiveRuns int   `json:"activeRuns"`
	Emitted    int64 `json:"emitted"`
	Delivered  int64 `json:"delivered"`
	Rejected   int64 `json:"rejected"`
}

type run struct {
	mu sync.Mutex

	id            string
	userID        string
	agentName     string
	phase         Phase
	tool          string
	toolStartedAt time.Time
	startedAt     time.Time
	lastEvent     time.Time
	events        int
	done          bool
}

// Bridge enforces started → (thinking | tool_executing → tool_completed)* →
// completed per run.
type Bridge struct {
	emitter Emitter
	clock   clock.Clock
	logger  *slog.Logger
	runTTL  time.Duration

	mu        sync.Mutex
	runs      map[string]*run
	completed *tombstones

	emitted   atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
}

// New creates a Bridge that emits through emitter.
func New(emitter Emitter, cfg Config) *Bridge {
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = 10 * time.Minute
	}
	if cfg.MaxCompleted <= 0 {
		cfg.MaxCompleted = 10000
	}
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		emitter:   emitter,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "agent_bridge"),
		runTTL:    cfg.RunTTL,
		runs:      make(map[string]*run),
		completed: newTombstones(cfg.CompletedTTL, cfg.MaxCompleted, cfg.Clock),
	}
}

// NotifyAgentStarted opens a run and emits agent_started.
func (b *Bridge) NotifyAgentStarted(ctx context.Context, userID, runID, agentName string, payload model.AgentStarted) bool {
	return b.notify(ctx, userID, runID, agentName, payload)
}

// NotifyAgentThinking emits a reasoning step.
func (b *Bridge) NotifyAgentThinking(ctx context.Context, userID, runID, agentName string, payload model.AgentThinking) bool {
	return b.notify(ctx, userID, runID, agentName, payload)
}

// NotifyToolExecuting emits the start of a tool invocation.
func (b *Bridge) NotifyToolExecuting(ctx context.Context, userID, runID, agentName string, payload model.ToolExecuting) bool {
	return b.notify(ctx, userID, runID, agentName, payload)
}

// NotifyToolCompleted emits the result of the running tool.
func (b *Bridge) NotifyToolCompleted(ctx context.Context, userID, runID, agentName string, payload model.ToolCompleted) bool {
	return b.notify(ctx, userID, runID, agentName, payload)
}

// NotifyAgentCompleted closes the run and emits agent_completed.
func (b *Bridge) NotifyAgentCompleted(ctx context.Context, userID, runID, agentName string, payload model.AgentCompleted) bool {
	return b.notify(ctx, userID, runID, agentName, payload)
}

func (b *Bridge) notify(ctx context.Context, userID, runID, agentName string, payload model.AgentPayload) bool {
	delivered, err := b.Emit(ctx, userID, runID, agentName, payload)
	if err != nil {
		b.rejected.Add(1)
		b.logger.Warn("agent event rejected",
			"user_id", userID,
			"run_id", runID,
			"type", payload.EventType(),
			"error", err,
		)
		return false
	}
	return delivered
}

// Emit validates the transition, advances the run and emits the event.
// It returns whether any connection received it. On error nothing was
// emitted and the run is unchanged.
func (b *Bridge) Emit(ctx context.Context, userID, runID, agentName string, payload model.AgentPayload) (bool, error) {
	if payload == nil {
		return false, fmt.Errorf("%w: nil payload", model.ErrInvalidSequence)
	}
	if userID == "" || runID == "" {
		return false, fmt.Errorf("%w: user and run are required", model.ErrInvalidSequence)
	}

	r, err := b.acquire(userID, runID, agentName, payload.EventType())
	if err != nil {
		return false, err
	}
	defer r.mu.Unlock()

	now := b.clock.Now()
	payload, err = b.advance(r, payload, now)
	if err != nil {
		return false, err
	}

	if agentName == "" {
		agentName = r.agentName
	}
	d := b.emitter.EmitAgentEvent(ctx, userID, model.AgentEvent{
		RunID:     runID,
		AgentName: agentName,
		Payload:   payload,
		Timestamp: now.UTC(),
	})

	b.emitted.Add(1)
	if d.OK() {
		b.delivered.Add(1)
	}
	return d.OK(), nil
}

// acquire returns the run locked. agent_started creates it.
func (b *Bridge) acquire(userID, runID, agentName string, t model.EventType) (*run, error) {
	b.mu.Lock()

	if t == model.EventAgentStarted {
		b.pruneLocked()
		if b.completed.Has(runID) {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: run %s already completed", model.ErrInvalidSequence, runID)
		}
		if _, exists := b.runs[runID]; exists {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: run %s already started", model.ErrInvalidSequence, runID)
		}
		now := b.clock.Now()
		r := &run{id: runID, userID: userID, agentName: agentName, startedAt: now, lastEvent: now}
		r.mu.Lock()
		b.runs[runID] = r
		b.mu.Unlock()
		return r, nil
	}

	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		if b.completed.Has(runID) {
			return nil, fmt.Errorf("%w: %s after run %s completed", model.ErrInvalidSequence, t, runID)
		}
		return nil, fmt.Errorf("%w: %s for unknown run %s", model.ErrInvalidSequence, t, runID)
	}
	if r.userID != userID {
		b.logger.Warn("run owned by another user",
			"security", true,
			"run_id", runID,
			"claimed_user", userID,
		)
		return nil, fmt.Errorf("%w: run %s", model.ErrIsolationViolation, runID)
	}

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s after run %s completed", model.ErrInvalidSequence, t, runID)
	}
	return r, nil
}

// advance applies the transition for payload. The returned payload may have
// derived fields filled in.
func (b *Bridge) advance(r *run, payload model.AgentPayload, now time.Time) (model.AgentPayload, error) {
	t := payload.EventType()

	switch p := payload.(type) {
	case model.AgentStarted:
		r.phase = PhaseRunning

	case model.AgentThinking:
		if r.phase != PhaseRunning {
			return nil, fmt.Errorf("%w: thinking while tool %q is running", model.ErrInvalidSequence, r.tool)
		}

	case model.ToolExecuting:
		if r.phase != PhaseRunning {
			return nil, fmt.Errorf("%w: tool %q started while %q is running", model.ErrInvalidSequence, p.ToolName, r.tool)
		}
		r.phase = PhaseToolExecuting
		r.tool = p.ToolName
		r.toolStartedAt = now

	case model.ToolCompleted:
		if r.phase != PhaseToolExecuting {
			return nil, fmt.Errorf("%w: tool_completed with no tool running", model.ErrInvalidSequence)
		}
		if p.ToolName == "" {
			p.ToolName = r.tool
		} else if p.ToolName != r.tool {
			return nil, fmt.Errorf("%w: tool %q completed while %q is running", model.ErrInvalidSequence, p.ToolName, r.tool)
		}
		if p.DurationMs == 0 {
			p.DurationMs = now.Sub(r.toolStartedAt).Milliseconds()
		}
		r.phase = PhaseRunning
		r.tool = ""
		payload = p

	case model.AgentCompleted:
		if r.phase != PhaseRunning {
			return nil, fmt.Errorf("%w: run completed while tool %q is running", model.ErrInvalidSequence, r.tool)
		}
		if p.DurationMs == 0 {
			p.DurationMs = now.Sub(r.startedAt).Milliseconds()
		}
		b.finish(r)
		payload = p

	default:
		return nil, fmt.Errorf("%w: unsupported event %s", model.ErrInvalidSequence, t)
	}

	r.events++
	r.lastEvent = now
	return payload, nil
}

// finish retires a run. Called with r.mu held.
func (b *Bridge) finish(r *run) {
	r.done = true
	b.completed.Mark(r.id)

	b.mu.Lock()
	if b.runs[r.id] == r {
		delete(b.runs, r.id)
	}
	b.mu.Unlock()
}

// pruneLocked abandons runs silent for longer than the run TTL. Called with b.mu held.
func (b *Bridge) pruneLocked() {
	now := b.clock.Now()
	for id, r := range b.runs {
		if !r.mu.TryLock() {
			continue
		}
		if now.Sub(r.lastEvent) > b.runTTL {
			r.done = true
			delete(b.runs, id)
			b.completed.Mark(id)
			b.logger.Info("abandoned silent run", "run_id", id, "user_id", r.userID)
		}
		r.mu.Unlock()
	}
}

// ActiveRuns lists runs that have started but not completed.
func (b *Bridge) ActiveRuns() []RunInfo {
	b.mu.Lock()
	runs := make([]*run, 0, len(b.runs))
	for _, r := range b.runs {
		runs = append(runs, r)
	}
	b.mu.Unlock()

	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		if !r.done {
			out = append(out, RunInfo{
				RunID:      r.id,
				UserID:     r.userID,
				AgentName:  r.agentName,
				Phase:      r.phase,
				Tool:       r.tool,
				StartedAt:  r.startedAt,
				LastEvent:  r.lastEvent,
				EventCount: r.events,
			})
		}
		r.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	active := len(b.runs)
	b.mu.Unlock()

	return Stats{
		ActiveRuns: active,
		Emitted:    b.emitted.Load(),
		Delivered:  b.delivered.Load(),
		Rejected:   b.rejected.Load(),
	}
}
