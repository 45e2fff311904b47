// Package statesync keeps the server's per-connection checkpoints aligned
// with what each transport actually reports.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/model"
)

// ErrAlreadyRunning is returned by StartMonitoring when the loop is active.
var ErrAlreadyRunning = errors.New("synchronizer already running")

// ConnectionSource resolves connection IDs to live connections.
type ConnectionSource interface {
	Get(connectionID string) (*model.Connection, bool)
}

// StaleReaper disconnects sessions that have gone quiet or whose transport died.
type StaleReaper interface {
	ReapStale(ctx context.Context, maxAge time.Duration) int
}

// Callback receives desync notifications.
type Callback func(ctx context.Context, ev model.SyncEvent)

// CallbackHandle identifies a registered per-connection callback.
type CallbackHandle string

// Config holds synchronizer tunables.
type Config struct {
	AuditInterval       time.Duration
	MaxConcurrentAudits int
	DesyncThreshold     time.Duration
	MaxBackoff          time.Duration
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		AuditInterval:       5 * time.Second,
		MaxConcurrentAudits: 10,
		DesyncThreshold:     30 * time.Second,
		MaxBackoff:          60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AuditInterval <= 0 {
		c.AuditInterval = d.AuditInterval
	}
	if c.MaxConcurrentAudits <= 0 {
		c.MaxConcurrentAudits = d.MaxConcurrentAudits
	}
	if c.DesyncThreshold <= 0 {
		c.DesyncThreshold = d.DesyncThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Stats is a point-in-time view of the synchronizer.
type Stats struct {
	Total        int     `json:"total"`
	Synced       int     `json:"synced"`
	Desynced     int     `json:"desynced"`
	SyncedRatio  float64 `json:"syncedRatio"`
	Ticks        int64   `json:"ticks"`
	LoopFailures int64   `json:"loopFailures"`
	AuditErrors  int64   `json:"auditErrors"`
}

// AuditReport summarizes one audit tick.
type AuditReport struct {
	Audited  int
	Desynced int
	Removed  int
	Errors   int
}

type reaperConfig struct {
	reaper StaleReaper
	every  time.Duration
	maxAge time.Duration
	last   time.Time
}

// Synchronizer periodically audits every tracked connection against its
// transport and flags drift.
type Synchronizer struct {
	cfg    Config
	conns  ConnectionSource
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	checkpoints map[string]*model.StateCheckpoint
	callbacks   map[string]map[CallbackHandle]Callback
	listeners   []Callback
	reap        *reaperConfig

	// auditMu serializes ticks so a connection's audits never interleave.
	auditMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	ticks        atomic.Int64
	loopFailures atomic.Int64
	auditErrors  atomic.Int64
}

// New creates a Synchronizer. A nil clock uses real time.
func New(conns ConnectionSource, cfg Config, clk clock.Clock, logger *slog.Logger) *Synchronizer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:         cfg.withDefaults(),
		conns:       conns,
		clock:       clk,
		logger:      logger.With("component", "state_sync"),
		checkpoints: make(map[string]*model.StateCheckpoint),
		callbacks:   make(map[string]map[CallbackHandle]Callback),
	}
}

// Config returns the effective configuration.
func (s *Synchronizer) Config() Config {
	return s.cfg
}

// Track creates a fresh SYNCED checkpoint for conn. Tracking an ID again
// replaces its checkpoint but keeps registered callbacks.
func (s *Synchronizer) Track(conn *model.Connection, state model.TransportState) {
	if conn == nil {
		return
	}
	if state == "" {
		state = model.TransportConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[conn.ID] = &model.StateCheckpoint{
		ConnectionID:   conn.ID,
		UserID:         conn.UserID,
		TransportState: state,
		InternalState:  model.InternalConnected,
		Status:         model.SyncStatusSynced,
		LastActivity:   s.clock.Now(),
	}
}

// Untrack drops the checkpoint and callbacks for connectionID.
func (s *Synchronizer) Untrack(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkpoints[connectionID]
	delete(s.checkpoints, connectionID)
	delete(s.callbacks, connectionID)
	return ok
}

// SetInternalState records the server's own view of the connection lifecycle.
func (s *Synchronizer) SetInternalState(connectionID string, state model.InternalState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[connectionID]
	if !ok {
		return false
	}
	cp.InternalState = state
	return true
}

// RecordActivity refreshes the last-activity timestamp. It does not clear a
// DESYNCED status.
func (s *Synchronizer) RecordActivity(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[connectionID]
	if !ok {
		return false
	}
	cp.LastActivity = s.clock.Now()
	return true
}

// Checkpoint returns a copy of the checkpoint for connectionID.
func (s *Synchronizer) Checkpoint(connectionID string) (model.StateCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[connectionID]
	if !ok {
		return model.StateCheckpoint{}, false
	}
	return *cp, true
}

// Checkpoints returns copies of every checkpoint ordered by connection ID.
func (s *Synchronizer) Checkpoints() []model.StateCheckpoint {
	s.mu.Lock()
	out := make([]model.StateCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, *cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// RegisterCallback attaches cb to connectionID. It returns false when the
// connection is not tracked.
func (s *Synchronizer) RegisterCallback(connectionID string, cb Callback) (CallbackHandle, bool) {
	if cb == nil {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[connectionID]; !ok {
		return "", false
	}
	handles, ok := s.callbacks[connectionID]
	if !ok {
		handles = make(map[CallbackHandle]Callback)
		s.callbacks[connectionID] = handles
	}
	handle := CallbackHandle(uuid.New().String())
	handles[handle] = cb
	return handle, true
}

// UnregisterCallback removes a previously registered callback.
func (s *Synchronizer) UnregisterCallback(connectionID string, handle CallbackHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles, ok := s.callbacks[connectionID]
	if !ok {
		return false
	}
	if _, ok := handles[handle]; !ok {
		return false
	}
	delete(handles, handle)
	if len(handles) == 0 {
		delete(s.callbacks, connectionID)
	}
	return true
}

// OnDesync registers a listener notified for every connection that desyncs.
func (s *Synchronizer) OnDesync(listener Callback) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// SetReaper makes the monitoring loop call reaper.ReapStale(ctx, maxAge) at
// most once per every. A non-positive every reaps on each tick.
func (s *Synchronizer) SetReaper(reaper StaleReaper, every, maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reaper == nil {
		s.reap = nil
		return
	}
	s.reap = &reaperConfig{reaper: reaper, every: every, maxAge: maxAge}
}

// AuditOnce audits every tracked connection once.
func (s *Synchronizer) AuditOnce(ctx context.Context) AuditReport {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	s.mu.Lock()
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var (
		report   AuditReport
		reportMu sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentAudits)

	for _, id := range ids {
		id := id // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			outcome, err := s.auditConnection(gctx, id)

			reportMu.Lock()
			defer reportMu.Unlock()
			report.Audited++
			switch {
			case err != nil:
				report.Errors++
				s.auditErrors.Add(1)
				s.logger.Warn("connection audit failed", "connection_id", id, "error", err)
			case outcome == auditRemoved:
				report.Removed++
			case outcome == auditDesynced:
				report.Desynced++
			}
			// Per-connection failures never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	s.ticks.Add(1)
	return report
}

type auditOutcome int

const (
	auditUnchanged auditOutcome = iota
	auditRemoved
	auditDesynced
)

func (s *Synchronizer) auditConnection(ctx context.Context, connectionID string) (outcome auditOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit panic: %v", r)
		}
	}()

	conn, ok := s.conns.Get(connectionID)
	if !ok {
		if s.Untrack(connectionID) {
			s.logger.Debug("dropped checkpoint for unregistered connection", "connection_id", connectionID)
		}
		return auditRemoved, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.AuditInterval)
	defer cancel()
	live, err := conn.Transport.State(qctx)
	if err != nil {
		return auditUnchanged, fmt.Errorf("query transport state: %w", err)
	}

	now := s.clock.Now()

	s.mu.Lock()
	cp, ok := s.checkpoints[connectionID]
	if !ok {
		s.mu.Unlock()
		return auditUnchanged, nil
	}
	cp.Audits++

	// A connection being torn down is expected to drift.
	if cp.InternalState != model.InternalConnected {
		cp.TransportState = live
		s.mu.Unlock()
		return auditUnchanged, nil
	}

	var ev *model.SyncEvent
	switch {
	case live != cp.TransportState:
		ev = &model.SyncEvent{
			Type:         model.SyncEventStateDesync,
			ConnectionID: cp.ConnectionID,
			UserID:       cp.UserID,
			Previous:     cp.TransportState,
			Current:      live,
			LastActivity: cp.LastActivity,
			DetectedAt:   now,
		}
		cp.TransportState = live
		cp.Status = model.SyncStatusDesynced
		cp.DesyncReason = model.SyncEventStateDesync
	case cp.Status == model.SyncStatusSynced && now.Sub(cp.LastActivity) > s.cfg.DesyncThreshold:
		ev = &model.SyncEvent{
			Type:         model.SyncEventActivityTimeout,
			ConnectionID: cp.ConnectionID,
			UserID:       cp.UserID,
			Previous:     cp.TransportState,
			Current:      live,
			LastActivity: cp.LastActivity,
			DetectedAt:   now,
		}
		cp.Status = model.SyncStatusDesynced
		cp.DesyncReason = model.SyncEventActivityTimeout
	}

	var targets []Callback
	if ev != nil {
		for _, cb := range s.callbacks[connectionID] {
			targets = append(targets, cb)
		}
		targets = append(targets, s.listeners...)
	}
	s.mu.Unlock()

	if ev == nil {
		return auditUnchanged, nil
	}

	s.logger.Info("connection desynchronized",
		"connection_id", ev.ConnectionID,
		"user_id", ev.UserID,
		"reason", ev.Type,
		"previous", ev.Previous,
		"current", ev.Current,
	)
	s.notify(ctx, *ev, targets)
	return auditDesynced, nil
}

func (s *Synchronizer) notify(ctx context.Context, ev model.SyncEvent, targets []Callback) {
	for _, cb := range targets {
		cb := cb // per-iteration copy (go 1.21 loop semantics)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.auditErrors.Add(1)
					s.logger.Error("desync callback panicked",
						"connection_id", ev.ConnectionID,
						"panic", r,
					)
				}
			}()
			cb(ctx, ev)
		}()
	}
}

// StartMonitoring starts the background audit loop. The loop runs until ctx
// is cancelled or StopMonitoring is called.
func (s *Synchronizer) StartMonitoring(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)

	s.logger.Info("state synchronization started",
		"interval", s.cfg.AuditInterval,
		"max_concurrent_audits", s.cfg.MaxConcurrentAudits,
	)
	return nil
}

// StopMonitoring cancels the loop and waits for it to exit.
func (s *Synchronizer) StopMonitoring() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("state synchronization stopped")
}

// Running reports whether the loop is active.
func (s *Synchronizer) Running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.done != nil
}

func (s *Synchronizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	retry := backoff{base: s.cfg.AuditInterval, max: s.cfg.MaxBackoff}
	delay := s.cfg.AuditInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.loopFailures.Add(1)
			delay = retry.Next()
			s.logger.Error("audit loop failed, backing off", "error", err, "delay", delay)
			continue
		}
		retry.Reset()
		delay = s.cfg.AuditInterval
	}
}

func (s *Synchronizer) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	s.AuditOnce(ctx)
	s.maybeReap(ctx)
	return nil
}

func (s *Synchronizer) maybeReap(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	rc := s.reap
	due := rc != nil && (rc.every <= 0 || rc.last.IsZero() || now.Sub(rc.last) >= rc.every)
	if due {
		rc.last = now
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if n := rc.reaper.ReapStale(ctx, rc.maxAge); n > 0 {
		s.logger.Info("reaped stale sessions", "count", n)
	}
}

// Stats returns checkpoint and loop counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	st := Stats{Total: len(s.checkpoints)}
	for _, cp := range s.checkpoints {
		if cp.Status == model.SyncStatusSynced {
			st.Synced++
		} else {
			st.Desynced++
		}
	}
	s.mu.Unlock()

	if st.Total > 0 {
		st.SyncedRatio = float64(st.Synced) / float64(st.Total)
	} else {
		st.SyncedRatio = 1
	}
	st.Ticks = s.ticks.Load()
	st.LoopFailures = s.loopFailures.Load()
	st.AuditErrors = s.auditErrors.Load()
	return st
}
