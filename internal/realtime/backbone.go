// Package realtime composes the messaging backbone: connection registry,
// isolation guard, session registry, state synchronizer, broadcaster,
// agent event bridge and monitor.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/bridge"
	"github.com/netra-systems/zen-sub342/internal/broadcast"
	"github.com/netra-systems/zen-sub342/internal/buffer"
	"github.com/netra-systems/zen-sub342/internal/clock"
	"github.com/netra-systems/zen-sub342/internal/config"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/monitor"
	"github.com/netra-systems/zen-sub342/internal/registry"
	"github.com/netra-systems/zen-sub342/internal/session"
	"github.com/netra-systems/zen-sub342/internal/statesync"
)

// Config holds everything the backbone needs to be built.
type Config struct {
	Sync statesync.Config

	MaxConcurrentSends int
	SendTimeout        time.Duration
	HistorySize        int
	HistoryTTL         time.Duration
	HistoryMaxUsers    int

	MaxConnectionsPerUser int
	ReapInterval          time.Duration
	StaleAfter            time.Duration

	CompletedRunTTL time.Duration
	RunTTL          time.Duration

	MaxDesyncRatio float64

	// Store persists the session ledger. Nil disables it.
	Store  session.SessionStore
	Clock  clock.Clock
	Logger *slog.Logger
}

// ConfigFrom maps the file configuration onto the backbone.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Sync: statesync.Config{
			AuditInterval:       c.Sync.AuditInterval,
			MaxConcurrentAudits: c.Sync.MaxConcurrentAudits,
			DesyncThreshold:     c.Sync.DesyncThreshold,
			MaxBackoff:          c.Sync.MaxBackoff,
		},
		MaxConcurrentSends:    c.Broadcast.MaxConcurrentSends,
		SendTimeout:           c.Broadcast.SendTimeout,
		HistorySize:           c.Broadcast.HistorySize,
		HistoryTTL:            c.Broadcast.HistoryTTL,
		HistoryMaxUsers:       c.Broadcast.HistoryMaxUsers,
		MaxConnectionsPerUser: c.Sessions.MaxConnectionsPerUser,
		ReapInterval:          c.Sessions.ReapInterval,
		StaleAfter:            c.Sessions.StaleAfter,
		CompletedRunTTL:       c.Sessions.CompletedTTL,
		RunTTL:                c.Sessions.RunTTL,
		MaxDesyncRatio:        c.Monitor.MaxDesyncRatio,
	}
}

// Backbone owns every component and their lifecycle.
type Backbone struct {
	Registry  *registry.Registry
	Guard     *auth.Guard
	Sessions  *session.Manager
	Sync      *statesync.Synchronizer
	Broadcast *broadcast.Service
	Bridge    *bridge.Bridge
	Monitor   *monitor.Monitor
	History   *buffer.History

	logger *slog.Logger
}

// New wires the components together. Nothing runs until Start.
func New(cfg Config) *Backbone {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	reg := registry.New()
	history := buffer.NewHistory(buffer.HistoryConfig{
		PerUser:  cfg.HistorySize,
		TTL:      cfg.HistoryTTL,
		MaxUsers: cfg.HistoryMaxUsers,
		Clock:    cfg.Clock,
	})
	sync := statesync.New(reg, cfg.Sync, cfg.Clock, cfg.Logger)

	sessions := session.NewManager(reg, sync, session.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		Store:                 cfg.Store,
		Replay:                history,
		Clock:                 cfg.Clock,
		Logger:                cfg.Logger,
	})
	sync.SetReaper(sessions, cfg.ReapInterval, cfg.StaleAfter)

	guard := auth.NewGuard(reg, cfg.Logger)
	svc := broadcast.NewService(reg, guard, broadcast.Config{
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		SendTimeout:        cfg.SendTimeout,
		Activity:           sync,
		History:            history,
		Logger:             cfg.Logger,
	})
	sync.OnDesync(svc.HandleDesync)

	br := bridge.New(svc, bridge.Config{
		CompletedTTL: cfg.CompletedRunTTL,
		RunTTL:       cfg.RunTTL,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})

	mon := monitor.New(monitor.Sources{
		Connections: reg,
		Sessions:    sessions,
		Sync:        sync,
		Delivery:    svc,
		Runs:        br,
	}, cfg.MaxDesyncRatio, cfg.Clock)
	mon.SetLoopProbe(sync.Running)

	return &Backbone{
		Registry:  reg,
		Guard:     guard,
		Sessions:  sessions,
		Sync:      sync,
		Broadcast: svc,
		Bridge:    br,
		Monitor:   mon,
		History:   history,
		logger:    cfg.Logger.With("component", "backbone"),
	}
}

// Start launches the synchronizer loop.
func (b *Backbone) Start(ctx context.Context) error {
	if err := b.Sync.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("start synchronizer: %w", err)
	}
	b.logger.Info("backbone started", "audit_interval", b.Sync.Config().AuditInterval)
	return nil
}

// Stop halts the loop and closes every connection with going-away.
func (b *Backbone) Stop(ctx context.Context) {
	b.Sync.StopMonitoring()
	closed := b.Sessions.CloseAll(ctx, model.CloseGoingAway, "server shutting down")
	b.logger.Info("backbone stopped", "closed_connections", closed)
}
