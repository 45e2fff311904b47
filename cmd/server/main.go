package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/netra-systems/zen-sub342/api/handlers"
	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/config"
	"github.com/netra-systems/zen-sub342/internal/db"
	"github.com/netra-systems/zen-sub342/internal/model"
	"github.com/netra-systems/zen-sub342/internal/realtime"
	"github.com/netra-systems/zen-sub342/internal/repository"
	"github.com/netra-systems/zen-sub342/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Resolve(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionRepo := repository.NewSessionRepository(database)

	// Rows left open by a previous process belong to sockets that no longer exist.
	if n, err := sessionRepo.CloseAllOpen(ctx, model.CloseGoingAway, "server restarted", time.Now()); err != nil {
		logger.Warn("failed to close stale ledger rows", "error", err)
	} else if n > 0 {
		logger.Info("closed stale ledger rows", "count", n)
	}

	backboneCfg := realtime.ConfigFrom(cfg)
	backboneCfg.Store = sessionRepo
	backboneCfg.Logger = logger
	backbone := realtime.New(backboneCfg)

	if err := backbone.Start(ctx); err != nil {
		return err
	}

	if cfg.Database.Retention > 0 {
		go purgeLedger(ctx, sessionRepo, cfg.Database.Retention, logger)
	}

	validator := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	wsHandler := ws.NewHandler(validator, backbone.Sessions, backbone.Broadcast, ws.Config{
		Options: ws.Options{
			SendBuffer:   cfg.Server.SendBuffer,
			PingInterval: cfg.Server.PingInterval,
			PongWait:     cfg.Server.PongWait,
			WriteWait:    cfg.Server.WriteWait,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	var metrics prometheus.Gatherer
	if cfg.MetricsOn() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			backbone.Monitor,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = reg
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Validator:   validator,
		Monitor:     backbone.Monitor,
		Sessions:    backbone.Sessions,
		Ledger:      sessionRepo,
		WebSocket:   wsHandler,
		Metrics:     metrics,
		MetricsPath: cfg.Monitor.MetricsPath,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			backbone.Stop(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the
	// backbone closes them with going-away.
	backbone.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// purgeLedger drops closed ledger rows older than retention, hourly.
func purgeLedger(ctx context.Context, repo *repository.SessionRepository, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := repo.PurgeClosedBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("ledger purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged closed ledger rows", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
