package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netra-systems/zen-sub342/internal/auth"
	"github.com/netra-systems/zen-sub342/internal/ws"
)

const userIDKey = "userID"

// RouterConfig collects what the HTTP API serves.
type RouterConfig struct {
	Validator auth.Validator
	Monitor   HealthReporter
	Sessions  LiveSessions
	Ledger    SessionLedger
	WebSocket http.Handler

	// Metrics is served at MetricsPath when non-nil.
	Metrics     prometheus.Gatherer
	MetricsPath string

	Logger *slog.Logger
}

// NewRouter builds the Gin engine with every route registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger.With("component", "http")))
	r.Use(corsMiddleware())

	health := NewHealthHandler(cfg.Monitor)
	r.GET("/health", health.Health)

	if cfg.Metrics != nil {
		r.GET(cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/health", health.Health)
		NewWebSocketHandler(cfg.WebSocket).RegisterRoutes(api)

		authed := api.Group("")
		authed.Use(RequireAuth(cfg.Validator))
		authed.GET("/stats", health.Stats)
		NewSessionHandler(cfg.Sessions, cfg.Ledger, cfg.Logger).RegisterRoutes(authed)
	}

	return r
}

// RequireAuth validates the bearer credential and stores the user ID on the context.
func RequireAuth(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := validator.Validate(ws.TokenFromRequest(c.Request))
		if err != nil {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credential")
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// requestLogger logs each request once it completes.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// corsMiddleware returns a CORS middleware for browser clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
