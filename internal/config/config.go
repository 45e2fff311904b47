// Package config loads the realtime server configuration.
//
// Configuration is a YAML file with ${VAR_NAME} environment expansion.
// Durations are written as Go duration strings ("5s", "1m30s"). Fields the
// file leaves empty fall back to the PORT, DB_PATH and JWT_SECRET
// environment variables and then to built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and WebSocket keepalive settings.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SendBuffer     int      `yaml:"send_buffer"`

	PingInterval    time.Duration `yaml:"-"`
	PongWait        time.Duration `yaml:"-"`
	WriteWait       time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	PingIntervalRaw    string `yaml:"ping_interval"`
	PongWaitRaw        string `yaml:"pong_wait"`
	WriteWaitRaw       string `yaml:"write_wait"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds the session ledger location.
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// Retention purges closed ledger rows older than this. Zero keeps them.
	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// SyncConfig holds state synchronizer tunables.
type SyncConfig struct {
	MaxConcurrentAudits int `yaml:"max_concurrent_audits"`

	AuditInterval   time.Duration `yaml:"-"`
	DesyncThreshold time.Duration `yaml:"-"`
	MaxBackoff      time.Duration `yaml:"-"`

	AuditIntervalRaw   string `yaml:"audit_interval"`
	DesyncThresholdRaw string `yaml:"desync_threshold"`
	MaxBackoffRaw      string `yaml:"max_backoff"`
}

// BroadcastConfig holds delivery tunables.
type BroadcastConfig struct {
	MaxConcurrentSends int `yaml:"max_concurrent_sends"`
	HistorySize        int `yaml:"history_size"`
	HistoryMaxUsers    int `yaml:"history_max_users"`

	SendTimeout time.Duration `yaml:"-"`
	HistoryTTL  time.Duration `yaml:"-"`

	SendTimeoutRaw string `yaml:"send_timeout"`
	HistoryTTLRaw  string `yaml:"history_ttl"`
}

// SessionsConfig holds session registry settings.
type SessionsConfig struct {
	MaxConnectionsPerUser int `yaml:"max_connections_per_user"`

	ReapInterval time.Duration `yaml:"-"`
	StaleAfter   time.Duration `yaml:"-"`
	CompletedTTL time.Duration `yaml:"-"`
	RunTTL       time.Duration `yaml:"-"`

	ReapIntervalRaw string `yaml:"reap_interval"`
	StaleAfterRaw   string `yaml:"stale_after"`
	CompletedTTLRaw string `yaml:"completed_run_ttl"`
	RunTTLRaw       string `yaml:"run_ttl"`
}

// MonitorConfig holds health and metrics settings.
type MonitorConfig struct {
	MaxDesyncRatio float64 `yaml:"max_desync_ratio"`
	MetricsEnabled *bool   `yaml:"metrics_enabled"`
	MetricsPath    string  `yaml:"metrics_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied and env
// fallbacks resolved.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// Resolve loads path when it is non-empty and otherwise returns Default.
func Resolve(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Load reads a configuration file from the given path and returns a parsed Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func applyEnv(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = getEnv("PORT", "")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = getEnv("DB_PATH", "")
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")
	}
}

func applyDefaults(cfg *Config) {
	setString := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDuration := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}

	setString(&cfg.Server.Port, "8080")
	setInt(&cfg.Server.SendBuffer, 256)
	setDuration(&cfg.Server.PingInterval, 20*time.Second)
	setDuration(&cfg.Server.PongWait, 25*time.Second)
	setDuration(&cfg.Server.WriteWait, 10*time.Second)
	setDuration(&cfg.Server.ShutdownTimeout, 15*time.Second)

	setString(&cfg.Database.Path, "data/realtime.db")

	setInt(&cfg.Sync.MaxConcurrentAudits, 10)
	setDuration(&cfg.Sync.AuditInterval, 5*time.Second)
	setDuration(&cfg.Sync.DesyncThreshold, 30*time.Second)
	setDuration(&cfg.Sync.MaxBackoff, 60*time.Second)

	setInt(&cfg.Broadcast.MaxConcurrentSends, 10)
	setInt(&cfg.Broadcast.HistorySize, 50)
	setInt(&cfg.Broadcast.HistoryMaxUsers, 10000)
	setDuration(&cfg.Broadcast.SendTimeout, 5*time.Second)
	setDuration(&cfg.Broadcast.HistoryTTL, 10*time.Minute)

	setDuration(&cfg.Sessions.ReapInterval, time.Minute)
	setDuration(&cfg.Sessions.StaleAfter, 5*time.Minute)
	setDuration(&cfg.Sessions.CompletedTTL, 10*time.Minute)
	setDuration(&cfg.Sessions.RunTTL, time.Hour)

	if cfg.Monitor.MaxDesyncRatio <= 0 {
		cfg.Monitor.MaxDesyncRatio = 0.1
	}
	if cfg.Monitor.MetricsEnabled == nil {
		enabled := true
		cfg.Monitor.MetricsEnabled = &enabled
	}
	setString(&cfg.Monitor.MetricsPath, "/metrics")

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")
}

// MetricsOn reports whether the /metrics endpoint is served.
func (c *Config) MetricsOn() bool {
	return c.Monitor.MetricsEnabled == nil || *c.Monitor.MetricsEnabled
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		return fmt.Errorf("server.ping_interval (%s) must be shorter than server.pong_wait (%s)",
			c.Server.PingInterval, c.Server.PongWait)
	}
	// Pongs are the only traffic an idle client produces.
	if c.Server.PingInterval >= c.Sync.DesyncThreshold {
		return fmt.Errorf("server.ping_interval (%s) must be shorter than sync.desync_threshold (%s)",
			c.Server.PingInterval, c.Sync.DesyncThreshold)
	}
	if c.Sync.MaxBackoff < c.Sync.AuditInterval {
		return fmt.Errorf("sync.max_backoff (%s) must not be shorter than sync.audit_interval (%s)",
			c.Sync.MaxBackoff, c.Sync.AuditInterval)
	}
	if c.Sessions.MaxConnectionsPerUser < 0 {
		return errors.New("sessions.max_connections_per_user must not be negative")
	}
	if c.Monitor.MaxDesyncRatio > 1 {
		return fmt.Errorf("monitor.max_desync_ratio must be within (0, 1], got %v", c.Monitor.MaxDesyncRatio)
	}
	if !strings.HasPrefix(c.Monitor.MetricsPath, "/") {
		return fmt.Errorf("monitor.metrics_path must start with /, got %q", c.Monitor.MetricsPath)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.ping_interval", cfg.Server.PingIntervalRaw, &cfg.Server.PingInterval},
		{"server.pong_wait", cfg.Server.PongWaitRaw, &cfg.Server.PongWait},
		{"server.write_wait", cfg.Server.WriteWaitRaw, &cfg.Server.WriteWait},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"sync.audit_interval", cfg.Sync.AuditIntervalRaw, &cfg.Sync.AuditInterval},
		{"sync.desync_threshold", cfg.Sync.DesyncThresholdRaw, &cfg.Sync.DesyncThreshold},
		{"sync.max_backoff", cfg.Sync.MaxBackoffRaw, &cfg.Sync.MaxBackoff},
		{"broadcast.send_timeout", cfg.Broadcast.SendTimeoutRaw, &cfg.Broadcast.SendTimeout},
		{"broadcast.history_ttl", cfg.Broadcast.HistoryTTLRaw, &cfg.Broadcast.HistoryTTL},
		{"sessions.reap_interval", cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval},
		{"sessions.stale_after", cfg.Sessions.StaleAfterRaw, &cfg.Sessions.StaleAfter},
		{"sessions.completed_run_ttl", cfg.Sessions.CompletedTTLRaw, &cfg.Sessions.CompletedTTL},
		{"sessions.run_ttl", cfg.Sessions.RunTTLRaw, &cfg.Sessions.RunTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: negative duration", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
