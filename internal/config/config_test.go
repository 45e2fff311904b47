package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "DB_PATH", "JWT_SECRET"} {
		t.Setenv(key, "")
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: "9090"
  allowed_origins:
    - "https://app.example.com"
  ping_interval: "20s"
  pong_wait: "30s"

auth:
  jwt_secret: "0123456789abcdef0123"

database:
  path: "./test.db"
  retention: "72h"

sync:
  audit_interval: "2s"
  desync_threshold: "45s"
  max_backoff: "30s"
  max_concurrent_audits: 4

broadcast:
  max_concurrent_sends: 16
  send_timeout: "3s"
  history_size: 20
  history_ttl: "90s"
  history_max_users: 500

sessions:
  max_connections_per_user: 5
  stale_after: "10m"

monitor:
  max_desync_ratio: 0.25
  metrics_enabled: false

logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.PingInterval != 20*time.Second {
		t.Errorf("Server.PingInterval = %v, want 20s", cfg.Server.PingInterval)
	}
	if cfg.Server.WriteWait != 10*time.Second {
		t.Errorf("Server.WriteWait = %v, want default 10s", cfg.Server.WriteWait)
	}
	if cfg.Database.Retention != 72*time.Hour {
		t.Errorf("Database.Retention = %v, want 72h", cfg.Database.Retention)
	}
	if cfg.Sync.AuditInterval != 2*time.Second {
		t.Errorf("Sync.AuditInterval = %v, want 2s", cfg.Sync.AuditInterval)
	}
	if cfg.Broadcast.HistoryTTL != 90*time.Second {
		t.Errorf("Broadcast.HistoryTTL = %v, want 90s", cfg.Broadcast.HistoryTTL)
	}
	if cfg.Broadcast.HistoryMaxUsers != 500 {
		t.Errorf("Broadcast.HistoryMaxUsers = %d, want 500", cfg.Broadcast.HistoryMaxUsers)
	}
	if cfg.Sync.DesyncThreshold != 45*time.Second {
		t.Errorf("Sync.DesyncThreshold = %v, want 45s", cfg.Sync.DesyncThreshold)
	}
	if cfg.Sync.MaxConcurrentAudits != 4 {
		t.Errorf("Sync.MaxConcurrentAudits = %d, want 4", cfg.Sync.MaxConcurrentAudits)
	}
	if cfg.Broadcast.SendTimeout != 3*time.Second {
		t.Errorf("Broadcast.SendTimeout = %v, want 3s", cfg.Broadcast.SendTimeout)
	}
	if cfg.Broadcast.HistorySize != 20 {
		t.Errorf("Broadcast.HistorySize = %d, want 20", cfg.Broadcast.HistorySize)
	}
	if cfg.Sessions.MaxConnectionsPerUser != 5 {
		t.Errorf("Sessions.MaxConnectionsPerUser = %d, want 5", cfg.Sessions.MaxConnectionsPerUser)
	}
	if cfg.Sessions.StaleAfter != 10*time.Minute {
		t.Errorf("Sessions.StaleAfter = %v, want 10m", cfg.Sessions.StaleAfter)
	}
	if cfg.Sessions.ReapInterval != time.Minute {
		t.Errorf("Sessions.ReapInterval = %v, want default 1m", cfg.Sessions.ReapInterval)
	}
	if cfg.Monitor.MaxDesyncRatio != 0.25 {
		t.Errorf("Monitor.MaxDesyncRatio = %v, want 0.25", cfg.Monitor.MaxDesyncRatio)
	}
	if cfg.MetricsOn() {
		t.Error("MetricsOn() = true, want false")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_REALTIME_SECRET", "expanded-secret-value")
	t.Setenv("TEST_REALTIME_DB", "/var/lib/realtime.db")

	cfg, err := Parse([]byte(`
auth:
  jwt_secret: "${TEST_REALTIME_SECRET}"
database:
  path: "${TEST_REALTIME_DB}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret-value" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/var/lib/realtime.db" {
		t.Errorf("Database.Path = %q, want expanded value", cfg.Database.Path)
	}
}

func TestParse_EnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("DB_PATH", "/tmp/fallback.db")
	t.Setenv("JWT_SECRET", "fallback-secret-0123456")

	cfg, err := Parse([]byte("logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("Server.Port = %q, want 7000", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/fallback.db" {
		t.Errorf("Database.Path = %q, want fallback", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "fallback-secret-0123456" {
		t.Errorf("Auth.JWTSecret = %q, want fallback", cfg.Auth.JWTSecret)
	}

	// The file wins over the environment.
	cfg, err = Parse([]byte("server:\n  port: \"8181\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != "8181" {
		t.Errorf("Server.Port = %q, want 8181", cfg.Server.Port)
	}
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	cfg := Default()

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Sync.AuditInterval != 5*time.Second {
		t.Errorf("Sync.AuditInterval = %v, want 5s", cfg.Sync.AuditInterval)
	}
	if cfg.Sync.MaxBackoff != 60*time.Second {
		t.Errorf("Sync.MaxBackoff = %v, want 60s", cfg.Sync.MaxBackoff)
	}
	if cfg.Broadcast.HistoryTTL != 10*time.Minute {
		t.Errorf("Broadcast.HistoryTTL = %v, want 10m", cfg.Broadcast.HistoryTTL)
	}
	if cfg.Monitor.MaxDesyncRatio != 0.1 {
		t.Errorf("Monitor.MaxDesyncRatio = %v, want 0.1", cfg.Monitor.MaxDesyncRatio)
	}
	if !cfg.MetricsOn() {
		t.Error("MetricsOn() = false, want true")
	}
	if cfg.Server.PingInterval >= cfg.Sync.DesyncThreshold {
		t.Errorf("Server.PingInterval = %v must be shorter than Sync.DesyncThreshold = %v",
			cfg.Server.PingInterval, cfg.Sync.DesyncThreshold)
	}
	if cfg.Server.PingInterval >= cfg.Server.PongWait {
		t.Errorf("Server.PingInterval = %v must be shorter than Server.PongWait = %v",
			cfg.Server.PingInterval, cfg.Server.PongWait)
	}

	// No secret configured anywhere.
	if _, err := Resolve(""); err == nil {
		t.Error("Resolve(\"\") should fail without a JWT secret")
	}

	t.Setenv("JWT_SECRET", "resolved-secret-0123456")
	resolved, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\") error = %v", err)
	}
	if resolved.Auth.JWTSecret != "resolved-secret-0123456" {
		t.Errorf("Auth.JWTSecret = %q", resolved.Auth.JWTSecret)
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	const secret = "auth:\n  jwt_secret: \"0123456789abcdef0123\"\n"

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", secret + "sync:\n  audit_interval: \"soon\"\n", "sync.audit_interval"},
		{"negative duration", secret + "broadcast:\n  send_timeout: \"-1s\"\n", "negative duration"},
		{"missing secret", "server:\n  port: \"1\"\n", "auth.jwt_secret is required"},
		{"short secret", "auth:\n  jwt_secret: \"short\"\n", "at least 16 bytes"},
		{"ping after pong", secret + "server:\n  ping_interval: \"90s\"\n", "server.ping_interval"},
		{"ping after desync threshold", secret + "server:\n  ping_interval: \"30s\"\n  pong_wait: \"40s\"\n", "sync.desync_threshold"},
		{"backoff below interval", secret + "sync:\n  audit_interval: \"2m\"\n", "sync.max_backoff"},
		{"ratio above one", secret + "monitor:\n  max_desync_ratio: 1.5\n", "monitor.max_desync_ratio"},
		{"bad level", secret + "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad format", secret + "logging:\n  format: \"xml\"\n", "logging.format"},
		{"negative limit", secret + "sessions:\n  max_connections_per_user: -1\n", "max_connections_per_user"},
		{"bad yaml", "server: [\n", "parsing config file"},
	}

	for _, tc := range tests {
		tc := tc // per-iteration copy (go 1.21 loop semantics)
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.content))
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Parse() error = %v, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}
