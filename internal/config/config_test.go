// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, and duration parsing

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv neutralises COVEN_NET_* variables from the surrounding shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfig, EnvAddr, EnvAliveTimeout, EnvEnvironment} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
env: production
server:
  addr: "0.0.0.0:3737"
  http_addr: "0.0.0.0:8080"

network:
  tick: "500ms"
  alive_timeout: "20s"
  ping_interval: "5s"
  max_ping_failures: 4
  query_timeout: "45s"
  unused_container_timeout: "2m"
  max_message_bytes: 1048576

journal:
  path: "./journal.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:3737" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "0.0.0.0:3737")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if !cfg.Production() {
		t.Error("Production() = false, want true")
	}
	if cfg.Network.Tick != 500*time.Millisecond {
		t.Errorf("Network.Tick = %v, want 500ms", cfg.Network.Tick)
	}
	if cfg.Network.AliveTimeout != 20*time.Second {
		t.Errorf("Network.AliveTimeout = %v, want 20s", cfg.Network.AliveTimeout)
	}
	if cfg.Network.MaxPingFailures != 4 {
		t.Errorf("Network.MaxPingFailures = %d, want 4", cfg.Network.MaxPingFailures)
	}
	if cfg.Network.QueryTimeout != 45*time.Second {
		t.Errorf("Network.QueryTimeout = %v, want 45s", cfg.Network.QueryTimeout)
	}
	if cfg.Network.UnusedContainerTimeout != 2*time.Minute {
		t.Errorf("Network.UnusedContainerTimeout = %v, want 2m", cfg.Network.UnusedContainerTimeout)
	}
	if cfg.Network.MaxMessageBytes != 1048576 {
		t.Errorf("Network.MaxMessageBytes = %d, want 1048576", cfg.Network.MaxMessageBytes)
	}
	if cfg.Journal.Path != "./journal.db" {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, "./journal.db")
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("Logging.SlogLevel() = %v, want debug", cfg.Logging.SlogLevel())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.toml", `
env = "development"

[server]
addr = "127.0.0.1:4000"

[network]
ping_interval = "2s"
max_ping_failures = 5

[tailscale]
enabled = false
hostname = "registry"

[journal]
path = "/tmp/journal.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:4000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:4000")
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Network.PingInterval != 2*time.Second {
		t.Errorf("Network.PingInterval = %v, want 2s", cfg.Network.PingInterval)
	}
	if cfg.Network.MaxPingFailures != 5 {
		t.Errorf("Network.MaxPingFailures = %d, want 5", cfg.Network.MaxPingFailures)
	}
	if cfg.Tailscale.Hostname != "registry" {
		t.Errorf("Tailscale.Hostname = %q, want registry", cfg.Tailscale.Hostname)
	}
	if cfg.Network.AliveTimeout != DevelopmentAliveTimeout {
		t.Errorf("Network.AliveTimeout = %v, want %v", cfg.Network.AliveTimeout, DevelopmentAliveTimeout)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Network.Tick != DefaultTick {
		t.Errorf("Network.Tick = %v, want %v", cfg.Network.Tick, DefaultTick)
	}
	if cfg.Network.AliveTimeout != DevelopmentAliveTimeout {
		t.Errorf("Network.AliveTimeout = %v, want %v", cfg.Network.AliveTimeout, DevelopmentAliveTimeout)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
	if cfg.Journal.Path != "" {
		t.Errorf("Journal.Path = %q, want empty", cfg.Journal.Path)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAddr, "10.1.1.1:9000")
	t.Setenv(EnvEnvironment, "production")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "10.1.1.1:9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "10.1.1.1:9000")
	}
	if cfg.Network.AliveTimeout != ProductionAliveTimeout {
		t.Errorf("Network.AliveTimeout = %v, want %v", cfg.Network.AliveTimeout, ProductionAliveTimeout)
	}

	t.Setenv(EnvAliveTimeout, "42")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network.AliveTimeout != 42*time.Second {
		t.Errorf("Network.AliveTimeout = %v, want 42s", cfg.Network.AliveTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAliveTimeout, "3m")
	path := writeConfig(t, "config.yaml", `
server:
  addr: "127.0.0.1:1"
network:
  alive_timeout: "5s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network.AliveTimeout != 3*time.Minute {
		t.Errorf("Network.AliveTimeout = %v, want 3m", cfg.Network.AliveTimeout)
	}
}

func TestLoad_BadEnvAliveTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAliveTimeout, "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("Load() expected error for invalid alive timeout")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_JOURNAL_DIR", "/var/lib/coven-net")

	path := writeConfig(t, "config.yaml", `
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
journal:
  path: "${TEST_JOURNAL_DIR}/journal.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Journal.Path != "/var/lib/coven-net/journal.db" {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, "/var/lib/coven-net/journal.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", "server:\n  addr: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.toml", "[server\naddr = 1\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
network:
  ping_interval: "often"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "ping_interval") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "30s", want: 30 * time.Second},
		{input: "2m", want: 2 * time.Minute},
		{input: "15", want: 15 * time.Second},
		{input: "0.5", want: 500 * time.Millisecond},
		{input: " 1h ", want: time.Hour},
		{input: "later", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDuration(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR_FOR_COVEN_NET_TEST}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name: "tailscale enabled allows empty server address",
			mutate: func(c *Config) {
				c.Server.Addr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "registry"}
			},
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name:          "tailscale disabled requires server address",
			mutate:        func(c *Config) { c.Server.Addr = "" },
			wantErrSubstr: "server.addr is required",
		},
		{
			name:          "tick must be positive",
			mutate:        func(c *Config) { c.Network.Tick = 0 },
			wantErrSubstr: "network.tick",
		},
		{
			name:          "short jwt secret",
			mutate:        func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErrSubstr: "jwt_secret",
		},
		{
			name:          "unknown log format",
			mutate:        func(c *Config) { c.Logging.Format = "xml" },
			wantErrSubstr: "logging.format",
		},
		{
			name:          "negative ping failures",
			mutate:        func(c *Config) { c.Network.MaxPingFailures = -1 },
			wantErrSubstr: "max_ping_failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErrSubstr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for level, want := range tests {
		if got := (LoggingConfig{Level: level}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}
