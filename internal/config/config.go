// ABOUTME: Configuration loading and parsing for the coven-net registry daemon
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and env overrides

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the file is read.
const (
	EnvConfig       = "COVEN_NET_CONFIG"
	EnvAddr         = "COVEN_NET_ADDR"
	EnvAliveTimeout = "COVEN_NET_ALIVE_TIMEOUT"
	EnvEnvironment  = "COVEN_NET_ENV"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Defaults.
const (
	DefaultAddr     = "localhost:3737"
	DefaultHTTPAddr = "localhost:3738"
	DefaultTick     = time.Second

	DevelopmentAliveTimeout = time.Hour
	ProductionAliveTimeout  = 10 * time.Second
)

// Config represents the complete registry daemon configuration
type Config struct {
	Env       string          `yaml:"env" toml:"env"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Network   NetworkConfig   `yaml:"network" toml:"network"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listen addresses
type ServerConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`           // BackRPC registry endpoint
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"` // health, API and metrics; empty disables
}

// NetworkConfig holds registry and transport timing
type NetworkConfig struct {
	Tick                   time.Duration `yaml:"-" toml:"-"`
	AliveTimeout           time.Duration `yaml:"-" toml:"-"`
	SessionTimeout         time.Duration `yaml:"-" toml:"-"`
	PingInterval           time.Duration `yaml:"-" toml:"-"`
	PingTimeout            time.Duration `yaml:"-" toml:"-"`
	QueryTimeout           time.Duration `yaml:"-" toml:"-"`
	UnusedContainerTimeout time.Duration `yaml:"-" toml:"-"`

	MaxPingFailures int `yaml:"max_ping_failures" toml:"max_ping_failures"`
	MaxMessageBytes int `yaml:"max_message_bytes" toml:"max_message_bytes"`

	// Raw string values, parsed after decoding
	TickRaw                   string `yaml:"tick" toml:"tick"`
	AliveTimeoutRaw           string `yaml:"alive_timeout" toml:"alive_timeout"`
	SessionTimeoutRaw         string `yaml:"session_timeout" toml:"session_timeout"`
	PingIntervalRaw           string `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeoutRaw            string `yaml:"ping_timeout" toml:"ping_timeout"`
	QueryTimeoutRaw           string `yaml:"query_timeout" toml:"query_timeout"`
	UnusedContainerTimeoutRaw string `yaml:"unused_container_timeout" toml:"unused_container_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Port      int    `yaml:"port" toml:"port"` // registry port on the tailnet
}

// JournalConfig holds the event journal location; an empty path disables it
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel maps the configured level onto slog, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Production reports whether the daemon runs with production defaults.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Addr:     DefaultAddr,
			HTTPAddr: DefaultHTTPAddr,
		},
		Network: NetworkConfig{
			Tick:            DefaultTick,
			MaxPingFailures: 3,
		},
		Tailscale: TailscaleConfig{
			Port: 3737,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file and returns a parsed Config. An empty path
// yields the defaults. Files ending in .toml are read as TOML, anything else
// as YAML. Environment variables in the format ${VAR_NAME} are expanded and
// COVEN_NET_* variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if err := decode(path, expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(data, cfg)
		return err
	default:
		return yaml.Unmarshal([]byte(data), cfg)
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Env = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvAliveTimeout); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAliveTimeout, err)
		}
		c.Network.AliveTimeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = EnvDevelopment
	}
	if c.Network.AliveTimeout == 0 {
		if c.Production() {
			c.Network.AliveTimeout = ProductionAliveTimeout
		} else {
			c.Network.AliveTimeout = DevelopmentAliveTimeout
		}
	}
	if c.Network.Tick == 0 {
		c.Network.Tick = DefaultTick
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tailscale.Port == 0 {
		c.Tailscale.Port = 3737
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Network.Tick <= 0 {
		return fmt.Errorf("network.tick must be positive")
	}
	if c.Network.MaxPingFailures < 0 {
		return fmt.Errorf("network.max_ping_failures must not be negative")
	}
	if c.Network.MaxMessageBytes < 0 {
		return fmt.Errorf("network.max_message_bytes must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	n := &cfg.Network
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tick", n.TickRaw, &n.Tick},
		{"alive_timeout", n.AliveTimeoutRaw, &n.AliveTimeout},
		{"session_timeout", n.SessionTimeoutRaw, &n.SessionTimeout},
		{"ping_interval", n.PingIntervalRaw, &n.PingInterval},
		{"ping_timeout", n.PingTimeoutRaw, &n.PingTimeout},
		{"query_timeout", n.QueryTimeoutRaw, &n.QueryTimeout},
		{"unused_container_timeout", n.UnusedContainerTimeoutRaw, &n.UnusedContainerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ParseDuration accepts a Go duration ("90s", "2m") or a plain number of
// seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
