// ABOUTME: Configuration loading and parsing for crosswire-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete crosswire-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds relay listener configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LivenessConfig holds connection liveness timing configuration
type LivenessConfig struct {
	AuthTimeout  time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AuthTimeoutRaw  string `yaml:"auth_timeout"`
	PingIntervalRaw string `yaml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for liveness timing when the config omits them
const (
	DefaultAuthTimeout  = 30 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Liveness.AuthTimeout == 0 {
		c.Liveness.AuthTimeout = DefaultAuthTimeout
	}
	if c.Liveness.PingInterval == 0 {
		c.Liveness.PingInterval = DefaultPingInterval
	}
	if c.Liveness.WriteTimeout == 0 {
		c.Liveness.WriteTimeout = DefaultWriteTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale carries the traffic
	if !c.Tailscale.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Liveness.AuthTimeoutRaw, "auth_timeout", &cfg.Liveness.AuthTimeout},
		{cfg.Liveness.PingIntervalRaw, "ping_interval", &cfg.Liveness.PingInterval},
		{cfg.Liveness.WriteTimeoutRaw, "write_timeout", &cfg.Liveness.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
