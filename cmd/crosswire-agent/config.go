// ABOUTME: Configuration loading for the crosswire agent daemon
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Relay     RelayConfig     `toml:"relay"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Assistant AssistantConfig `toml:"assistant"`
	Logging   LoggingConfig   `toml:"logging"`
}

type RelayConfig struct {
	URL       string `toml:"url"`
	SecretKey string `toml:"secret_key"`
}

type WorkspaceConfig struct {
	Roots []string `toml:"roots"`
	Shell string   `toml:"shell"`
}

type AssistantConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// AbortGrace is how long an aborted run gets between SIGTERM and
	// SIGKILL. Zero means the executor's built-in default.
	AbortGrace    time.Duration `toml:"-"`
	AbortGraceRaw string        `toml:"abort_grace"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// defaultConfigPath returns the agent config location.
// Priority: CROSSWIRE_AGENT_CONFIG env var > XDG_CONFIG_HOME/crosswire/agent.toml > ~/.config/crosswire/agent.toml
func defaultConfigPath() string {
	if envPath := os.Getenv("CROSSWIRE_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crosswire", "agent.toml")
}

// loadConfig reads config from the given path, expanding environment variables.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if raw := cfg.Assistant.AbortGraceRaw; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing assistant.abort_grace %q: %w", raw, err)
		}
		cfg.Assistant.AbortGrace = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return fmt.Errorf("relay.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay.url must use ws:// or wss:// scheme, got %q", u.Scheme)
	}
	if c.Relay.SecretKey == "" {
		return fmt.Errorf("relay.secret_key is required")
	}
	if c.Assistant.Command == "" {
		return fmt.Errorf("assistant.command is required")
	}
	return nil
}

// expandEnvVars replaces ${VAR} with the value of the environment variable VAR.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}
