// Package config loads and persists copilotbot configuration from YAML,
// with environment variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"copilotbot/internal/security"
)

// ApplySecurityEnv publishes allowlists into the same environment variables
// an operator may use as overrides. Remember what we wrote so a reload does
// not mistake our own values for an operator override and resurrect stale
// allowlists over freshly edited YAML.
var (
	publishedMu       sync.Mutex
	publishedPaths    string
	publishedBinaries string
)

func isSelfPublished(key, value string) bool {
	publishedMu.Lock()
	defer publishedMu.Unlock()
	switch key {
	case security.AllowedPathsEnv:
		return value != "" && value == publishedPaths
	case security.AllowedExecutablesEnv:
		return value != "" && value == publishedBinaries
	}
	return false
}

// Config holds all copilotbot configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Telegram bot settings
	Bot BotConfig `yaml:"bot"`

	// SQLite storage
	Database DatabaseConfig `yaml:"database"`

	// Execution security allowlists
	Security SecurityConfig `yaml:"security"`

	// MCP server session management
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BotConfig configures the Telegram transport.
type BotConfig struct {
	Token string `yaml:"token"`

	// Long-poll timeout in seconds passed to the Telegram API
	PollTimeout int `yaml:"poll_timeout"`

	// Chat IDs allowed to talk to the bot. Empty means any chat.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`

	BusyTimeout string `yaml:"busy_timeout"`
}

// SecurityConfig configures the execution security layer.
type SecurityConfig struct {
	// Directory roots the bot may navigate and launch servers from
	AllowedPaths []string `yaml:"allowed_paths"`

	// Executable basenames that may be launched. Empty means the
	// built-in interpreter set.
	AllowedBinaries []string `yaml:"allowed_binaries"`

	// Timeout for PATH resolution of absolute executable paths
	LookupTimeout string `yaml:"lookup_timeout"`
}

// SessionConfig configures launched MCP server sessions.
type SessionConfig struct {
	// Sessions with no activity for this long are reaped
	IdleTimeout string `yaml:"idle_timeout"`

	// Timeout for one-shot command execution
	ExecTimeout string `yaml:"exec_timeout"`

	// Cap on captured stdout/stderr bytes per command
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "copilotbot",
		Version: "1.0.0",

		Bot: BotConfig{
			PollTimeout: 30,
		},

		Database: DatabaseConfig{
			Path:        "data/copilotbot.db",
			BusyTimeout: "5s",
		},

		Security: SecurityConfig{
			LookupTimeout: "5s",
		},

		Session: SessionConfig{
			IdleTimeout:    "30m",
			ExecTimeout:    "60s",
			MaxOutputBytes: 64 * 1024,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if token := os.Getenv("COPILOT_BOT_TOKEN"); token != "" {
		c.Bot.Token = token
	}

	if path := os.Getenv("COPILOT_DB"); path != "" {
		c.Database.Path = path
	}

	// The security package reads its allowlists straight from the
	// environment, so operator-set env vars win over the YAML values here
	// too. Values ApplySecurityEnv itself published are not overrides.
	if raw := os.Getenv(security.AllowedPathsEnv); raw != "" && !isSelfPublished(security.AllowedPathsEnv, raw) {
		c.Security.AllowedPaths = splitList(raw)
	}
	if raw := os.Getenv(security.AllowedExecutablesEnv); raw != "" && !isSelfPublished(security.AllowedExecutablesEnv, raw) {
		c.Security.AllowedBinaries = splitList(raw)
	}

	if level := os.Getenv("COPILOT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// ApplySecurityEnv publishes the configured allowlists into the environment
// variables the security checkers re-read on every query. Call it once at
// startup and again after any config reload.
func (c *Config) ApplySecurityEnv() {
	publishedMu.Lock()
	defer publishedMu.Unlock()

	if len(c.Security.AllowedPaths) > 0 {
		security.SetAllowedPaths(c.Security.AllowedPaths)
		publishedPaths = os.Getenv(security.AllowedPathsEnv)
	}
	if len(c.Security.AllowedBinaries) > 0 {
		security.SetAllowedExecutables(c.Security.AllowedBinaries)
		publishedBinaries = os.Getenv(security.AllowedExecutablesEnv)
	}
}

// GetLookupTimeout returns the PATH lookup timeout as a duration.
func (c *Config) GetLookupTimeout() time.Duration {
	d, err := time.ParseDuration(c.Security.LookupTimeout)
	if err != nil {
		return security.DefaultLookupTimeout
	}
	return d
}

// GetIdleTimeout returns the session idle timeout as a duration.
func (c *Config) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Session.IdleTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetExecTimeout returns the one-shot execution timeout as a duration.
func (c *Config) GetExecTimeout() time.Duration {
	d, err := time.ParseDuration(c.Session.ExecTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetBusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Database.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Bot.Token == "" {
		return fmt.Errorf("bot token not configured (set COPILOT_BOT_TOKEN or bot.token)")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Session.MaxOutputBytes <= 0 {
		return fmt.Errorf("session.max_output_bytes must be positive")
	}
	return nil
}
