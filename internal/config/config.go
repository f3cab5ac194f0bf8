// ABOUTME: Configuration loading and parsing for ember-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ember-server configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Relay        RelayConfig        `yaml:"relay"`
	Discord      DiscordConfig      `yaml:"discord"`
	Verification VerificationConfig `yaml:"verification"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and browser origin policy
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins lists browser origins permitted to open the visitor
	// WebSocket. Upgrades from any other origin are rejected.
	AllowedOrigins []string `yaml:"allowed_origins"`
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

// RelayConfig holds the shared secret authenticating the gateway process
type RelayConfig struct {
	Secret string `yaml:"secret"`
}

// DiscordConfig holds credentials for the remote platform's REST API
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
	// APIBase overrides the API endpoint, mainly for tests
	APIBase string `yaml:"api_base"`
}

// VerificationConfig holds the anti-abuse token verification settings.
// When disabled every handshake token is accepted, for local development.
type VerificationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Secret    string `yaml:"secret"`
	VerifyURL string `yaml:"verify_url"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	Grace         time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	GraceRaw         string `yaml:"grace"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Relay.Secret == "" {
		return fmt.Errorf("relay.secret is required")
	}

	if c.Discord.BotToken == "" {
		return fmt.Errorf("discord.bot_token is required")
	}
	if c.Discord.GuildID == "" {
		return fmt.Errorf("discord.guild_id is required")
	}
	if c.Discord.ChannelID == "" {
		return fmt.Errorf("discord.channel_id is required")
	}

	if c.Verification.Enabled && c.Verification.Secret == "" {
		return fmt.Errorf("verification.secret is required when verification is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.GraceRaw != "" {
		cfg.Sessions.Grace, err = time.ParseDuration(cfg.Sessions.GraceRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.grace %q: %w", cfg.Sessions.GraceRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	return nil
}
