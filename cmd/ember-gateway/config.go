// ABOUTME: Configuration loading for the ember-gateway process
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Discord DiscordConfig `toml:"discord"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
}

type DiscordConfig struct {
	GatewayURL string `toml:"gateway_url"`
	BotToken   string `toml:"bot_token"`
	Intents    int    `toml:"intents"`
}

type RelayConfig struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// defaultGatewayURL is the remote platform's gateway endpoint.
const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// defaultIntents subscribes to guild and message-content events.
const defaultIntents = 1<<0 | 1<<9 | 1<<15

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Discord.GatewayURL == "" {
		cfg.Discord.GatewayURL = defaultGatewayURL
	}
	if cfg.Discord.Intents == 0 {
		cfg.Discord.Intents = defaultIntents
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Discord.BotToken == "" {
		return fmt.Errorf("discord.bot_token is required")
	}

	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("relay.url must be an http(s) URL, got %q", c.Relay.URL)
	}

	if c.Relay.Secret == "" {
		return fmt.Errorf("relay.secret is required")
	}

	return nil
}
