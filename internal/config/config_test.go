// ABOUTME: Tests for ember-server configuration loading
// ABOUTME: Covers env expansion, duration parsing, and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a YAML config to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `
server:
  http_addr: "127.0.0.1:8080"
  allowed_origins:
    - "https://example.com"
database:
  path: "/tmp/ember-test.db"
relay:
  secret: "test-secret"
discord:
  bot_token: "bot-token"
  guild_id: "guild-1"
  channel_id: "channel-1"
sessions:
  grace: "1h"
  sweep_interval: "5m"
logging:
  level: "debug"
  format: "json"
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/tmp/ember-test.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Relay.Secret)
	assert.Equal(t, "guild-1", cfg.Discord.GuildID)
	assert.Equal(t, time.Hour, cfg.Sessions.Grace)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/server.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("EMBER_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/ember-test.db"
relay:
  secret: "${EMBER_TEST_SECRET}"
discord:
  bot_token: "bot-token"
  guild_id: "guild-1"
  channel_id: "channel-1"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Relay.Secret)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	// An unset variable expands to empty, which then fails validation.
	_, err := Load(writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/ember-test.db"
relay:
  secret: "${EMBER_DEFINITELY_UNSET_VAR}"
discord:
  bot_token: "bot-token"
  guild_id: "guild-1"
  channel_id: "channel-1"
`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "relay.secret is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
sessions:
  grace: "not-a-duration"
`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing durations")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
			Database: DatabaseConfig{Path: "/tmp/ember.db"},
			Relay:    RelayConfig{Secret: "s"},
			Discord: DiscordConfig{
				BotToken:  "t",
				GuildID:   "g",
				ChannelID: "c",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale replaces http addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = "ember"
			},
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Tailscale.Enabled = true
			},
			wantErr: "tailscale.hostname",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "missing relay secret",
			mutate:  func(c *Config) { c.Relay.Secret = "" },
			wantErr: "relay.secret",
		},
		{
			name:    "missing bot token",
			mutate:  func(c *Config) { c.Discord.BotToken = "" },
			wantErr: "discord.bot_token",
		},
		{
			name:    "missing guild",
			mutate:  func(c *Config) { c.Discord.GuildID = "" },
			wantErr: "discord.guild_id",
		},
		{
			name:    "missing channel",
			mutate:  func(c *Config) { c.Discord.ChannelID = "" },
			wantErr: "discord.channel_id",
		},
		{
			name: "verification enabled without secret",
			mutate: func(c *Config) {
				c.Verification.Enabled = true
			},
			wantErr: "verification.secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
