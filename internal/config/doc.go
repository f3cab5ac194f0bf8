// Package config handles configuration loading for ember-server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	relay:
//	  secret: "${EMBER_RELAY_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  grace: "1h"
//	  sweep_interval: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  allowed_origins:
//	    - "https://example.com"
//
// Database:
//
//	database:
//	  path: "/var/lib/ember/sessions.db"
//
// Relay push authentication:
//
//	relay:
//	  secret: "${EMBER_RELAY_SECRET}"
//
// Remote platform REST credentials:
//
//	discord:
//	  bot_token: "${DISCORD_BOT_TOKEN}"
//	  guild_id: "123456789"
//	  channel_id: "987654321"
//
// Visitor verification:
//
//	verification:
//	  enabled: true
//	  secret: "${TURNSTILE_SECRET}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "ember-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/ember/server.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
