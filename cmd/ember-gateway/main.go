// ABOUTME: Entry point for the ember-gateway process
// ABOUTME: Holds the persistent platform connection and relays agent replies to ember-server

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ember-relay/internal/discord"
	"github.com/2389/ember-relay/internal/relay"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ┏━╸┏┳┓┏┓ ┏━╸┏━┓   ┏━┓┏━╸╻     │
    │   ┣╸ ┃┃┃┣┻┓┣╸ ┣┳┛   ┣┳┛┣╸ ┃     │
    │   ┗━╸╹ ╹┗━┛┗━╸╹┗╸   ╹┗╸┗━╸┗━╸   │
    │                                  │
    │        ember-relay gateway       │
    │                                  │
    ╰──────────────────────────────────╯
`

// getConfigPath returns the path to the gateway config file.
// Priority: EMBER_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/ember/gateway.toml > ~/.config/ember/gateway.toml
func getConfigPath() string {
	if envPath := os.Getenv("EMBER_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ember", "gateway.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.Discord.GatewayURL)
	green.Print("    ▶ ")
	fmt.Printf("Relay:   %s\n", cfg.Relay.URL)
	fmt.Println()

	pusher := relay.NewClient(cfg.Relay.URL, cfg.Relay.Secret)
	gw := discord.NewGateway(discord.GatewayConfig{
		URL:     cfg.Discord.GatewayURL,
		Token:   cfg.Discord.BotToken,
		Intents: cfg.Discord.Intents,
	}, pusher, logger.With("component", "gateway"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gateway")
	err = gw.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
