// ABOUTME: Entry point for the ember-relay session server
// ABOUTME: Hosts visitor WebSocket sessions and the relay push endpoint

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ember-relay/internal/config"
	"github.com/2389/ember-relay/internal/discord"
	"github.com/2389/ember-relay/internal/registry"
	"github.com/2389/ember-relay/internal/server"
	"github.com/2389/ember-relay/internal/session"
	"github.com/2389/ember-relay/internal/store"
	"github.com/2389/ember-relay/internal/verify"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _                          _
   ___ _ __ ___ | |__   ___ _ __      _ __ ___| | __ _ _   _
  / _ \ '_ ' _ \| '_ \ / _ \ '__|____| '__/ _ \ |/ _' | | | |
 |  __/ | | | | | |_) |  __/ | |_____| | |  __/ | (_| | |_| |
  \___|_| |_| |_|_.__/ \___|_|       |_|  \___|_|\__,_|\__, |
                                                       |___/
`

const defaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// getConfigPath returns the path to the server config file.
// Priority: EMBER_CONFIG env var > XDG_CONFIG_HOME/ember/server.yaml > ~/.config/ember/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EMBER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ember", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: ember-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the session server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting ember-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var verifier verify.Oracle
	if cfg.Verification.Enabled {
		verifyURL := cfg.Verification.VerifyURL
		if verifyURL == "" {
			verifyURL = defaultVerifyURL
		}
		verifier = verify.NewHTTPOracle(verifyURL, cfg.Verification.Secret, logger)
	} else {
		logger.Warn("visitor verification disabled, accepting all tokens")
		verifier = verify.AllowAll{}
	}

	threads := discord.NewREST(discord.RESTConfig{
		APIBase:   cfg.Discord.APIBase,
		Token:     cfg.Discord.BotToken,
		GuildID:   cfg.Discord.GuildID,
		ChannelID: cfg.Discord.ChannelID,
	}, logger.With("component", "rest"))

	reg := registry.New(logger)
	manager := session.NewManager(session.Config{
		Grace:         cfg.Sessions.Grace,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, st, threads, verifier, reg, logger.With("component", "sessions"))
	defer manager.Close()

	srv := server.New(cfg, manager, reg, logger)
	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("ember-server configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	origins := prompt(reader, "Allowed browser origins (comma-separated, empty for any)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", "sessions.db")

	fmt.Println("\n--- Relay Configuration ---")
	relaySecret := prompt(reader, "Relay shared secret env var", "${EMBER_RELAY_SECRET}")

	fmt.Println("\n--- Remote Platform Configuration ---")
	botToken := prompt(reader, "Bot token env var", "${DISCORD_BOT_TOKEN}")
	guildID := prompt(reader, "Guild ID", "")
	channelID := prompt(reader, "Channel ID", "")

	fmt.Println("\n--- Verification Configuration ---")
	verifyEnabled := prompt(reader, "Enable visitor verification?", "yes")
	verifySecret := ""
	if strings.ToLower(verifyEnabled) == "yes" || strings.ToLower(verifyEnabled) == "y" {
		verifySecret = prompt(reader, "Verification secret env var", "${TURNSTILE_SECRET}")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# ember-server configuration\n")
	cfg.WriteString("# Generated by ember-server init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if origins != "" {
		cfg.WriteString("  allowed_origins:\n")
		for _, origin := range strings.Split(origins, ",") {
			cfg.WriteString(fmt.Sprintf("    - %q\n", strings.TrimSpace(origin)))
		}
	}
	cfg.WriteString("\ndatabase:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\nrelay:\n")
	cfg.WriteString(fmt.Sprintf("  secret: %q\n", relaySecret))
	cfg.WriteString("\ndiscord:\n")
	cfg.WriteString(fmt.Sprintf("  bot_token: %q\n", botToken))
	cfg.WriteString(fmt.Sprintf("  guild_id: %q\n", guildID))
	cfg.WriteString(fmt.Sprintf("  channel_id: %q\n", channelID))
	cfg.WriteString("\nverification:\n")
	if verifySecret != "" {
		cfg.WriteString("  enabled: true\n")
		cfg.WriteString(fmt.Sprintf("  secret: %q\n", verifySecret))
	} else {
		cfg.WriteString("  enabled: false\n")
	}
	cfg.WriteString("\nsessions:\n")
	cfg.WriteString("  grace: \"1h\"\n")
	cfg.WriteString("  sweep_interval: \"5m\"\n")
	cfg.WriteString("\nlogging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nWrote %s\n", outputFile)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultValue
	}
	return answer
}
