// ABOUTME: HTTP server wiring for the session process.
// ABOUTME: Mounts the visitor WebSocket, relay push, and health endpoints; supports tsnet listeners.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/ember-relay/internal/config"
	"github.com/2389/ember-relay/internal/dedupe"
	"github.com/2389/ember-relay/internal/registry"
	"github.com/2389/ember-relay/internal/relay"
	"github.com/2389/ember-relay/internal/session"
)

// threadResolver adapts the registry to the relay handler's lookup interface.
type threadResolver struct {
	reg *registry.Registry
}

func (t threadResolver) Resolve(threadID string) (relay.Target, bool) {
	sess, ok := t.reg.Resolve(threadID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Server hosts the session process's HTTP surface.
type Server struct {
	cfg      *config.Config
	manager  *session.Manager
	registry *registry.Registry
	dedupe   *dedupe.Cache
	logger   *slog.Logger

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New wires the HTTP mux over an already-constructed session manager and
// registry. The dedupe cache is owned by the server and closed with it.
func New(cfg *config.Config, manager *session.Manager, reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		registry: reg,
		dedupe:   dedupe.New(5*time.Minute, 100_000),
		logger:   logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(manager, cfg.Server.AllowedOrigins, logger))
	mux.Handle("/relay/push", relay.NewHandler(cfg.Relay.Secret, threadResolver{reg}, s.dedupe, logger))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(shutdownCtx)
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	s.dedupe.Close()
	if s.tsnetServer != nil {
		_ = s.tsnetServer.Close()
	}
	return err
}

// listen opens either a plain TCP listener or a tsnet listener joined to
// the configured tailnet.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if !s.cfg.Tailscale.Enabled {
		return net.Listen("tcp", s.cfg.Server.HTTPAddr)
	}

	tsCfg := s.cfg.Tailscale
	stateDir := tsCfg.StateDir
	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving tailscale state dir: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "ember-relay", "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		s.logger.Info("tailscale node ready", "tailscale_ip", status.TailscaleIPs[0].String())
	}

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
		"threads":  s.registry.Len(),
	})
}
