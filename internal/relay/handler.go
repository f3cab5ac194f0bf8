// ABOUTME: HTTP handler for the relay push endpoint on the session process.
// ABOUTME: Authenticates pushes, dedupes redeliveries, and routes to the owning session.

package relay

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/ember-relay/internal/dedupe"
)

// Target receives one inbound agent message.
type Target interface {
	DeliverRemote(text, author string)
}

// Resolver maps a thread id to the session that currently owns it.
type Resolver interface {
	Resolve(threadID string) (Target, bool)
}

// Handler serves POST /relay/push.
type Handler struct {
	secret   string
	resolver Resolver
	dedupe   *dedupe.Cache
	logger   *slog.Logger
}

// NewHandler creates the push handler. The shared secret authenticates the
// gateway process; cache makes redelivered pushes no-ops.
func NewHandler(secret string, resolver Resolver, cache *dedupe.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		resolver: resolver,
		dedupe:   cache,
		logger:   logger.With("component", "relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		h.logger.Warn("rejected push with bad credentials", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" || req.Message == "" || req.Author == "" || req.Timestamp == 0 {
		http.Error(w, "missing field", http.StatusBadRequest)
		return
	}

	// Everything past authentication and validation is acknowledged: the
	// gateway has nothing useful to do with a routing failure, and the
	// remote thread remains the durable record.
	key := dedupe.Key(req.ThreadID, req.Author, req.Timestamp, req.Message)
	if h.dedupe.CheckAndMark(key) {
		h.logger.Debug("dropping duplicate push", "thread_id", req.ThreadID)
		h.ack(w)
		return
	}

	target, ok := h.resolver.Resolve(req.ThreadID)
	if !ok {
		h.logger.Debug("no session for thread, dropping push", "thread_id", req.ThreadID)
		h.ack(w)
		return
	}

	target.DeliverRemote(req.Message, req.Author)
	h.logger.Debug("delivered push", "thread_id", req.ThreadID, "author", req.Author)
	h.ack(w)
}

// authorized checks the bearer token in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

func (h *Handler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PushResponse{Success: true})
}
