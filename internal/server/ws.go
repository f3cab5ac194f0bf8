// ABOUTME: WebSocket handler for visitor connections.
// ABOUTME: Upgrades, runs the init handshake, then pumps messages in and out of the session.

package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/ember-relay/internal/session"
	"github.com/2389/ember-relay/internal/wire"
)

// maxFrameBytes bounds an inbound WebSocket frame. Messages are capped at
// 2000 characters well below this; the envelope adds little.
const maxFrameBytes = 16 * 1024

// wsSink adapts a WebSocket connection to the session's outbound interface.
// Writes are serialized since the session and the read loop both send.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// PushMessage sends an agent message to the visitor.
func (s *wsSink) PushMessage(text, author string, timestampMs int64) error {
	data, err := wire.Message(text, author, timestampMs)
	if err != nil {
		return err
	}
	return s.write(data)
}

// WSHandler serves the visitor WebSocket endpoint.
type WSHandler struct {
	manager  *session.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the visitor endpoint. allowedOrigins is the browser
// origin allow-list; empty allows any origin, for local development.
func NewWSHandler(manager *session.Manager, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	h := &WSHandler{
		manager: manager,
		logger:  logger.With("component", "ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error, including origin rejections.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	sink := &wsSink{conn: conn}
	remoteIP := clientIP(r)

	var sess *session.Session
	defer func() {
		if sess != nil {
			sess.Detach()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		env, err := wire.ParseClient(raw)
		if err != nil {
			h.sendError(sink, "Unrecognized message.")
			continue
		}

		switch env.Type {
		case wire.TypePing:
			if data, err := wire.Pong(); err == nil {
				_ = sink.write(data)
			}

		case wire.TypeInit:
			if sess != nil {
				h.sendError(sink, "Session already initialized.")
				continue
			}
			s, fatal := h.handleInit(r, env.Init, remoteIP, sink)
			if fatal {
				return
			}
			sess = s

		case wire.TypeMessage:
			if sess == nil {
				h.sendError(sink, "Please initialize the session first.")
				continue
			}
			h.handleSubmit(r, sess, env.Message.Message, sink)
		}
	}
}

// handleInit runs the handshake and sends ready plus any replayed history.
// A nil session with fatal false means the visitor may correct the init and
// resend it; only verification failure and write errors end the connection.
func (h *WSHandler) handleInit(r *http.Request, init *wire.InitData, remoteIP string, sink *wsSink) (_ *session.Session, fatal bool) {
	req := session.HandshakeRequest{
		Name:            init.Name,
		Email:           init.Email,
		Page:            init.Page,
		Token:           init.VerificationToken,
		RemoteIP:        remoteIP,
		ResumeSessionID: init.SessionID,
	}

	result, err := h.manager.Handshake(r.Context(), req, sink)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidIdentity):
			h.sendError(sink, "Please provide a valid name and email.")
			return nil, false
		case errors.Is(err, session.ErrVerificationFailed):
			h.sendError(sink, "Verification failed. Please reload and try again.")
			return nil, true
		default:
			h.logger.Error("handshake failed", "error", err)
			h.sendError(sink, "Unable to start the conversation. Please try again later.")
			return nil, false
		}
	}

	greeting := "Connected. How can we help?"
	if result.Resumed {
		greeting = "Welcome back."
	}
	if data, err := wire.Ready(greeting, result.Session.ID); err == nil {
		if err := sink.write(data); err != nil {
			return nil, true
		}
	}

	for _, msg := range result.History {
		if data, err := wire.Message(msg.Text, msg.Author, msg.TimestampMs); err == nil {
			if err := sink.write(data); err != nil {
				return nil, true
			}
		}
	}

	h.logger.Info("visitor connected",
		"session_id", result.Session.ID,
		"resumed", result.Resumed,
		"replayed", len(result.History),
	)
	return result.Session, false
}

// handleSubmit forwards one visitor message and maps failures to visible
// error envelopes.
func (h *WSHandler) handleSubmit(r *http.Request, sess *session.Session, text string, sink *wsSink) {
	err := sess.Submit(r.Context(), text)
	switch {
	case err == nil:

	case errors.Is(err, session.ErrRateLimited):
		h.sendError(sink, "You're sending messages too quickly. Please wait a moment.")

	case errors.Is(err, session.ErrMessageEmpty):
		h.sendError(sink, "Message is empty.")

	case errors.Is(err, session.ErrMessageTooLong):
		h.sendError(sink, "Message is too long (2000 characters max).")

	default:
		h.logger.Error("message submit failed", "session_id", sess.ID, "error", err)
		h.sendError(sink, "Something went wrong sending your message. Please try again.")
	}
}

func (h *WSHandler) sendError(sink *wsSink, message string) {
	if data, err := wire.Error(message); err == nil {
		_ = sink.write(data)
	}
}

// clientIP extracts the visitor's address, preferring the forwarding header
// set by a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
