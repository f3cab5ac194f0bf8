// ABOUTME: Persistent gateway connection to the remote platform's real-time protocol.
// ABOUTME: Drives the handshake/heartbeat/resume state machine and relays inbound messages.

package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect backoff parameters: min(backoffStep × attempt, backoffMax).
const (
	backoffStep = 5 * time.Second
	backoffMax  = 60 * time.Second
)

var (
	errHeartbeatTimeout   = errors.New("heartbeat ack timeout")
	errReconnectRequested = errors.New("reconnect requested by remote")
	errInvalidSession     = errors.New("remote session invalidated")
)

// ConnState is the gateway connection state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAwaitingHello
	StateAwaitingReadyOrResumed
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAwaitingReadyOrResumed:
		return "awaiting_ready_or_resumed"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Pusher delivers one inbound remote message toward the session process.
type Pusher interface {
	Push(ctx context.Context, threadID, text, author string, timestampMs int64) error
}

// Conn is the minimal transport the gateway client needs. Satisfied by
// *websocket.Conn.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a gateway transport connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// defaultDial connects over a WebSocket.
func defaultDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// GatewayConfig configures the gateway client.
type GatewayConfig struct {
	// URL is the gateway WebSocket endpoint.
	URL string
	// Token authenticates the bot account.
	Token string
	// Intents declares which dispatch events the connection subscribes to.
	Intents int
}

// Gateway maintains exactly one persistent, authenticated connection to the
// remote real-time protocol. Connection loss is never fatal: the connection
// is retried indefinitely with linear-capped backoff, resuming the remote
// session when possible.
type Gateway struct {
	cfg    GatewayConfig
	relay  Pusher
	logger *slog.Logger
	dial   DialFunc

	mu              sync.Mutex
	state           ConnState
	remoteSessionID string
	seq             int64
	seqKnown        bool
	attempts        int
	botUserID       string
}

// NewGateway creates a gateway client pushing inbound messages to relay.
func NewGateway(cfg GatewayConfig, relay Pusher, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		relay:  relay,
		logger: logger,
		dial:   defaultDial,
	}
}

// Run connects and serves the gateway until ctx is cancelled, reconnecting
// with backoff after every failure.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.mu.Lock()
		g.state = StateConnecting
		g.attempts++
		attempt := g.attempts
		g.mu.Unlock()

		delay := backoffStep * time.Duration(attempt)
		if delay > backoffMax {
			delay = backoffMax
		}
		g.logger.Warn("gateway connection lost, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials the gateway and serves one connection until it fails.
func (g *Gateway) runOnce(ctx context.Context) error {
	conn, err := g.dial(ctx, g.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	g.setState(StateAwaitingHello)
	g.logger.Info("gateway transport open", "url", g.cfg.URL)

	// done releases the reader when this connection is abandoned for any
	// reason, not just a read error; conn.Close alone cannot unblock a
	// reader parked on the frames send.
	done := make(chan struct{})
	defer close(done)

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	defer func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
	}()
	acked := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("reading gateway frame: %w", err)

		case <-heartbeatC:
			// One missed ack is tolerated by the interval itself; a second
			// tick without an ack forces a reconnect.
			if !acked {
				return errHeartbeatTimeout
			}
			acked = false
			if err := conn.WriteJSON(heartbeatFrame(g.lastSeq())); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case f := <-frames:
			switch f.Op {
			case OpHello:
				var hello helloData
				if err := json.Unmarshal(f.D, &hello); err != nil {
					return fmt.Errorf("decoding hello: %w", err)
				}
				if hello.HeartbeatIntervalMs <= 0 {
					return fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatIntervalMs)
				}
				heartbeat = time.NewTicker(time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond)
				heartbeatC = heartbeat.C
				if err := g.sendHandshake(conn); err != nil {
					return err
				}
				g.setState(StateAwaitingReadyOrResumed)

			case OpHeartbeat:
				// Remote requested an immediate beat.
				if err := conn.WriteJSON(heartbeatFrame(g.lastSeq())); err != nil {
					return fmt.Errorf("sending requested heartbeat: %w", err)
				}

			case OpHeartbeatAck:
				acked = true

			case OpReconnect:
				return errReconnectRequested

			case OpInvalidSession:
				// Resuming is off the table; the next attempt re-identifies.
				g.clearResumeState()
				return errInvalidSession

			case OpDispatch:
				g.handleDispatch(ctx, f)

			default:
				g.logger.Debug("ignoring gateway frame", "op", f.Op)
			}
		}
	}
}

// sendHandshake sends RESUME when a prior remote session is known,
// otherwise IDENTIFY.
func (g *Gateway) sendHandshake(conn Conn) error {
	g.mu.Lock()
	sessionID := g.remoteSessionID
	seq := g.seq
	resumable := sessionID != "" && g.seqKnown
	g.mu.Unlock()

	if resumable {
		g.logger.Info("resuming remote session", "remote_session_id", sessionID, "seq", seq)
		if err := conn.WriteJSON(resumeFrame(g.cfg.Token, sessionID, seq)); err != nil {
			return fmt.Errorf("sending resume: %w", err)
		}
		return nil
	}

	g.logger.Info("identifying new remote session")
	if err := conn.WriteJSON(identifyFrame(g.cfg.Token, g.cfg.Intents)); err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}
	return nil
}

// handleDispatch processes an OpDispatch frame: sequence tracking plus the
// READY/RESUMED/MESSAGE_CREATE events.
func (g *Gateway) handleDispatch(ctx context.Context, f Frame) {
	switch f.T {
	case EventReady:
		var ready readyData
		if err := json.Unmarshal(f.D, &ready); err != nil {
			g.logger.Error("decoding ready", "error", err)
			return
		}
		g.mu.Lock()
		g.remoteSessionID = ready.SessionID
		g.botUserID = ready.User.ID
		// Fresh logical session: sequence tracking starts over.
		g.seq = 0
		g.seqKnown = false
		if f.S != nil {
			g.seq = *f.S
			g.seqKnown = true
		}
		g.state = StateConnected
		g.attempts = 0
		g.mu.Unlock()
		g.logger.Info("gateway ready", "remote_session_id", ready.SessionID, "bot_user_id", ready.User.ID)

	case EventResumed:
		g.recordSeq(f.S)
		g.mu.Lock()
		g.state = StateConnected
		g.attempts = 0
		g.mu.Unlock()
		g.logger.Info("gateway resumed", "seq", g.seq)

	case EventMessageCreate:
		g.recordSeq(f.S)
		if g.currentState() != StateConnected {
			return
		}
		var msg MessageCreate
		if err := json.Unmarshal(f.D, &msg); err != nil {
			g.logger.Error("decoding message event", "error", err)
			return
		}
		g.relayMessage(ctx, msg)

	default:
		g.recordSeq(f.S)
	}
}

// relayMessage pushes an agent message toward the session process, skipping
// the bot's own messages and empty content. Push failures are logged only;
// retries are not attempted since the remote thread is the durable record.
func (g *Gateway) relayMessage(ctx context.Context, msg MessageCreate) {
	g.mu.Lock()
	botID := g.botUserID
	g.mu.Unlock()

	if msg.Author.Bot || (botID != "" && msg.Author.ID == botID) || msg.Content == "" {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := g.relay.Push(pushCtx, msg.ChannelID, msg.Content, msg.Author.Username, time.Now().UnixMilli()); err != nil {
		g.logger.Error("relay push failed",
			"thread_id", msg.ChannelID,
			"author", msg.Author.Username,
			"error", err,
		)
		return
	}
	g.logger.Debug("relayed agent message", "thread_id", msg.ChannelID, "author", msg.Author.Username)
}

// recordSeq advances sequence tracking. The sequence never decreases while
// a logical remote session is active.
func (g *Gateway) recordSeq(s *int64) {
	if s == nil {
		return
	}
	g.mu.Lock()
	if !g.seqKnown || *s > g.seq {
		g.seq = *s
		g.seqKnown = true
	}
	g.mu.Unlock()
}

// lastSeq returns the last observed sequence for heartbeats, nil when no
// dispatch has been seen yet.
func (g *Gateway) lastSeq() *int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seqKnown {
		return nil
	}
	seq := g.seq
	return &seq
}

// clearResumeState forgets the remote session so the next attempt
// re-identifies instead of resuming.
func (g *Gateway) clearResumeState() {
	g.mu.Lock()
	g.remoteSessionID = ""
	g.seq = 0
	g.seqKnown = false
	g.mu.Unlock()
}

func (g *Gateway) setState(s ConnState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gateway) currentState() ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ResumeState reports the stored remote session id and sequence, and
// whether a resume would be attempted on the next connection.
func (g *Gateway) ResumeState() (sessionID string, seq int64, resumable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remoteSessionID, g.seq, g.remoteSessionID != "" && g.seqKnown
}
