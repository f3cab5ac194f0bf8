// ABOUTME: Session state for one visitor conversation and its serialized operations.
// ABOUTME: Handles message submission, remote delivery, detach, and snapshot conversion.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxMessageLen is the longest visitor message accepted by Submit.
const MaxMessageLen = 2000

// Sentinel errors surfaced to visitors. ErrVerificationFailed is terminal
// for the connection attempt; the rest leave the connection open.
var (
	ErrNotInitialized = errors.New("session not initialized")
	ErrMessageEmpty   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message too long")
	ErrRateLimited    = errors.New("rate limited")
	ErrExternalCall   = errors.New("external call failed")
)

// State is the lifecycle state of a session.
type State int

const (
	// StateActive means a live visitor connection is attached.
	StateActive State = iota
	// StateDetached means the connection was lost; the session is kept for
	// the grace window so the visitor can resume.
	StateDetached
	// StateExpired means the grace window elapsed without resumption.
	// Terminal; registry entries pointing here are ignored.
	StateExpired
)

// Sink receives messages pushed to a live visitor connection.
type Sink interface {
	PushMessage(text, author string, timestampMs int64) error
}

// ThreadClient is the external conversation collaborator: it finds or
// creates the remote thread for a visitor and posts messages into it.
type ThreadClient interface {
	FindOrCreateThread(ctx context.Context, email, name string) (threadID string, created bool, err error)
	SendMessage(ctx context.Context, threadID, content string) error
}

// Snapshot is the persisted form of a session, written through to the
// snapshot store so sessions survive connection loss and server restarts
// for the duration of the grace window.
type Snapshot struct {
	ID             string
	Name           string
	Email          string
	Page           string
	ThreadID       string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	History        []Message
}

// SnapshotStore persists session snapshots for grace-window resumption.
type SnapshotStore interface {
	PutSession(ctx context.Context, snap *Snapshot) error
	GetSession(ctx context.Context, id string) (*Snapshot, error)
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// Session is the single point of truth for one visitor conversation.
// All mutating operations are serialized behind mu.
type Session struct {
	// ID is the opaque session token issued at creation. Immutable.
	ID string
	// ThreadID is the external conversation identifier. Immutable once set.
	ThreadID string

	mu           sync.Mutex
	name         string
	email        string
	page         string
	createdAt    time.Time
	lastActivity time.Time
	messageCount int
	history      *historyRing
	limiter      *slidingWindow
	state        State
	sink         Sink

	threads ThreadClient
	store   SnapshotStore
	logger  *slog.Logger
	now     func() time.Time
	grace   time.Duration
}

// Submit validates and records a visitor message, then forwards it to the
// external thread. Failed validation leaves history and the message count
// untouched.
func (s *Session) Submit(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if text == "" {
		s.mu.Unlock()
		return ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		s.mu.Unlock()
		return ErrMessageTooLong
	}
	now := s.now()
	if !s.limiter.allow(now) {
		s.mu.Unlock()
		return ErrRateLimited
	}

	s.history.append(Message{Author: s.name, Text: text, TimestampMs: now.UnixMilli()})
	s.messageCount++
	s.lastActivity = now
	threadID := s.ThreadID
	s.mu.Unlock()

	s.persist(ctx)

	if err := s.threads.SendMessage(ctx, threadID, text); err != nil {
		s.logger.Error("forwarding message to thread failed", "session_id", s.ID, "thread_id", threadID, "error", err)
		return fmt.Errorf("%w: %v", ErrExternalCall, err)
	}
	return nil
}

// DeliverRemote records an inbound agent message and pushes it to the live
// connection if one is attached. With no connection attached the message is
// still recorded so it replays on the next resume.
func (s *Session) DeliverRemote(text, author string) {
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		return
	}
	now := s.now()
	msg := Message{Author: author, Text: text, TimestampMs: now.UnixMilli()}
	s.history.append(msg)
	s.lastActivity = now
	sink := s.sink
	s.mu.Unlock()

	s.persist(context.Background())

	if sink == nil {
		return
	}
	if err := sink.PushMessage(msg.Text, msg.Author, msg.TimestampMs); err != nil {
		s.logger.Warn("pushing message to visitor failed", "session_id", s.ID, "error", err)
	}
}

// Attach binds a live connection to the session, returning the stored
// history for replay. Any previously attached connection is superseded.
func (s *Session) Attach(sink Sink) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.state = StateActive
	s.lastActivity = s.now()
	return s.history.messages()
}

// Detach marks the session connection-less and starts the grace clock.
// Session state is preserved for resumption.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.state == StateActive {
		s.sink = nil
		s.state = StateDetached
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
	s.persist(context.Background())
}

// History returns the session's messages oldest-first.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.messages()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MessageCount returns the number of accepted visitor messages.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// expire transitions a detached session past its grace window to the
// terminal state. Returns true if the session expired.
func (s *Session) expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDetached && now.Sub(s.lastActivity) >= s.grace {
		s.state = StateExpired
		return true
	}
	return false
}

// snapshot captures the session under its lock.
func (s *Session) snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{
		ID:             s.ID,
		Name:           s.name,
		Email:          s.email,
		Page:           s.page,
		ThreadID:       s.ThreadID,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		MessageCount:   s.messageCount,
		History:        s.history.messages(),
	}
}

// persist writes the session through to the snapshot store. Persistence
// failures are logged, never surfaced: the in-memory session remains the
// live copy and the remote thread is the durable record.
func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.PutSession(ctx, s.snapshot()); err != nil {
		s.logger.Warn("persisting session snapshot failed", "session_id", s.ID, "error", err)
	}
}
