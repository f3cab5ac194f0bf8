// ABOUTME: Tracks live sessions, arbitrates handshake/resume, and sweeps expired state.
// ABOUTME: Coordinates the verification oracle, thread collaborator, registry, and store.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultGrace is how long a detached session may be resumed.
const DefaultGrace = time.Hour

// ErrVerificationFailed indicates the anti-abuse oracle rejected the
// visitor's token. Terminal: the caller must close the connection.
var ErrVerificationFailed = errors.New("verification failed")

// ErrInvalidIdentity indicates a missing name or a syntactically invalid
// email in the handshake.
var ErrInvalidIdentity = errors.New("invalid name or email")

// Verifier is the anti-abuse oracle consumed as a yes/no answer.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Registrar records which session owns an external thread.
type Registrar interface {
	Register(threadID string, owner *Session)
}

// HandshakeRequest carries a decoded init payload plus connection metadata.
type HandshakeRequest struct {
	Name            string `validate:"required"`
	Email           string `validate:"required,email"`
	Page            string
	Token           string
	RemoteIP        string
	ResumeSessionID string
}

// HandshakeResult is the outcome of a successful handshake.
type HandshakeResult struct {
	Session *Session
	// History holds the messages to replay to the visitor. Empty for a
	// freshly created session.
	History []Message
	// Resumed is true when an existing session was re-attached.
	Resumed bool
}

// Config tunes Manager behaviour. Zero values fall back to defaults.
type Config struct {
	// Grace is the resumption window after detach. Defaults to DefaultGrace.
	Grace time.Duration
	// SweepInterval is how often expired sessions are collected. Defaults
	// to one minute.
	SweepInterval time.Duration
}

// Manager owns all live sessions in this process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store     SnapshotStore
	threads   ThreadClient
	verifier  Verifier
	registrar Registrar
	logger    *slog.Logger
	validate  *validator.Validate
	grace     time.Duration
	sweepTick time.Duration
	now       func() time.Time

	done   chan struct{}
	closed bool
}

// NewManager creates a Manager and starts its background expiry sweep.
func NewManager(cfg Config, store SnapshotStore, threads ThreadClient, verifier Verifier, registrar Registrar, logger *slog.Logger) *Manager {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	m := &Manager{
		sessions:  make(map[string]*Session),
		store:     store,
		threads:   threads,
		verifier:  verifier,
		registrar: registrar,
		logger:    logger,
		validate:  validator.New(),
		grace:     cfg.Grace,
		sweepTick: cfg.SweepInterval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Handshake verifies the visitor, then either resumes an existing session
// within the grace window or creates a fresh one bound to an external
// thread. The returned history must be replayed to the visitor on resume.
func (m *Manager) Handshake(ctx context.Context, req HandshakeRequest, sink Sink) (*HandshakeResult, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	ok, err := m.verifier.Verify(ctx, req.Token, req.RemoteIP)
	if err != nil {
		m.logger.Error("verification oracle unreachable", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !ok {
		return nil, ErrVerificationFailed
	}

	if req.ResumeSessionID != "" {
		if result := m.tryResume(ctx, req.ResumeSessionID, sink); result != nil {
			return result, nil
		}
		// Stale or unknown session id: fall through to fresh creation.
	}

	return m.create(ctx, req, sink)
}

// tryResume re-attaches a live session or rebuilds one from a stored
// snapshot, provided the grace window has not elapsed. Returns nil when the
// id is unknown or expired.
func (m *Manager) tryResume(ctx context.Context, id string, sink Sink) *HandshakeResult {
	now := m.now()

	m.mu.RLock()
	s, live := m.sessions[id]
	m.mu.RUnlock()

	if live {
		s.mu.Lock()
		fresh := s.state != StateExpired && now.Sub(s.lastActivity) < m.grace
		s.mu.Unlock()
		if !fresh {
			return nil
		}
		history := s.Attach(sink)
		m.logger.Info("session resumed", "session_id", s.ID, "thread_id", s.ThreadID)
		return &HandshakeResult{Session: s, History: history, Resumed: true}
	}

	snap, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil
	}
	if now.Sub(snap.LastActivityAt) >= m.grace {
		return nil
	}

	s = m.rebuild(snap)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.registrar.Register(s.ThreadID, s)

	history := s.Attach(sink)
	m.logger.Info("session restored from snapshot", "session_id", s.ID, "thread_id", s.ThreadID)
	return &HandshakeResult{Session: s, History: history, Resumed: true}
}

// create builds a new session: find or create the external thread, post the
// identity summary for brand-new threads, register ownership, and persist.
func (m *Manager) create(ctx context.Context, req HandshakeRequest, sink Sink) (*HandshakeResult, error) {
	threadID, created, err := m.threads.FindOrCreateThread(ctx, req.Email, req.Name)
	if err != nil {
		m.logger.Error("thread lookup/creation failed", "email", req.Email, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExternalCall, err)
	}

	if created {
		summary := identitySummary(req.Name, req.Email, req.Page)
		if err := m.threads.SendMessage(ctx, threadID, summary); err != nil {
			// The thread exists; a missing summary is not worth failing the
			// handshake over.
			m.logger.Warn("posting identity summary failed", "thread_id", threadID, "error", err)
		}
	}

	now := m.now()
	s := &Session{
		ID:           uuid.New().String(),
		ThreadID:     threadID,
		name:         req.Name,
		email:        req.Email,
		page:         req.Page,
		createdAt:    now,
		lastActivity: now,
		history:      newHistoryRing(),
		limiter:      newSlidingWindow(RateLimitCount, RateLimitWindow),
		state:        StateActive,
		sink:         sink,
		threads:      m.threads,
		store:        m.store,
		logger:       m.logger,
		now:          m.now,
		grace:        m.grace,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.registrar.Register(threadID, s)
	s.persist(ctx)

	m.logger.Info("session created",
		"session_id", s.ID,
		"thread_id", threadID,
		"thread_created", created,
	)
	return &HandshakeResult{Session: s}, nil
}

// rebuild reconstructs a Session from a snapshot.
func (m *Manager) rebuild(snap *Snapshot) *Session {
	s := &Session{
		ID:           snap.ID,
		ThreadID:     snap.ThreadID,
		name:         snap.Name,
		email:        snap.Email,
		page:         snap.Page,
		createdAt:    snap.CreatedAt,
		lastActivity: snap.LastActivityAt,
		messageCount: snap.MessageCount,
		history:      newHistoryRing(),
		limiter:      newSlidingWindow(RateLimitCount, RateLimitWindow),
		state:        StateDetached,
		threads:      m.threads,
		store:        m.store,
		logger:       m.logger,
		now:          m.now,
		grace:        m.grace,
	}
	s.history.restore(snap.History)
	return s
}

// Get returns the live session with the given id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live (active or detached) sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sweep periodically expires detached sessions past their grace window and
// purges stale snapshots from the store.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runSweep()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) runSweep() {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.expire(now) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("session expired", "session_id", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := m.store.DeleteExpiredSessions(ctx, now.Add(-m.grace)); err != nil {
		m.logger.Warn("purging expired snapshots failed", "error", err)
	} else if n > 0 {
		m.logger.Debug("purged expired snapshots", "count", n)
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.done)
		m.closed = true
	}
}

// identitySummary is the synthetic first message posted to a new thread.
func identitySummary(name, email, page string) string {
	if page == "" {
		page = "unknown"
	}
	return fmt.Sprintf("**New conversation**\nName: %s\nEmail: %s\nPage: %s", name, email, page)
}
