// ABOUTME: Tests for the session manager's handshake, resume, and sweep paths.
// ABOUTME: Uses fake collaborators for the thread client, verifier, registrar, and store.

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier answers the anti-abuse oracle.
type fakeVerifier struct {
	ok  bool
	err error
}

func (f fakeVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	return f.ok, f.err
}

// fakeRegistrar records thread ownership claims.
type fakeRegistrar struct {
	mu      sync.Mutex
	entries map[string]*Session
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{entries: make(map[string]*Session)}
}

func (f *fakeRegistrar) Register(threadID string, owner *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[threadID] = owner
}

func (f *fakeRegistrar) owner(threadID string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[threadID]
}

type managerFixture struct {
	manager   *Manager
	clock     *fakeClock
	threads   *fakeThreads
	store     *memStore
	registrar *fakeRegistrar
}

func newManagerFixture(t *testing.T, verifier Verifier) *managerFixture {
	t.Helper()
	f := &managerFixture{
		clock:     newFakeClock(),
		threads:   &fakeThreads{threadID: "thread-1", created: true},
		store:     newMemStore(),
		registrar: newFakeRegistrar(),
	}
	f.manager = NewManager(Config{}, f.store, f.threads, verifier, f.registrar, discardLogger())
	f.manager.now = f.clock.now
	t.Cleanup(f.manager.Close)
	return f
}

func validRequest() HandshakeRequest {
	return HandshakeRequest{
		Name:  "Ada",
		Email: "ada@example.com",
		Page:  "/pricing",
		Token: "tok",
	}
}

func TestHandshake_CreatesSession(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})
	sink := &fakeSink{}

	result, err := f.manager.Handshake(context.Background(), validRequest(), sink)
	require.NoError(t, err)

	assert.NotEmpty(t, result.Session.ID)
	assert.Equal(t, "thread-1", result.Session.ThreadID)
	assert.False(t, result.Resumed)
	assert.Empty(t, result.History)
	assert.Equal(t, StateActive, result.Session.State())

	// The new thread got the identity summary.
	sent := f.threads.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "New conversation")
	assert.Contains(t, sent[0], "ada@example.com")
	assert.Contains(t, sent[0], "/pricing")

	// Ownership registered and snapshot persisted.
	assert.Equal(t, result.Session, f.registrar.owner("thread-1"))
	_, err = f.store.GetSession(context.Background(), result.Session.ID)
	assert.NoError(t, err)
}

func TestHandshake_ReusedThreadSkipsSummary(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})
	f.threads.created = false

	result, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, "thread-1", result.Session.ThreadID)
	assert.Empty(t, f.threads.sentMessages())
}

func TestHandshake_InvalidIdentity(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	tests := []struct {
		name   string
		mutate func(*HandshakeRequest)
	}{
		{"missing name", func(r *HandshakeRequest) { r.Name = "" }},
		{"missing email", func(r *HandshakeRequest) { r.Email = "" }},
		{"malformed email", func(r *HandshakeRequest) { r.Email = "not-an-email" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := f.manager.Handshake(context.Background(), req, &fakeSink{})
			assert.ErrorIs(t, err, ErrInvalidIdentity)
		})
	}
	assert.Equal(t, 0, f.manager.Count())
}

func TestHandshake_VerificationDenied(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: false})

	_, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, 0, f.threads.finds)
}

func TestHandshake_VerifierUnreachable(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{err: errors.New("oracle down")})

	_, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestHandshake_ThreadCreationFails(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})
	f.threads.findErr = errors.New("api down")

	_, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	assert.ErrorIs(t, err, ErrExternalCall)
	assert.Equal(t, 0, f.manager.Count())
}

func TestHandshake_ResumesLiveSession(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	created, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	require.NoError(t, err)
	created.Session.DeliverRemote("hello from an agent", "taylor")
	created.Session.Detach()

	f.clock.advance(10 * time.Minute)

	req := validRequest()
	req.ResumeSessionID = created.Session.ID
	resumed, err := f.manager.Handshake(context.Background(), req, &fakeSink{})
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	assert.Equal(t, created.Session.ID, resumed.Session.ID)
	require.Len(t, resumed.History, 1)
	assert.Equal(t, "hello from an agent", resumed.History[0].Text)
	assert.Equal(t, StateActive, resumed.Session.State())
}

func TestHandshake_ResumeAfterGraceCreatesFresh(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	created, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	require.NoError(t, err)
	created.Session.Detach()

	f.clock.advance(DefaultGrace + time.Minute)

	req := validRequest()
	req.ResumeSessionID = created.Session.ID
	result, err := f.manager.Handshake(context.Background(), req, &fakeSink{})
	require.NoError(t, err)

	assert.False(t, result.Resumed)
	assert.NotEqual(t, created.Session.ID, result.Session.ID)
	assert.Empty(t, result.History)
}

func TestHandshake_RestoresFromSnapshotAfterRestart(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	created, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	require.NoError(t, err)
	created.Session.DeliverRemote("persisted reply", "taylor")
	created.Session.Detach()
	id := created.Session.ID

	// Simulate a restart: drop the live session, keep the store.
	f.manager.mu.Lock()
	delete(f.manager.sessions, id)
	f.manager.mu.Unlock()

	req := validRequest()
	req.ResumeSessionID = id
	resumed, err := f.manager.Handshake(context.Background(), req, &fakeSink{})
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	assert.Equal(t, id, resumed.Session.ID)
	require.Len(t, resumed.History, 1)
	assert.Equal(t, "persisted reply", resumed.History[0].Text)

	// Ownership was re-registered for the restored session.
	assert.Equal(t, resumed.Session, f.registrar.owner("thread-1"))
}

func TestHandshake_UnknownResumeIDCreatesFresh(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	req := validRequest()
	req.ResumeSessionID = "never-existed"
	result, err := f.manager.Handshake(context.Background(), req, &fakeSink{})
	require.NoError(t, err)
	assert.False(t, result.Resumed)
}

func TestRunSweep_ExpiresDetachedSessions(t *testing.T) {
	f := newManagerFixture(t, fakeVerifier{ok: true})

	created, err := f.manager.Handshake(context.Background(), validRequest(), &fakeSink{})
	require.NoError(t, err)
	created.Session.Detach()
	require.Equal(t, 1, f.manager.Count())

	// Within the grace window the sweep keeps the session.
	f.clock.advance(30 * time.Minute)
	f.manager.runSweep()
	assert.Equal(t, 1, f.manager.Count())

	f.clock.advance(DefaultGrace)
	f.manager.runSweep()
	assert.Equal(t, 0, f.manager.Count())
	assert.Equal(t, StateExpired, created.Session.State())

	// The stale snapshot is purged as well.
	_, err = f.store.GetSession(context.Background(), created.Session.ID)
	assert.Error(t, err)
}

func TestIdentitySummary(t *testing.T) {
	summary := identitySummary("Ada", "ada@example.com", "/pricing")
	assert.True(t, strings.HasPrefix(summary, "**New conversation**"))
	assert.Contains(t, summary, "Name: Ada")
	assert.Contains(t, summary, "Email: ada@example.com")
	assert.Contains(t, summary, "Page: /pricing")

	// An absent page is reported, not blank.
	assert.Contains(t, identitySummary("Ada", "ada@example.com", ""), "Page: unknown")
}
