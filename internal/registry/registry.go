// ABOUTME: Directory resolving an external thread id to the session that owns it.
// ABOUTME: Best-effort routing hint for inbound relay delivery; misses are normal.

package registry

import (
	"log/slog"
	"sync"

	"github.com/2389/ember-relay/internal/session"
)

// Registry maps external thread ids to their owning sessions. All reads and
// writes funnel through one lock, making register/resolve linearizable.
//
// The registry never owns session lifetime. Entries are not proactively
// deleted: a stale entry resolves to a session that reports itself expired,
// and the relay path treats that the same as a miss.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]*session.Session
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		owners: make(map[string]*session.Session),
		logger: logger,
	}
}

// Register records the session owning a thread. Last writer wins: a session
// re-created for the same thread silently replaces the previous owner.
func (r *Registry) Register(threadID string, owner *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[threadID]; ok && prev != owner {
		r.logger.Debug("thread ownership replaced",
			"thread_id", threadID,
			"previous_session", prev.ID,
			"session_id", owner.ID,
		)
	}
	r.owners[threadID] = owner
}

// Resolve returns the session currently registered for a thread. A false
// return means no session is listening; callers drop the message, since the
// remote platform's own history remains the durable record.
func (r *Registry) Resolve(threadID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[threadID]
	if !ok {
		return nil, false
	}
	if owner.State() == session.StateExpired {
		return nil, false
	}
	return owner, true
}

// Len returns the number of registered threads, stale entries included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
