// ABOUTME: Sliding-window rate limiter for visitor message submission.
// ABOUTME: Allows at most RateLimitCount accepted messages per trailing RateLimitWindow.

package session

import "time"

// Rate limit parameters for visitor submissions.
const (
	RateLimitCount  = 10
	RateLimitWindow = 60 * time.Second
)

// slidingWindow tracks the timestamps of recently accepted messages.
// Entries outside the window are pruned lazily on each allow call.
// Not safe for concurrent use; the owning Session serializes access.
type slidingWindow struct {
	accepted []time.Time
	limit    int
	window   time.Duration
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// allow reports whether a message at time now may be accepted, and records
// it if so. Rejected calls are not recorded, so a flood of rejected messages
// does not extend the lockout.
func (s *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-s.window)
	kept := s.accepted[:0]
	for _, t := range s.accepted {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.accepted = kept

	if len(s.accepted) >= s.limit {
		return false
	}
	s.accepted = append(s.accepted, now)
	return true
}
