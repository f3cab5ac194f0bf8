// Package session owns the state of one visitor conversation: identity,
// external thread binding, bounded message history, and rate limiting.
//
// Each Session serializes its own mutations behind a mutex, so handlers for
// one visitor never interleave, while different sessions run fully
// concurrently. The Manager tracks live sessions, arbitrates resume against
// the snapshot store, and sweeps out sessions whose grace window has elapsed.
package session
