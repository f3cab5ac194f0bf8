// ABOUTME: Store errors and documentation for ember-relay persistence.
// ABOUTME: The SQLite store persists session snapshots for grace-window resumption.

// Package store persists session snapshots so a visitor can resume a
// conversation after connection loss, including across server restarts.
// Snapshots are best-effort state: the remote platform's thread history is
// the durable record.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")
