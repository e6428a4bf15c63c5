// Package snapshot persists transport-free session metadata to a durable
// key-value cache so sessions can be discovered after a process restart.
// Every snapshot is written with a TTL equal to the session inactivity
// timeout; an idle session's metadata expires on its own.
package snapshot

import (
	"context"
	"time"
)

// Snapshot is the persisted representation of a session. It deliberately
// excludes the live transport handle and broadcaster task: a restored
// record never has a live connection.
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	Owner        string    `json:"owner"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Status       string    `json:"status"`
	Controller   string    `json:"controller,omitempty"`
	Observers    []string  `json:"observers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Store is a durable key-value cache for session snapshots. Durability is
// a convenience, not a correctness requirement: callers degrade to
// in-memory-only operation when a Store call fails.
type Store interface {
	// Save writes the snapshot with the given TTL, replacing any prior
	// snapshot for the same session.
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error
	// Get returns the snapshot for a session ID. The bool reports whether
	// a non-expired snapshot existed.
	Get(ctx context.Context, sessionID string) (Snapshot, bool, error)
	// List returns all non-expired snapshots.
	List(ctx context.Context) ([]Snapshot, error)
	// Delete removes the snapshot for a session ID. Removing a missing
	// snapshot is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Close releases the store's resources.
	Close() error
}
