// Package storage defines the persistence contract for workflow state
// and provides the built-in in-memory and SQLite drivers.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by Save when the stored instance has
// been modified since the caller loaded it. The caller should reload
// and either retry or abandon its attempt.
var ErrVersionConflict = errors.New("storage: workflow state version conflict")

// Storage persists workflow instance state.
//
// Implementations must enforce optimistic versioning in Save and must be
// safe for concurrent use. Load returns (nil, nil) when no instance with
// the given ID exists.
type Storage interface {
	// Save persists the state. A state with Version 0 is inserted and
	// must not already exist; otherwise the update only applies if the
	// stored version matches state.Version. On success the state's
	// Version is incremented and UpdatedAt is refreshed in place.
	// A mismatch (or an insert of an existing ID) returns
	// ErrVersionConflict.
	Save(ctx context.Context, state *State) error

	// Load retrieves an instance by ID, or (nil, nil) if absent.
	Load(ctx context.Context, instanceID string) (*State, error)

	// FindPending returns instances that need attention from a poller:
	// sleeping instances whose wake-up time is at or before now, and
	// running instances (in-flight markers are the engine's concern,
	// not the store's).
	FindPending(ctx context.Context, now time.Time) ([]*State, error)

	// Close releases any resources held by the store.
	Close() error
}
