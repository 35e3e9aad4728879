package project

import (
	"context"
	"fmt"
)

// Store provides concurrency-safe access to project records.
//
// Implementations return deep copies from Get and List and store deep copies
// on Create and Save, so a caller can never observe or mutate a record that
// another goroutine is still writing.
type Store interface {
	// Create inserts a new record. Returns ErrProjectExists on duplicate name.
	Create(ctx context.Context, rec *Record) error

	// Get retrieves a snapshot of the named record.
	Get(ctx context.Context, name string) (*Record, error)

	// Save replaces the stored record. The stored history must be a prefix
	// of rec.History and the RunID must match.
	Save(ctx context.Context, rec *Record) error

	// List returns snapshots of all records ordered by name.
	List(ctx context.Context) ([]*Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, name string) error

	// Ping reports whether the backend is available.
	Ping(ctx context.Context) error

	// Backend names the storage implementation.
	Backend() string

	// Close releases resources.
	Close() error
}

// Open returns the store for the given backend name.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
