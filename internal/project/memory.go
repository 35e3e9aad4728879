package project

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Create inserts a new record.
func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, rec.Name)
	}
	m.records[rec.Name] = rec.Clone()
	return nil
}

// Get retrieves a snapshot of the named record.
func (m *MemoryStore) Get(ctx context.Context, name string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return rec.Clone(), nil
}

// Save replaces the stored record.
func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[rec.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, rec.Name)
	}
	if current.RunID != rec.RunID {
		return fmt.Errorf("%w: %s has run %s, got %s", ErrStaleRun, rec.Name, current.RunID, rec.RunID)
	}
	if err := checkAppendOnly(current.History, rec.History); err != nil {
		return err
	}

	next := rec.Clone()
	next.UpdatedAt = time.Now().UTC()
	m.records[rec.Name] = next
	return nil
}

// List returns snapshots of all records ordered by name.
func (m *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	delete(m.records, name)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Backend returns "memory".
func (m *MemoryStore) Backend() string { return "memory" }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
