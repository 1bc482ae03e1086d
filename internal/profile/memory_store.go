package profile

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store intended for tests and dev runs.
type MemoryStore struct {
	mutex    sync.Mutex
	profiles map[string]Profile

	// DenyWrites simulates a store-side permission policy rejecting
	// all writes.
	DenyWrites bool
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

// Get returns the profile for id.
func (store *MemoryStore) Get(ctx context.Context, id string) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.profiles[id]
	if !found {
		return nil, fmt.Errorf("profile_store.get: %w", ErrProfileNotFound)
	}
	clone := record
	return &clone, nil
}

// Insert stores a new profile, failing on an existing id.
func (store *MemoryStore) Insert(ctx context.Context, record Profile) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.DenyWrites {
		return nil, fmt.Errorf("profile_store.insert: %w", ErrProfilePermissionDenied)
	}
	if _, exists := store.profiles[record.ID]; exists {
		return nil, fmt.Errorf("profile_store.insert: %w", ErrProfileConflict)
	}
	store.profiles[record.ID] = record
	clone := record
	return &clone, nil
}

// Upsert writes the profile unconditionally, preserving CreatedAt for
// existing rows.
func (store *MemoryStore) Upsert(ctx context.Context, record Profile) (*Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.DenyWrites {
		return nil, fmt.Errorf("profile_store.upsert: %w", ErrProfilePermissionDenied)
	}
	if existing, exists := store.profiles[record.ID]; exists {
		record.CreatedAt = existing.CreatedAt
	}
	store.profiles[record.ID] = record
	clone := record
	return &clone, nil
}

// Len reports the number of stored profiles.
func (store *MemoryStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.profiles)
}
