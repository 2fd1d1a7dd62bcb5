package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Expired entries are dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	existing, ok := s.entries[id]
	if ok && now.Before(existing.ExpiresAt) {
		outcome, err := decide(existing, fingerprint)
		return outcome, existing, err
	}
	entry := newInFlight(key, fingerprint, now, ttl)
	s.entries[id] = entry
	return OutcomeAcquired, entry, nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if !ok {
		entry = newInFlight(key, fingerprint, now, ttl)
	}
	if entry.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	s.entries[id] = completed(entry, snap, now, ttl)
	return nil
}

// Abandon implements Store.
func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, documentID(key))
	return nil
}
