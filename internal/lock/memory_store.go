package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is a single-process Store. Expired entries are treated as
// absent, so a lock whose holder died is reclaimable after its TTL.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory lock store
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) SetNX(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memoryEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, owner string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.owner != owner {
		return false, nil
	}
	delete(s.entries, key)
	// an expired entry is gone either way, but it was no longer ours
	return now.Before(e.expiresAt), nil
}

// Owner returns the live owner of key, if any
func (s *MemoryStore) Owner(key string) (string, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return "", false
	}
	return e.owner, true
}
