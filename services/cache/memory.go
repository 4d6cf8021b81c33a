package cache

import (
	"context"
	"sync"
	"time"

	"data_gateway/models"
)

// MemoryStore keeps entries in a map. Entries are immutable once stored;
// Put swaps the whole pointer.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key.String()]
	s.mu.RUnlock()

	if !ok || e.Expired(s.now()) {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key Key, payload models.Payload, source string, ttl time.Duration) error {
	now := s.now()
	e := &Entry{
		Payload:   payload,
		Source:    source,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.entries[key.String()] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, key Key) error {
	s.mu.Lock()
	delete(s.entries, key.String())
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Evict(_ context.Context) (int, error) {
	now := s.now()
	removed := 0

	s.mu.Lock()
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

// Len counts stored entries, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
