package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/l0p7/fieldsync/internal/runtime/records"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]records.Entry
}

// NewMemory returns a process-local store. It does not survive restarts and is
// meant for tests and ephemeral sessions.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]records.Entry)}
}

func (s *memoryStore) Get(_ context.Context, key string) (records.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return records.Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found := s.entries[key]
	next, delta := applyPut(prev, found, key, recs, version, fetchedAt, maxAge)
	s.entries[key] = next
	return next.Clone(), delta, nil
}

func (s *memoryStore) MarkPending(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found := s.entries[key]
	s.entries[key] = applyPending(prev, found, key, at)
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found := s.entries[key]
	s.entries[key] = applyFailed(prev, found, key, at)
	return nil
}

func (s *memoryStore) Evict(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}
