package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/quizchain/internal/runs"
)

type entry struct {
	snap    runs.Snapshot
	savedAt time.Time
}

// Store keeps snapshots in process memory. Entries older than ttl are dropped, and the
// oldest entries are evicted once limit is exceeded.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	limit   int
	now     func() time.Time
}

// New returns an in-memory run store.
func New(ttl time.Duration, limit int) *Store {
	return &Store{entries: make(map[string]entry), ttl: ttl, limit: limit, now: time.Now}
}

// Save implements runs.Store.
func (s *Store) Save(_ context.Context, snap runs.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[snap.ID] = entry{snap: snap, savedAt: now}
	s.evict(now)
	return nil
}

// Get implements runs.Store.
func (s *Store) Get(_ context.Context, id string) (runs.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || s.expired(e, s.now()) {
		return runs.Snapshot{}, runs.ErrNotFound
	}
	return e.snap, nil
}

// Len reports the number of retained snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) expired(e entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.savedAt) > s.ttl
}

func (s *Store) evict(now time.Time) {
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
		}
	}
	if s.limit <= 0 || len(s.entries) <= s.limit {
		return
	}
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.entries[ids[i]].savedAt.Before(s.entries[ids[j]].savedAt)
	})
	for _, id := range ids[:len(ids)-s.limit] {
		delete(s.entries, id)
	}
}
