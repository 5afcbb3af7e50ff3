package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/statussync/pkg/types"
)

// Entry is the latest status of a scope together with the time it was last
// published.
type Entry struct {
	Status    types.StatusUpdate
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory status store, keyed by scope.
// A background goroutine (Run) periodically evicts entries that have not
// been updated within the configured TTL. A zero TTL keeps entries forever.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores or replaces the status for u.Scope. A zero Timestamp is
// stamped with the store's clock.
func (s *Store) Put(u types.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if u.Timestamp.IsZero() {
		u.Timestamp = now.UTC()
	}
	s.data[u.Scope] = &Entry{
		Status:    u,
		UpdatedAt: now,
	}
}

// Get returns the live Entry for scope. Entries older than the TTL are
// reported as missing even before Run evicts them.
func (s *Store) Get(scope string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[scope]
	if !ok || !s.liveLocked(e, s.now()) {
		return Entry{}, false
	}
	return *e, true
}

// List returns all live entries sorted by scope.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if s.liveLocked(e, now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.Scope < out[j].Status.Scope })
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for scope, e := range s.data {
		if !s.liveLocked(e, now) {
			delete(s.data, scope)
			removed++
		}
	}
	return removed
}

func (s *Store) liveLocked(e *Entry, now time.Time) bool {
	return s.ttl <= 0 || e.UpdatedAt.After(now.Add(-s.ttl))
}

// Run starts the background TTL eviction loop. It ticks at half the TTL interval
// (minimum 1 second) so entries are evicted promptly. Run blocks until ctx is
// cancelled and returns at once when the TTL is zero.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale scopes", "count", n)
			}
		}
	}
}
