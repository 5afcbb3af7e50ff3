package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/statussync/pkg/types"
)

// Cache is a thread-safe in-memory snapshot store keyed by scope.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]types.StatusSnapshot
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger

	onEvict func(n int)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used to stamp and age entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used by Run. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithEvictHook registers fn to be called with the number of entries removed
// by each sweep that removed at least one.
func WithEvictHook(fn func(n int)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New creates a Cache whose entries expire after maxAge.
func New(maxAge time.Duration, opts ...Option) *Cache {
	c := &Cache{
		data:   make(map[string]types.StatusSnapshot),
		maxAge: maxAge,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores or replaces the snapshot for snap.ScopeKey, stamping ReceivedAt
// with the current time. The stored value is returned.
func (c *Cache) Put(snap types.StatusSnapshot) types.StatusSnapshot {
	snap.ReceivedAt = c.now()
	c.mu.Lock()
	c.data[snap.ScopeKey] = snap
	c.mu.Unlock()
	return snap
}

// Get returns the snapshot for scope. An entry past its max age is still
// returned until a sweep removes it.
func (c *Cache) Get(scope string) (types.StatusSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[scope]
	return s, ok
}

// Delete removes scope and reports whether it was present.
func (c *Cache) Delete(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[scope]
	delete(c.data, scope)
	return ok
}

// Len returns the number of entries held, including stale ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// List returns every entry ordered by scope key.
func (c *Cache) List() []types.StatusSnapshot {
	c.mu.RLock()
	out := make([]types.StatusSnapshot, 0, len(c.data))
	for _, s := range c.data {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out
}

// MaxAge returns the configured entry lifetime.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

// Evict removes entries for which now - ReceivedAt exceeds the max age and
// returns the number removed.
func (c *Cache) Evict(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for scope, s := range c.data {
		if now.Sub(s.ReceivedAt) > c.maxAge {
			delete(c.data, scope)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 && c.onEvict != nil {
		c.onEvict(removed)
	}
	return removed
}

// Sweep runs one eviction pass against the cache's clock.
func (c *Cache) Sweep() int {
	return c.Evict(c.now())
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// falls back to the max age.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.maxAge
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("cache: evicted stale snapshots", "count", n)
			}
		}
	}
}
