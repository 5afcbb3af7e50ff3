package coordinator

import "sync"

// ring is a bounded FIFO. A limit of zero keeps everything.
type ring[T any] struct {
	mu    sync.Mutex
	limit int
	items []T
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if r.limit > 0 && len(r.items) > r.limit {
		// Copy down so the backing array does not grow without bound.
		n := copy(r.items, r.items[len(r.items)-r.limit:])
		clear(r.items[n:])
		r.items = r.items[:n]
	}
}

// list returns a copy, oldest first.
func (r *ring[T]) list() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *ring[T]) clear() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
