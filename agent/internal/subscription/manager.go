package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/obsidianstack/statussync/pkg/types"
)

// Subscriber is the part of the transport the manager drives.
type Subscriber interface {
	SubscribeToScope(scope string) error
	UnsubscribeFromScope(scope string) error
	SubscribeToGlobalFeed() error
	UnsubscribeFromGlobalFeed() error
}

// Manager is the ref-counted active-scope set. It is safe for concurrent use.
type Manager struct {
	sub       Subscriber
	connected func() bool

	mu   sync.Mutex
	refs map[string]int
}

// New returns a Manager that issues calls to sub whenever connected reports
// true.
func New(sub Subscriber, connected func() bool) *Manager {
	return &Manager{
		sub:       sub,
		connected: connected,
		refs:      make(map[string]int),
	}
}

// Activate adds one reference to scope. first is true when the scope was not
// active before; only then is a subscribe issued, and only while connected.
// A failed subscribe leaves the scope active so the next Replay retries it.
func (m *Manager) Activate(scope string) (first bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs[scope]++
	if m.refs[scope] > 1 {
		return false, nil
	}
	if !m.connected() {
		return true, nil
	}
	return true, m.subscribe(scope)
}

// Deactivate drops one reference to scope. last is true when this call
// released the final reference; only then is an unsubscribe issued, and only
// while connected. Deactivating an inactive scope is a no-op.
func (m *Manager) Deactivate(scope string) (last bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.refs[scope]
	if !ok {
		return false, nil
	}
	if n > 1 {
		m.refs[scope] = n - 1
		return false, nil
	}
	delete(m.refs, scope)
	if !m.connected() {
		return true, nil
	}
	return true, m.unsubscribe(scope)
}

// ActiveScopes returns the active scopes, sorted.
func (m *Manager) ActiveScopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.refs))
	for s := range m.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsActive reports whether scope has at least one reference.
func (m *Manager) IsActive(scope string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[scope] > 0
}

// Refs returns the reference count for scope.
func (m *Manager) Refs(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[scope]
}

// Replay subscribes every active scope, in sorted order. It is called after
// each transition into connected. All scopes are attempted; failures are
// joined.
func (m *Manager) Replay() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := make([]string, 0, len(m.refs))
	for s := range m.refs {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	var errs []error
	for _, s := range scopes {
		if err := m.subscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset releases every scope regardless of reference count, unsubscribing
// each while connected, and returns the scopes that were active.
func (m *Manager) Reset() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := make([]string, 0, len(m.refs))
	for s := range m.refs {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	m.refs = make(map[string]int)

	if !m.connected() {
		return scopes, nil
	}
	var errs []error
	for _, s := range scopes {
		if err := m.unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	return scopes, errors.Join(errs...)
}

func (m *Manager) subscribe(scope string) error {
	var err error
	if scope == types.GlobalScope {
		err = m.sub.SubscribeToGlobalFeed()
	} else {
		err = m.sub.SubscribeToScope(scope)
	}
	if err != nil {
		return fmt.Errorf("subscription: subscribe %s: %w", scope, err)
	}
	return nil
}

func (m *Manager) unsubscribe(scope string) error {
	var err error
	if scope == types.GlobalScope {
		err = m.sub.UnsubscribeFromGlobalFeed()
	} else {
		err = m.sub.UnsubscribeFromScope(scope)
	}
	if err != nil {
		return fmt.Errorf("subscription: unsubscribe %s: %w", scope, err)
	}
	return nil
}
