package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/statussync/pkg/types"
)

// Channel names.
const (
	ChannelStatus = "status"
	ChannelEntity = "entity"
)

// DefaultBuffer is the per-subscriber queue depth used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 64

// Notification is one broadcast. Payload is the event payload exactly as the
// coordinator received it.
type Notification struct {
	Channel string           `json:"channel"`
	Kind    types.UpdateKind `json:"kind"`
	Scope   string           `json:"scope,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	At      time.Time        `json:"at"`
}

// ChannelFor returns the channel a given update kind is published on.
func ChannelFor(kind types.UpdateKind) string {
	if kind == types.UpdateStatus || kind == types.UpdateRefresh {
		return ChannelStatus
	}
	return ChannelEntity
}

// Bus is an in-process broadcaster. It is safe for concurrent use.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Uint64
}

type subscriber struct {
	channel string // empty receives every channel
	ch      chan Notification
}

// NewBus returns an empty Bus. A nil logger uses slog.Default().
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, subs: make(map[*subscriber]struct{})}
}

// Publish delivers n to every subscriber of n.Channel without blocking.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if s.channel != "" && s.channel != n.Channel {
			continue
		}
		select {
		case s.ch <- n:
		default:
			b.dropped.Add(1)
			b.log.Warn("notify: subscriber buffer full, dropped notification",
				"channel", n.Channel, "scope", n.Scope)
		}
	}
}

// Subscribe registers a consumer for channel ("" for all channels) with a
// queue of size buf. cancel unregisters and closes the returned channel; it
// may be called more than once.
func (b *Bus) Subscribe(channel string, buf int) (<-chan Notification, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	s := &subscriber{channel: channel, ch: make(chan Notification, buf)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() { b.unsubscribe(s) }
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many notifications were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unregisters every subscriber and closes their channels. Later
// Subscribe calls return an already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Bus) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
