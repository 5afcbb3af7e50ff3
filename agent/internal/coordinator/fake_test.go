package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/agent/internal/transport"
	"github.com/obsidianstack/statussync/internal/testutil"
	"github.com/obsidianstack/statussync/pkg/types"
)

// fakeTransport is an in-memory Transport. Events are delivered synchronously
// on the caller's goroutine, in call order.
type fakeTransport struct {
	transport.Emitter

	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	calls        []string
	topics       map[string]struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{topics: make(map[string]struct{})}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	if err := f.connectErr; err != nil {
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.topics = make(map[string]struct{})
	f.mu.Unlock()

	f.Emit(transport.Event{Name: types.EventConnected})
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.topics = make(map[string]struct{})
	f.mu.Unlock()
	if was {
		f.Emit(transport.Event{Name: types.EventDisconnected, Message: "client disconnect"})
	}
	return nil
}

// drop simulates the server going away.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.topics = make(map[string]struct{})
	f.mu.Unlock()
	f.Emit(transport.Event{Name: types.EventDisconnected, Message: "network blip"})
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) record(call, topic string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if !f.connected {
		return transport.ErrNotConnected
	}
	if topic != "" {
		if add {
			f.topics[topic] = struct{}{}
		} else {
			delete(f.topics, topic)
		}
	}
	return nil
}

func (f *fakeTransport) SubscribeToScope(s string) error {
	return f.record("sub:"+s, types.ScopeTopic(s), true)
}

func (f *fakeTransport) UnsubscribeFromScope(s string) error {
	return f.record("unsub:"+s, types.ScopeTopic(s), false)
}

func (f *fakeTransport) SubscribeToGlobalFeed() error {
	return f.record("sub:<global>", types.GlobalTopic, true)
}

func (f *fakeTransport) UnsubscribeFromGlobalFeed() error {
	return f.record("unsub:<global>", types.GlobalTopic, false)
}

func (f *fakeTransport) RequestComputation(s string) error {
	return f.record("req:"+s, "", false)
}

func (f *fakeTransport) ConnectionStatus() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return transport.Status{Connected: f.connected, SubscribedTopics: topics}
}

// take returns and clears the recorded calls.
func (f *fakeTransport) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// push delivers a server event with payload marshalled as JSON.
func (f *fakeTransport) push(t *testing.T, name, topic string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.Emit(transport.Event{Name: name, Topic: topic, Data: raw})
}

// fakeFetcher returns canned results per scope.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]types.StatusUpdate
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, scope string) (types.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.StatusUpdate{}, f.err
	}
	su, ok := f.results[scope]
	if !ok {
		return types.StatusUpdate{}, errors.New("not found")
	}
	return su, nil
}

// --- harness ----------------------------------------------------------------

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c     *Coordinator
	tr    *fakeTransport
	fetch *fakeFetcher
	clock *testutil.Clock
	logs  *testutil.Recorder
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		RetryDelay:    20 * time.Millisecond,
		RetryPolicy:   config.RetryFixed,
		SweepInterval: time.Hour,
		MaxAge:        10 * time.Minute,
		UpdateLogSize: 100,
		ErrorLogSize:  100,
	}
}

func newHarness(t *testing.T, cfg config.SyncConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:    newFakeTransport(),
		fetch: &fakeFetcher{results: make(map[string]types.StatusUpdate)},
		clock: testutil.NewClock(epoch),
		logs:  testutil.NewRecorder(),
	}
	opts = append([]Option{WithClock(h.clock.Now), WithLogger(h.logs.Logger())}, opts...)
	h.c = New(h.tr, h.fetch, cfg, opts...)
	t.Cleanup(func() { h.c.Teardown() })
	return h
}

// start calls Start, waits for the dial and its replay to finish and
// requires the connected state.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.c.Start()
	h.c.connects.Wait()
	if got := h.c.State(); got != types.StateConnected {
		t.Fatalf("state after start: got %s, want connected", got)
	}
}

func ptr(v int64) *int64 { return &v }
