package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/internal/testutil"
	"github.com/obsidianstack/statussync/pkg/types"
)

// --- helpers ----------------------------------------------------------------

// pushServer is a minimal push server: it records client frames and lets the
// test write envelopes to the most recent connection.
type pushServer struct {
	url    string
	conns  chan *websocket.Conn
	frames chan types.ClientMessage
	header chan http.Header
}

func startPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan types.ClientMessage, 64),
		header: make(chan http.Header, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.header <- r.Header.Clone()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			var msg types.ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			ps.frames <- msg
		}
	}))
	t.Cleanup(srv.Close)
	ps.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ps
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func (ps *pushServer) nextFrame(t *testing.T) types.ClientMessage {
	t.Helper()
	select {
	case f := <-ps.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no client frame received")
		return types.ClientMessage{}
	}
}

func push(t *testing.T, conn *websocket.Conn, event, topic string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(types.Envelope{Event: event, Topic: topic, Data: raw}); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// eventLog collects emitted events for later assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

func (l *eventLog) get() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newClient(t *testing.T, url string, auth config.AuthConfig) (*Client, *eventLog) {
	t.Helper()
	c, err := New(config.AgentConfig{ServerURL: url, ServerAuth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := &eventLog{}
	for _, name := range []string{
		types.EventConnected, types.EventDisconnected, types.EventError,
		types.EventStatusUpdate, types.EventStudyUpdate, types.EventVersionUpdate,
		types.EventComputationComplete, types.EventValidationResult,
	} {
		c.On(name, log.record)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c, log
}

// --- tests ------------------------------------------------------------------

func TestConnect_EmitsConnected(t *testing.T) {
	ps := startPushServer(t)
	c, log := newClient(t, ps.url, config.AuthConfig{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.accept(t)

	if got := log.names(); !reflect.DeepEqual(got, []string{types.EventConnected}) {
		t.Errorf("events: got %v, want [connected]", got)
	}
	if !c.ConnectionStatus().Connected {
		t.Error("ConnectionStatus().Connected = false after Connect")
	}

	// A second Connect is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := len(log.names()); n != 1 {
		t.Errorf("events after second Connect: got %d, want 1", n)
	}
}

func TestConnect_SendsAPIKey(t *testing.T) {
	t.Setenv("TRANSPORT_TEST_KEY", "relay-secret")
	ps := startPushServer(t)
	c, _ := newClient(t, ps.url, config.AuthConfig{Mode: "apikey", KeyEnv: "TRANSPORT_TEST_KEY"})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h := <-ps.header
	if got := h.Get("x-api-key"); got != "relay-secret" {
		t.Errorf("x-api-key: got %q", got)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	c, log := newClient(t, "ws://127.0.0.1:1/ws", config.AuthConfig{})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if len(log.names()) != 0 {
		t.Errorf("events on failed dial: got %v", log.names())
	}
}

func TestSubscribe_FramesAndTopics(t *testing.T) {
	ps := startPushServer(t)
	c, _ := newClient(t, ps.url, config.AuthConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.accept(t)

	if err := c.SubscribeToScope("study-42"); err != nil {
		t.Fatalf("SubscribeToScope: %v", err)
	}
	if err := c.SubscribeToGlobalFeed(); err != nil {
		t.Fatalf("SubscribeToGlobalFeed: %v", err)
	}

	want := []types.ClientMessage{
		{Type: types.MessageSubscribe, Topic: "scope:study-42"},
		{Type: types.MessageSubscribe, Topic: types.GlobalTopic},
	}
	for i, w := range want {
		if got := ps.nextFrame(t); got != w {
			t.Errorf("frame %d: got %+v, want %+v", i, got, w)
		}
	}

	st := c.ConnectionStatus()
	if !reflect.DeepEqual(st.SubscribedTopics, []string{"global", "scope:study-42"}) {
		t.Errorf("SubscribedTopics: got %v", st.SubscribedTopics)
	}

	if err := c.UnsubscribeFromScope("study-42"); err != nil {
		t.Fatalf("UnsubscribeFromScope: %v", err)
	}
	if got := ps.nextFrame(t); got.Type != types.MessageUnsubscribe || got.Topic != "scope:study-42" {
		t.Errorf("unsubscribe frame: got %+v", got)
	}
	if got := c.ConnectionStatus().SubscribedTopics; !reflect.DeepEqual(got, []string{"global"}) {
		t.Errorf("SubscribedTopics after unsubscribe: got %v", got)
	}

	if err := c.RequestComputation("study-42"); err != nil {
		t.Fatalf("RequestComputation: %v", err)
	}
	if got := ps.nextFrame(t); got.Type != types.MessageRequest || got.Topic != "scope:study-42" {
		t.Errorf("request frame: got %+v", got)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c, _ := newClient(t, "ws://127.0.0.1:1/ws", config.AuthConfig{})
	if err := c.SubscribeToScope("a"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeToScope: got %v, want ErrNotConnected", err)
	}
	if err := c.RequestComputation("a"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestComputation: got %v, want ErrNotConnected", err)
	}
}

func TestReadLoop_DeliversInArrivalOrder(t *testing.T) {
	ps := startPushServer(t)
	c, log := newClient(t, ps.url, config.AuthConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ps.accept(t)

	push(t, conn, types.EventStatusUpdate, "scope:a", types.StatusUpdate{Scope: "a", Status: "ACTIVE"})
	push(t, conn, types.EventStudyUpdate, "scope:a", types.EntityUpdate{Scope: "a"})
	push(t, conn, "snapshot", "", map[string]string{"ignored": "yes"})
	push(t, conn, types.EventValidationResult, "scope:a", types.ValidationResult{Scope: "a", Valid: true})

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(log.names()) == 4 }, "four events")

	want := []string{types.EventConnected, types.EventStatusUpdate, types.EventStudyUpdate, types.EventValidationResult}
	if got := log.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}

	var su types.StatusUpdate
	if err := json.Unmarshal(log.get()[1].Data, &su); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	if su.Status != "ACTIVE" || log.get()[1].Topic != "scope:a" {
		t.Errorf("status event: got %+v topic %q", su, log.get()[1].Topic)
	}
}

func TestReadLoop_ErrorEvents(t *testing.T) {
	ps := startPushServer(t)
	c, log := newClient(t, ps.url, config.AuthConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ps.accept(t)

	push(t, conn, types.EventError, "", types.ErrorPayload{Message: "rate limited"})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(log.names()) == 3 }, "two error events")

	evs := log.get()
	if evs[1].Name != types.EventError || evs[1].Message != "rate limited" {
		t.Errorf("server error event: got %+v", evs[1])
	}
	if evs[1].Malformed {
		t.Error("server error event flagged as malformed")
	}
	if evs[2].Name != types.EventError || !evs[2].Malformed || !strings.Contains(evs[2].Message, "undecodable") {
		t.Errorf("bad frame event: got %+v", evs[2])
	}
	if !c.ConnectionStatus().Connected {
		t.Error("error events must not drop the connection")
	}
}

func TestServerClose_EmitsDisconnected(t *testing.T) {
	ps := startPushServer(t)
	c, log := newClient(t, ps.url, config.AuthConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ps.accept(t)
	if err := c.SubscribeToScope("a"); err != nil {
		t.Fatalf("SubscribeToScope: %v", err)
	}
	ps.nextFrame(t)

	conn.Close()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		names := log.names()
		return len(names) == 2 && names[1] == types.EventDisconnected
	}, "disconnected event")

	st := c.ConnectionStatus()
	if st.Connected {
		t.Error("still connected after server close")
	}
	if len(st.SubscribedTopics) != 0 {
		t.Errorf("topics after drop: got %v, want none", st.SubscribedTopics)
	}

	// Reconnecting starts with a clean topic set.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	ps.accept(t)
	if !c.ConnectionStatus().Connected {
		t.Error("not connected after reconnect")
	}
}

func TestReadTimeout_SilentPeerDrops(t *testing.T) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never read or write: pings go unanswered.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(config.AgentConfig{ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		WithReadTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := &eventLog{}
	c.On(types.EventDisconnected, log.record)
	t.Cleanup(func() { c.Disconnect() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.WaitFor(t, 3*time.Second, func() bool { return len(log.names()) == 1 }, "disconnected after peer silence")

	if c.ConnectionStatus().Connected {
		t.Error("still connected after read timeout")
	}
}

func TestReadTimeout_PongsKeepAlive(t *testing.T) {
	ps := startPushServer(t)
	c, err := New(config.AgentConfig{ServerURL: ps.url}, WithReadTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := &eventLog{}
	c.On(types.EventDisconnected, log.record)
	t.Cleanup(func() { c.Disconnect() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.accept(t)

	time.Sleep(time.Second)

	if !c.ConnectionStatus().Connected {
		t.Error("dropped a connection whose peer answers pings")
	}
	if n := len(log.names()); n != 0 {
		t.Errorf("disconnected events: got %d, want 0", n)
	}
}

func TestDisconnect_EmitsOnce(t *testing.T) {
	ps := startPushServer(t)
	c, log := newClient(t, ps.url, config.AuthConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ps.accept(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	// Give the read loop time to observe the close.
	time.Sleep(50 * time.Millisecond)

	want := []string{types.EventConnected, types.EventDisconnected}
	if got := log.names(); !reflect.DeepEqual(got, want) {
		t.Errorf("events: got %v, want %v", got, want)
	}
	if c.ConnectionStatus().Connected {
		t.Error("still connected after Disconnect")
	}
}
