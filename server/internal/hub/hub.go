package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/statussync/pkg/types"
	"github.com/obsidianstack/statussync/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 64

	// maxFrame bounds a client-to-server frame.
	maxFrame = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub manages WebSocket subscribers and fans published events out to the
// topics they follow.
type Hub struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	topics  map[string]map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{} // guarded by Hub.mu
}

// New creates a Hub that answers request frames from st.
func New(st *store.Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:   st,
		log:     log,
		clients: make(map[*client]struct{}),
		topics:  make(map[string]map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client
// until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		topics: make(map[string]struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	h.readPump(c) // blocks until connection closes
}

// Publish delivers an event to subscribers of the scope's topic and of the
// global topic. A client following both receives it once, on the scope
// topic. An empty scope reaches global subscribers only. It returns the
// number of clients the frame was queued for.
func (h *Hub) Publish(event, scope string, data json.RawMessage) int {
	var scoped []byte
	if scope != "" {
		var err error
		scoped, err = encode(event, types.ScopeTopic(scope), data)
		if err != nil {
			h.log.Warn("hub: encode event", "event", event, "err", err)
			return 0
		}
	}
	global, err := encode(event, types.GlobalTopic, data)
	if err != nil {
		h.log.Warn("hub: encode event", "event", event, "err", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := make(map[*client]struct{})
	if scope != "" {
		for c := range h.topics[types.ScopeTopic(scope)] {
			h.sendLocked(c, scoped)
			sent[c] = struct{}{}
		}
	}
	for c := range h.topics[types.GlobalTopic] {
		if _, dup := sent[c]; dup {
			continue
		}
		h.sendLocked(c, global)
		sent[c] = struct{}{}
	}
	return len(sent)
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribers returns the number of clients following topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Topics returns the topics with at least one subscriber, sorted.
func (h *Hub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for t := range c.topics {
		h.leaveLocked(c, t)
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) leaveLocked(c *client, topic string) {
	delete(c.topics, topic)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// sendLocked queues msg for c. A client whose buffer is full is dropped.
func (h *Hub) sendLocked(c *client, msg []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.log.Warn("hub: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.removeLocked(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// handle applies one client frame.
func (h *Hub) handle(c *client, frame []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		h.replyError(c, "", "malformed frame")
		return
	}
	scope, ok := types.TopicScope(msg.Topic)
	if !ok {
		h.replyError(c, "", "unknown topic "+msg.Topic)
		return
	}

	switch msg.Type {
	case types.MessageSubscribe:
		h.mu.Lock()
		if _, live := h.clients[c]; live {
			c.topics[msg.Topic] = struct{}{}
			if h.topics[msg.Topic] == nil {
				h.topics[msg.Topic] = make(map[*client]struct{})
			}
			h.topics[msg.Topic][c] = struct{}{}
		}
		h.mu.Unlock()
	case types.MessageUnsubscribe:
		h.mu.Lock()
		h.leaveLocked(c, msg.Topic)
		h.mu.Unlock()
	case types.MessageRequest:
		h.request(c, scope, msg.Topic)
	default:
		h.replyError(c, msg.Topic, "unknown message type "+msg.Type)
	}
}

// request re-pushes the stored status for scope to c.
func (h *Hub) request(c *client, scope, topic string) {
	e, ok := h.store.Get(scope)
	if !ok {
		h.replyError(c, topic, "no status for scope "+scope)
		return
	}
	data, err := json.Marshal(e.Status)
	if err != nil {
		h.log.Warn("hub: encode status", "scope", scope, "err", err)
		return
	}
	msg, err := encode(types.EventStatusUpdate, topic, data)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.sendLocked(c, msg)
	h.mu.Unlock()
}

func (h *Hub) replyError(c *client, topic, text string) {
	data, _ := json.Marshal(types.ErrorPayload{Message: text})
	msg, err := encode(types.EventError, topic, data)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.sendLocked(c, msg)
	h.mu.Unlock()
}

func encode(event, topic string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(types.Envelope{Event: event, Topic: topic, Data: data})
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client frames and control messages until the connection
// closes.
func (h *Hub) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage {
			h.handle(c, frame)
		}
	}
}
