package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/agent/internal/security"
	"github.com/obsidianstack/statussync/pkg/types"
)

const (
	// writeTimeout is the deadline for a single frame written to the server.
	writeTimeout = 10 * time.Second

	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 15 * time.Second

	// readLimit caps the size of one inbound frame.
	readLimit = 1 << 20

	// DefaultReadTimeout is how long the connection may stay silent before it
	// is treated as lost. The relay pings every 54s.
	DefaultReadTimeout = 60 * time.Second
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// Status is the result of ConnectionStatus.
type Status struct {
	Connected        bool     `json:"connected"`
	SubscribedTopics []string `json:"subscribed_topics"`
}

// Client is a WebSocket connection to the push server.
type Client struct {
	cfg    config.AgentConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	events      Emitter
	readTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}

	// writeMu serializes frames; gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithReadTimeout sets how long the connection may go without any frame,
// ping or pong before it is dropped. The client pings the server at half
// this interval.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// New creates a Client for cfg.ServerURL. It does not dial.
func New(cfg config.AgentConfig, opts ...Option) (*Client, error) {
	tlsCfg, err := security.TLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
		log:         slog.Default(),
		topics:      make(map[string]struct{}),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// On registers h for the named event. See the types.Event* constants.
func (c *Client) On(name string, h Handler) (off func()) {
	return c.events.On(name, h)
}

// Connect dials the server and starts reading frames. It returns nil
// immediately if already connected. Handlers for the connected event run
// before Connect returns and before any server frame is delivered.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.ServerURL, security.Headers(c.cfg.ServerAuth))
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.cfg.ServerURL, err)
	}
	conn.SetReadLimit(readLimit)
	c.keepAlive(conn)

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.topics = make(map[string]struct{})
	c.mu.Unlock()

	c.log.Info("transport: connected", "url", c.cfg.ServerURL)
	c.events.Emit(Event{Name: types.EventConnected})
	done := make(chan struct{})
	go c.pingLoop(conn, done)
	go func() {
		defer close(done)
		c.readLoop(conn)
	}()
	return nil
}

// Disconnect closes the connection and emits a disconnected event. It is a
// no-op when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.topics = make(map[string]struct{})
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	conn.Close()

	c.log.Info("transport: disconnected", "url", c.cfg.ServerURL)
	c.events.Emit(Event{Name: types.EventDisconnected, Message: "client disconnect"})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// SubscribeToScope asks the server to push events for scope.
func (c *Client) SubscribeToScope(scope string) error {
	return c.subscribe(types.ScopeTopic(scope))
}

// UnsubscribeFromScope stops events for scope.
func (c *Client) UnsubscribeFromScope(scope string) error {
	return c.unsubscribe(types.ScopeTopic(scope))
}

// SubscribeToGlobalFeed asks the server for every status computation.
func (c *Client) SubscribeToGlobalFeed() error {
	return c.subscribe(types.GlobalTopic)
}

// UnsubscribeFromGlobalFeed stops the global feed.
func (c *Client) UnsubscribeFromGlobalFeed() error {
	return c.unsubscribe(types.GlobalTopic)
}

// RequestComputation asks the server to recompute and re-push scope.
func (c *Client) RequestComputation(scope string) error {
	return c.Publish(types.ClientMessage{Type: types.MessageRequest, Topic: types.ScopeTopic(scope)})
}

// Publish writes msg to the server.
func (c *Client) Publish(msg types.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("transport: write %s %s: %w", msg.Type, msg.Topic, err)
	}
	return nil
}

// ConnectionStatus reports whether a connection is open and which topics it
// is subscribed to, sorted.
func (c *Client) ConnectionStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return Status{Connected: c.conn != nil, SubscribedTopics: topics}
}

// --- internal ---------------------------------------------------------------

func (c *Client) subscribe(topic string) error {
	if err := c.Publish(types.ClientMessage{Type: types.MessageSubscribe, Topic: topic}); err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn != nil {
		c.topics[topic] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(topic string) error {
	if err := c.Publish(types.ClientMessage{Type: types.MessageUnsubscribe, Topic: topic}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	return nil
}

// readLoop decodes frames from conn and emits them until the connection
// fails. Blocks; runs in its own goroutine per connection.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.readTimeout)) //nolint:errcheck

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("transport: undecodable frame", "err", err)
			c.events.Emit(Event{
				Name:      types.EventError,
				Message:   fmt.Sprintf("undecodable frame: %v", err),
				Malformed: true,
			})
			continue
		}
		if !types.IsDataEvent(env.Event) {
			c.log.Debug("transport: ignoring frame", "event", env.Event)
			continue
		}

		ev := Event{Name: env.Event, Topic: env.Topic, Data: env.Data}
		if env.Event == types.EventError {
			var p types.ErrorPayload
			if err := json.Unmarshal(env.Data, &p); err == nil && p.Message != "" {
				ev.Message = p.Message
			} else {
				ev.Message = string(env.Data)
			}
		}
		c.events.Emit(ev)
	}
}

// keepAlive arms the read deadline on conn and extends it whenever the
// server pings or answers one of our pings. A silent peer makes ReadMessage
// fail, which drops the connection.
func (c *Client) keepAlive(conn *websocket.Conn) {
	extend := func() {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout)) //nolint:errcheck
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
}

// pingLoop pings the server at half the read timeout until done is closed
// or a ping cannot be written.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.readTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// dropped clears conn if it is still current and emits disconnected. A
// connection replaced or closed by Disconnect emits nothing here.
func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.topics = make(map[string]struct{})
	}
	c.mu.Unlock()
	conn.Close()

	if !current {
		return
	}
	c.log.Warn("transport: connection lost", "url", c.cfg.ServerURL, "err", err)
	c.events.Emit(Event{Name: types.EventDisconnected, Message: err.Error()})
}
