package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/statussync/agent/internal/cache"
	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/agent/internal/metrics"
	"github.com/obsidianstack/statussync/agent/internal/notify"
	"github.com/obsidianstack/statussync/agent/internal/retry"
	"github.com/obsidianstack/statussync/agent/internal/subscription"
	"github.com/obsidianstack/statussync/agent/internal/transport"
	"github.com/obsidianstack/statussync/pkg/types"
)

// ErrClosed is returned by operations on a torn-down Coordinator.
var ErrClosed = errors.New("coordinator: closed")

// ErrEmptyScope is returned when a scope key is blank.
var ErrEmptyScope = errors.New("coordinator: empty scope")

// Transport is the push connection the coordinator drives.
type Transport interface {
	subscription.Subscriber
	Connect(ctx context.Context) error
	Disconnect() error
	On(name string, h transport.Handler) (off func())
	RequestComputation(scope string) error
	ConnectionStatus() transport.Status
}

// Fetcher returns authoritative status for a scope. Used only by Refresh.
type Fetcher interface {
	Fetch(ctx context.Context, scope string) (types.StatusUpdate, error)
}

// Broadcaster receives a notification for every applied update.
type Broadcaster interface {
	Publish(n notify.Notification)
}

// Coordinator keeps the local status view in step with the push server.
type Coordinator struct {
	transport Transport
	fetcher   Fetcher
	cfg       config.SyncConfig

	log     *slog.Logger
	metrics *metrics.Metrics
	bus     Broadcaster
	now     func() time.Time

	cache   *cache.Cache
	subs    *subscription.Manager
	retry   *retry.Policy
	updates *ring[types.UpdateLogEntry]
	errs    *ring[types.SyncErrorEntry]

	// ctx is cancelled by Teardown; it bounds dials and the sweep loop.
	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
	connects  sync.WaitGroup

	mu         sync.Mutex
	state      types.ConnectionState
	retryTimer *time.Timer
	lastUpdate time.Time
	closed     bool
	offs       []func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics records coordinator activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBus publishes a notification for every applied update.
func WithBus(b Broadcaster) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithClock overrides the time source used for cache stamps, log entries and
// eviction.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New wires a Coordinator to t and f and starts the eviction sweep. It does
// not connect; call Start.
func New(t Transport, f Fetcher, cfg config.SyncConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: t,
		fetcher:   f,
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
		state:     types.StateDisconnected,
		updates:   newRing[types.UpdateLogEntry](cfg.UpdateLogSize),
		errs:      newRing[types.SyncErrorEntry](cfg.ErrorLogSize),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = cache.New(cfg.MaxAge,
		cache.WithClock(c.now),
		cache.WithLogger(c.log),
		cache.WithEvictHook(func(n int) {
			c.metrics.AddEvictions(n)
			c.metrics.SetCacheEntries(c.cache.Len())
		}),
	)
	c.subs = subscription.New(t, c.transportReady)
	c.retry = retry.New(cfg)
	c.metrics.SetState(c.state)

	c.offs = []func(){
		t.On(types.EventConnected, func(transport.Event) { c.markConnected(false) }),
		t.On(types.EventDisconnected, c.onDisconnected),
		t.On(types.EventError, c.onTransportError),
	}
	for _, name := range []string{
		types.EventStatusUpdate, types.EventStudyUpdate, types.EventVersionUpdate,
		types.EventComputationComplete, types.EventValidationResult,
	} {
		c.offs = append(c.offs, t.On(name, c.onData))
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(c.sweepDone)
		c.cache.Run(c.ctx, cfg.SweepInterval)
	}()
	return c
}

// Start begins connecting in the background. It is a no-op while connecting
// or connected, and after Teardown.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.closed || c.state == types.StateConnecting || c.state == types.StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.transitionLocked(types.StateConnecting)
	c.connects.Add(1)
	c.mu.Unlock()

	go c.connect()
}

// State returns the current connection state.
func (c *Coordinator) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeScope registers interest in scope. The subscribe reaches the
// server now if connected, otherwise on the next connect. A failed subscribe
// is recorded as a transport error and retried on reconnect.
func (c *Coordinator) SubscribeScope(scope string) error {
	scope, err := c.checkScope(scope)
	if err != nil {
		return err
	}
	first, err := c.subs.Activate(scope)
	c.metrics.SetActiveScopes(len(c.subs.ActiveScopes()))
	if err != nil {
		c.log.Warn("coordinator: subscribe failed", "scope", scope, "err", err)
		c.recordError(types.ErrorTransport, scope, err.Error())
		return nil
	}
	if first {
		c.log.Info("coordinator: scope activated", "scope", scope)
	}
	return nil
}

// UnsubscribeScope releases one reference to scope. Once no consumer holds
// the scope its cached snapshot is evicted immediately.
func (c *Coordinator) UnsubscribeScope(scope string) error {
	scope, err := c.checkScope(scope)
	if err != nil {
		return err
	}
	last, err := c.subs.Deactivate(scope)
	c.metrics.SetActiveScopes(len(c.subs.ActiveScopes()))
	if err != nil {
		c.log.Warn("coordinator: unsubscribe failed", "scope", scope, "err", err)
		c.recordError(types.ErrorTransport, scope, err.Error())
	}
	if !c.subs.IsActive(scope) {
		c.cache.Delete(scope)
		c.metrics.SetCacheEntries(c.cache.Len())
	}
	if last {
		c.log.Info("coordinator: scope released", "scope", scope)
	}
	return nil
}

// ActiveScopes returns the scopes currently held by at least one consumer.
func (c *Coordinator) ActiveScopes() []string {
	return c.subs.ActiveScopes()
}

// RequestRecompute asks the server to recompute scope. It is sent only while
// connected and is never queued or retried; the result reports whether the
// request went out.
func (c *Coordinator) RequestRecompute(scope string) bool {
	scope, err := c.checkScope(scope)
	if err != nil {
		return false
	}
	if !c.transportReady() {
		c.log.Debug("coordinator: recompute skipped, not connected", "scope", scope)
		return false
	}
	if err := c.transport.RequestComputation(scope); err != nil {
		c.log.Warn("coordinator: recompute request failed", "scope", scope, "err", err)
		c.recordError(types.ErrorTransport, scope, err.Error())
		return false
	}
	return true
}

// Refresh fetches authoritative status for scope and overwrites the cached
// snapshot. A failure is both returned and recorded as a refresh error.
// Refresh works in any connection state.
func (c *Coordinator) Refresh(ctx context.Context, scope string) (types.StatusSnapshot, error) {
	scope, err := c.checkScope(scope)
	if err != nil {
		return types.StatusSnapshot{}, err
	}
	if c.fetcher == nil {
		err := errors.New("no data-access client configured")
		c.recordError(types.ErrorRefresh, scope, err.Error())
		return types.StatusSnapshot{}, fmt.Errorf("coordinator: refresh %s: %w", scope, err)
	}

	start := time.Now()
	su, err := c.fetcher.Fetch(ctx, scope)
	c.metrics.RecordRefresh(time.Since(start), err == nil)
	if err != nil {
		c.log.Warn("coordinator: refresh failed", "scope", scope, "err", err)
		c.recordError(types.ErrorRefresh, scope, err.Error())
		return types.StatusSnapshot{}, fmt.Errorf("coordinator: refresh %s: %w", scope, err)
	}

	snap := c.cache.Put(types.StatusSnapshot{
		ScopeKey: scope,
		Status:   su.Status,
		Version:  su.Version,
		Metadata: su.Metadata,
	})
	payload, err := json.Marshal(su)
	if err != nil {
		payload = nil
	}
	c.applied(types.UpdateRefresh, logScope(scope), payload)
	return snap, nil
}

// Snapshot returns the cached snapshot for scope.
func (c *Coordinator) Snapshot(scope string) (types.StatusSnapshot, bool) {
	return c.cache.Get(strings.TrimSpace(scope))
}

// Snapshots returns every cached snapshot, ordered by scope.
func (c *Coordinator) Snapshots() []types.StatusSnapshot {
	return c.cache.List()
}

// Diagnostics reports connection state, cache and log sizes, and the topics
// the transport is currently subscribed to.
func (c *Coordinator) Diagnostics() types.Diagnostics {
	c.mu.Lock()
	state := c.state
	last := c.lastUpdate
	c.mu.Unlock()

	topics := c.transport.ConnectionStatus().SubscribedTopics
	if topics == nil {
		topics = []string{}
	}
	d := types.Diagnostics{
		State:            state,
		CacheSize:        c.cache.Len(),
		PendingUpdates:   c.updates.len(),
		ErrorCount:       c.errs.len(),
		SubscribedTopics: topics,
		ActiveScopes:     c.subs.ActiveScopes(),
		RetryAttempts:    c.retry.Attempts(),
	}
	if !last.IsZero() {
		d.LastUpdateAt = &last
	}
	return d
}

// Updates returns the update log, oldest first.
func (c *Coordinator) Updates() []types.UpdateLogEntry { return c.updates.list() }

// Errors returns the error log, oldest first.
func (c *Coordinator) Errors() []types.SyncErrorEntry { return c.errs.list() }

func (c *Coordinator) ClearUpdateLog() { c.updates.clear() }

func (c *Coordinator) ClearErrorLog() { c.errs.clear() }

// Sweep runs one eviction pass now and returns the number of snapshots removed.
func (c *Coordinator) Sweep() int {
	return c.cache.Sweep()
}

// Teardown stops the retry timer and the sweep, unsubscribes every active
// scope, detaches the transport handlers and disconnects. The Coordinator is
// unusable afterwards. Calling Teardown again returns nil.
func (c *Coordinator) Teardown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRetryLocked()
	offs := c.offs
	c.offs = nil
	c.mu.Unlock()

	c.cancel()
	<-c.sweepDone
	c.connects.Wait()

	var errs []error
	scopes, err := c.subs.Reset()
	if err != nil {
		errs = append(errs, err)
	}
	c.metrics.SetActiveScopes(0)

	for _, off := range offs {
		off()
	}
	if err := c.transport.Disconnect(); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.transitionLocked(types.StateDisconnected)
	c.mu.Unlock()

	c.log.Info("coordinator: torn down", "released_scopes", len(scopes))
	if len(errs) > 0 {
		return fmt.Errorf("coordinator: teardown: %w", errors.Join(errs...))
	}
	return nil
}

// --- connection state machine -----------------------------------------------

func (c *Coordinator) connect() {
	defer c.connects.Done()

	err := c.transport.Connect(c.ctx)
	c.metrics.RecordConnectAttempt(err == nil)
	if err != nil {
		c.connectFailed(err)
		return
	}
	c.markConnected(true)
}

// markConnected moves to connected and replays active scopes. It runs both
// from the transport's connected event and after Connect returns; whichever
// comes first wins. fromDial restricts the transition to the connecting
// state so a drop that raced the dial is not overwritten.
func (c *Coordinator) markConnected(fromDial bool) {
	c.mu.Lock()
	if c.closed || c.state == types.StateConnected ||
		(fromDial && c.state != types.StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.transitionLocked(types.StateConnected)
	c.mu.Unlock()

	c.retry.Reset()
	c.errs.clear()
	c.log.Info("coordinator: connected, replaying scopes", "scopes", len(c.subs.ActiveScopes()))

	if err := c.subs.Replay(); err != nil {
		c.log.Warn("coordinator: replay incomplete", "err", err)
		c.recordError(types.ErrorTransport, "", err.Error())
	}
}

func (c *Coordinator) connectFailed(err error) {
	c.mu.Lock()
	if c.closed || c.state != types.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(types.StateFailed)
	c.mu.Unlock()

	c.log.Error("coordinator: connect failed", "err", err)
	c.recordError(types.ErrorConnection, "", err.Error())
	c.scheduleRetry()
}

func (c *Coordinator) onDisconnected(ev transport.Event) {
	c.mu.Lock()
	if c.closed || c.state != types.StateConnected {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(types.StateDisconnected)
	c.mu.Unlock()

	c.log.Warn("coordinator: disconnected, keeping cached status", "reason", ev.Message)
	c.scheduleRetry()
}

func (c *Coordinator) scheduleRetry() {
	delay, ok := c.retry.Next()
	if !ok {
		c.log.Error("coordinator: giving up reconnecting", "max_retries", c.cfg.MaxRetries)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopRetryLocked()
	c.retryTimer = time.AfterFunc(delay, c.Start)
	c.log.Info("coordinator: reconnect scheduled", "retry_in", delay, "attempt", c.retry.Attempts())
}

// stopRetryLocked cancels a pending reconnect. c.mu must be held.
func (c *Coordinator) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// transitionLocked sets the state and logs the change. c.mu must be held.
func (c *Coordinator) transitionLocked(to types.ConnectionState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.SetState(to)
	c.log.Debug("coordinator: state transition", "from", from, "to", to)
}

// transportReady reports whether subscribe traffic may be sent.
func (c *Coordinator) transportReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == types.StateConnected
}

// accepting reports whether event-driven mutations are applied.
func (c *Coordinator) accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.state == types.StateConnected
}

func (c *Coordinator) checkScope(scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", ErrEmptyScope
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	return scope, nil
}

// --- logs -------------------------------------------------------------------

// applied records an update in the log and metrics and broadcasts it.
func (c *Coordinator) applied(kind types.UpdateKind, scope string, payload json.RawMessage) {
	now := c.now()
	c.updates.add(types.UpdateLogEntry{
		ID:         uuid.NewString(),
		Type:       kind,
		ScopeKey:   scope,
		Payload:    payload,
		ReceivedAt: now,
	})

	c.mu.Lock()
	c.lastUpdate = now
	c.mu.Unlock()

	c.metrics.RecordUpdate(kind)
	c.metrics.SetCacheEntries(c.cache.Len())

	if c.bus != nil {
		c.bus.Publish(notify.Notification{
			Channel: notify.ChannelFor(kind),
			Kind:    kind,
			Scope:   scope,
			Payload: payload,
			At:      now,
		})
	}
}

func (c *Coordinator) recordError(kind types.ErrorKind, scope, msg string) {
	c.errs.add(types.SyncErrorEntry{
		Kind:       kind,
		Message:    msg,
		ScopeKey:   scope,
		OccurredAt: c.now(),
	})
	c.metrics.RecordError(kind)
}
