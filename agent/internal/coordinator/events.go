package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/obsidianstack/statussync/agent/internal/transport"
	"github.com/obsidianstack/statussync/pkg/types"
)

// onData applies one server-pushed event. Events that arrive while not
// connected are dropped; the cache keeps whatever it had.
func (c *Coordinator) onData(ev transport.Event) {
	if !c.accepting() {
		c.log.Debug("coordinator: dropped event while not connected", "event", ev.Name)
		return
	}

	switch ev.Name {
	case types.EventStatusUpdate:
		c.applyStatus(ev)
	case types.EventStudyUpdate:
		c.applyEntity(ev, types.UpdateEntity)
	case types.EventVersionUpdate:
		c.applyEntity(ev, types.UpdateVersion)
	case types.EventComputationComplete:
		c.applyComputation(ev)
	case types.EventValidationResult:
		c.applyValidation(ev)
	}
}

func (c *Coordinator) onTransportError(ev transport.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	scope, _ := types.TopicScope(ev.Topic)
	if ev.Malformed {
		c.log.Warn("coordinator: malformed frame", "message", ev.Message)
		c.recordError(types.ErrorMalformed, logScope(scope), ev.Message)
		return
	}
	c.log.Warn("coordinator: transport error", "message", ev.Message)
	c.recordError(types.ErrorTransport, logScope(scope), ev.Message)
}

func (c *Coordinator) applyStatus(ev transport.Event) {
	var p types.StatusUpdate
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		c.malformed(ev, err)
		return
	}
	key := cacheScope(p.Scope, ev.Topic)
	c.cache.Put(types.StatusSnapshot{
		ScopeKey: key,
		Status:   p.Status,
		Version:  p.Version,
		Metadata: p.Metadata,
	})
	c.applied(types.UpdateStatus, logScope(key), ev.Data)
}

// applyEntity merges an entity or version update into the scope's snapshot.
// A status or version field in the data replaces the cached one; the data
// map becomes the snapshot metadata.
func (c *Coordinator) applyEntity(ev transport.Event, kind types.UpdateKind) {
	var p types.EntityUpdate
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		c.malformed(ev, err)
		return
	}
	key := cacheScope(p.Scope, ev.Topic)

	prev, _ := c.cache.Get(key)
	snap := types.StatusSnapshot{
		ScopeKey:      key,
		Status:        prev.Status,
		Version:       prev.Version,
		ComputationID: prev.ComputationID,
		Metadata:      p.Data,
	}
	if s, ok := p.Data["status"].(string); ok {
		snap.Status = s
	}
	if v, ok := asInt64(p.Data["version"]); ok {
		snap.Version = &v
	}
	c.cache.Put(snap)
	c.applied(kind, logScope(key), ev.Data)
}

// applyComputation writes to the cache only when the results carry a status.
// The update is logged and broadcast either way.
func (c *Coordinator) applyComputation(ev transport.Event) {
	var p types.ComputationComplete
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		c.malformed(ev, err)
		return
	}
	key := cacheScope(p.Scope, ev.Topic)

	if status, ok := p.Results["status"].(string); ok {
		prev, _ := c.cache.Get(key)
		snap := types.StatusSnapshot{
			ScopeKey:      key,
			Status:        status,
			Version:       prev.Version,
			Metadata:      p.Results,
			ComputationID: p.ComputationID,
		}
		if v, ok := asInt64(p.Results["version"]); ok {
			snap.Version = &v
		}
		c.cache.Put(snap)
	}
	c.applied(types.UpdateComputation, logScope(key), ev.Data)
}

// applyValidation never touches the cache.
func (c *Coordinator) applyValidation(ev transport.Event) {
	var p types.ValidationResult
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		c.malformed(ev, err)
		return
	}
	c.applied(types.UpdateValidation, logScope(cacheScope(p.Scope, ev.Topic)), ev.Data)
}

func (c *Coordinator) malformed(ev transport.Event, err error) {
	scope, _ := types.TopicScope(ev.Topic)
	c.log.Warn("coordinator: malformed event", "event", ev.Name, "topic", ev.Topic, "err", err)
	c.recordError(types.ErrorMalformed, logScope(scope), fmt.Sprintf("%s: %v", ev.Name, err))
}

// cacheScope picks the scope an event applies to: the payload's own scope,
// else the topic's, else the global pseudo-scope.
func cacheScope(payloadScope, topic string) string {
	if payloadScope != "" {
		return payloadScope
	}
	if s, ok := types.TopicScope(topic); ok {
		return s
	}
	return types.GlobalScope
}

// logScope maps the global pseudo-scope to the empty log scope.
func logScope(scope string) string {
	if scope == types.GlobalScope {
		return ""
	}
	return scope
}

// asInt64 converts a JSON-decoded number.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
