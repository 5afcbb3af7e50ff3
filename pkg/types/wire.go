package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Event names carried in Envelope.Event. They double as the transport
// client's event names, alongside the connection lifecycle events.
const (
	EventConnected           = "connected"
	EventDisconnected        = "disconnected"
	EventError               = "error"
	EventStatusUpdate        = "statusUpdate"
	EventStudyUpdate         = "studyUpdate"
	EventVersionUpdate       = "versionUpdate"
	EventComputationComplete = "computationComplete"
	EventValidationResult    = "validationResult"
)

// IsDataEvent reports whether name is one of the events a server may push.
func IsDataEvent(name string) bool {
	switch name {
	case EventStatusUpdate, EventStudyUpdate, EventVersionUpdate,
		EventComputationComplete, EventValidationResult, EventError:
		return true
	}
	return false
}

// Client message types sent from the agent to the server.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageRequest     = "request"
)

const scopeTopicPrefix = "scope:"

// GlobalTopic is the topic carrying every status computation.
const GlobalTopic = "global"

// ScopeTopic returns the topic name for a scope. The global pseudo-scope maps
// to GlobalTopic.
func ScopeTopic(scope string) string {
	if scope == GlobalScope {
		return GlobalTopic
	}
	return scopeTopicPrefix + scope
}

// TopicScope is the inverse of ScopeTopic. ok is false for unknown topics.
func TopicScope(topic string) (scope string, ok bool) {
	if topic == GlobalTopic {
		return GlobalScope, true
	}
	if s, found := strings.CutPrefix(topic, scopeTopicPrefix); found && s != "" {
		return s, true
	}
	return "", false
}

// Envelope is one server-to-client frame.
type Envelope struct {
	Event string          `json:"event"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one client-to-server frame.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// StatusUpdate is the payload of a statusUpdate event, and the body returned
// by the data-access endpoint used for refreshes.
type StatusUpdate struct {
	Scope     string         `json:"scope"`
	Status    string         `json:"status"`
	Version   *int64         `json:"version,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// EntityUpdate is the payload of studyUpdate and versionUpdate events.
type EntityUpdate struct {
	Scope string         `json:"scope"`
	Data  map[string]any `json:"data"`
}

// ComputationComplete is the payload of a computationComplete event.
type ComputationComplete struct {
	Scope         string         `json:"scope"`
	ComputationID string         `json:"computation_id"`
	Results       map[string]any `json:"results,omitempty"`
}

// ValidationResult is the payload of a validationResult event.
type ValidationResult struct {
	Scope   string         `json:"scope,omitempty"`
	Valid   bool           `json:"valid"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
