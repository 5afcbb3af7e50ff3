package types

import (
	"encoding/json"
	"time"
)

// GlobalScope is the pseudo-scope for consumers that want the feed of every
// status computation rather than a single entity's.
const GlobalScope = "global"

// ConnectionState is the agent's view of the push connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// UpdateKind classifies an applied update in the update log.
type UpdateKind string

const (
	UpdateStatus      UpdateKind = "status"
	UpdateEntity      UpdateKind = "entity"
	UpdateVersion     UpdateKind = "version"
	UpdateComputation UpdateKind = "computation"
	UpdateValidation  UpdateKind = "validation"
	UpdateRefresh     UpdateKind = "refresh"
)

// ErrorKind classifies a SyncErrorEntry.
type ErrorKind string

const (
	// ErrorConnection means the transport could not be established.
	ErrorConnection ErrorKind = "connection"
	// ErrorTransport is an error event received while connected.
	ErrorTransport ErrorKind = "transport"
	// ErrorRefresh means an authoritative re-fetch failed.
	ErrorRefresh ErrorKind = "refresh"
	// ErrorMalformed means an event payload could not be decoded.
	ErrorMalformed ErrorKind = "malformed"
)

// StatusSnapshot is the last known state of one tracked entity.
// Version is informational only; updates are applied in arrival order.
type StatusSnapshot struct {
	ScopeKey      string         `json:"scope_key"`
	Status        string         `json:"status"`
	Version       *int64         `json:"version,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ComputationID string         `json:"computation_id,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// UpdateLogEntry is a diagnostic record of one applied update.
// ScopeKey is empty for updates that arrived on the global feed without a scope.
type UpdateLogEntry struct {
	ID         string          `json:"id"`
	Type       UpdateKind      `json:"type"`
	ScopeKey   string          `json:"scope_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// SyncErrorEntry records a non-fatal failure seen by the coordinator.
type SyncErrorEntry struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	ScopeKey   string    `json:"scope_key,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Diagnostics is the coordinator's self-report.
type Diagnostics struct {
	State            ConnectionState `json:"state"`
	LastUpdateAt     *time.Time      `json:"last_update_at,omitempty"`
	CacheSize        int             `json:"cache_size"`
	PendingUpdates   int             `json:"pending_updates"`
	ErrorCount       int             `json:"error_count"`
	SubscribedTopics []string        `json:"subscribed_topics"`
	ActiveScopes     []string        `json:"active_scopes"`
	RetryAttempts    int             `json:"retry_attempts"`
}
