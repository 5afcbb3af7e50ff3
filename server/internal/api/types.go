package api

import (
	"encoding/json"

	"github.com/obsidianstack/statussync/pkg/types"
)

// PublishRequest is the body of POST /api/v1/events.
type PublishRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PublishResponse reports how a published event was handled.
type PublishResponse struct {
	Event     string `json:"event"`
	Scope     string `json:"scope,omitempty"`
	Delivered int    `json:"delivered"`
	Stored    bool   `json:"stored"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Scopes  int      `json:"scopes"`
	Clients int      `json:"clients"`
	Topics  []string `json:"topics"`
	History bool     `json:"history"`
}

// ScopesResponse is the payload for GET /api/v1/scopes.
type ScopesResponse struct {
	Scopes      []types.StatusUpdate `json:"scopes"`
	GeneratedAt string               `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
