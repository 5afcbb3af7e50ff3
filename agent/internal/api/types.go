package api

import "github.com/obsidianstack/statussync/pkg/types"

type errorResponse struct {
	Error string `json:"error"`
}

// ScopesResponse is returned by GET /api/v1/scopes and by subscribe and
// unsubscribe calls.
type ScopesResponse struct {
	ActiveScopes []string `json:"active_scopes"`
}

// RecomputeResponse reports whether the recompute request was sent.
type RecomputeResponse struct {
	Scope string `json:"scope"`
	Sent  bool   `json:"sent"`
}

// SnapshotsResponse is returned by GET /api/v1/snapshots.
type SnapshotsResponse struct {
	Snapshots   []types.StatusSnapshot `json:"snapshots"`
	GeneratedAt string                 `json:"generated_at"`
}
