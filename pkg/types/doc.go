// Package types defines shared Go types used by both the agent and the relay
// server. StatusSnapshot, UpdateLogEntry and SyncErrorEntry are the agent's
// in-memory records; Envelope and ClientMessage are the JSON frames exchanged
// over the push connection.
package types
