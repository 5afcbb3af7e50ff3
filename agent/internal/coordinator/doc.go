// Package coordinator is the agent's single authority for the push connection
// and the local status view.
//
// A Coordinator owns the connection state machine
//
//	disconnected -> connecting -> connected | failed
//	connected    -> disconnected   (transport dropped)
//	failed, disconnected -> connecting   (after the retry delay)
//
// wires transport events into the status cache and the update log, records
// non-fatal failures in the error log and exposes the query/command surface
// used by the local API and the CLI. Every transition into connected replays
// the active scopes so consumers never re-subscribe after a blip.
//
// Updates for a scope are applied strictly in arrival order. The version
// carried by an update is stored for diagnostics and never compared.
//
// Instances share nothing: construct one with New, call Start, and release it
// with Teardown.
package coordinator
