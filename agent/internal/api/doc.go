// Package api is the agent's local HTTP surface over the coordinator.
//
// Routes:
//
//	GET    /api/v1/diagnostics
//	GET    /api/v1/snapshots
//	GET    /api/v1/snapshots/{scope}
//	GET    /api/v1/scopes
//	POST   /api/v1/scopes/{scope}            subscribe
//	DELETE /api/v1/scopes/{scope}            unsubscribe
//	POST   /api/v1/scopes/{scope}/refresh
//	POST   /api/v1/scopes/{scope}/recompute
//	GET    /api/v1/updates     DELETE clears
//	GET    /api/v1/errors      DELETE clears
//	GET    /api/v1/server/cert
//	GET    /metrics
//	GET    /ws/notifications?channel=status|entity
package api
