// Package api implements the relay's HTTP REST API.
//
// New(store, hub, opts...) returns an http.Handler that serves:
//
//	POST /api/v1/events                 publish {event, data}; fans out and stores status
//	GET  /api/v1/health                 liveness, client and topic counts
//	GET  /api/v1/scopes                 every live stored status
//	GET  /api/v1/scopes/{scope}/status  latest status; 404 if unknown or stale
//	GET  /api/v1/scopes/{scope}/history stored events, newest first (WithHistory)
//	GET  /metrics                       Prometheus exposition (WithMetrics)
//
// statusUpdate events, and computationComplete events whose results carry a
// string "status", replace the stored status of their scope. Every valid
// event is fanned out whether or not it is stored.
//
// Error bodies are {"error": "..."}. JSON types are defined in types.go.
package api
