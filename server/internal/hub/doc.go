// Package hub implements the relay's WebSocket topic hub.
//
// Clients send ClientMessage frames:
//
//	{"type": "subscribe",   "topic": "scope:study-42"}
//	{"type": "unsubscribe", "topic": "scope:study-42"}
//	{"type": "request",     "topic": "scope:study-42"}
//
// Publish fans an event out to subscribers of "scope:<key>" and of "global".
// A request frame re-pushes the stored status for the scope as a
// statusUpdate event, or an error event when nothing is stored. Frames the
// hub cannot decode are answered with an error event.
//
// Server frames are Envelopes:
//
//	{"event": "statusUpdate", "topic": "scope:study-42", "data": {...}}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The hub is mounted at /ws by the server.
package hub
