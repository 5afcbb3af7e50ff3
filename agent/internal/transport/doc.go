// Package transport is the agent's persistent WebSocket connection to the push
// server.
//
// Server frames are decoded into named events and delivered to handlers
// registered with On, in arrival order, from a single reader goroutine per
// connection. The client does not reconnect by itself: when the connection
// drops it emits a disconnected event and leaves the decision to the caller.
package transport
