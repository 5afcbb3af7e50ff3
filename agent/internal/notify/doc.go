// Package notify fans coordinator updates out to consumers.
//
// Two channels exist: "status" carries status changes and "entity" carries
// entity, version, computation and validation notifications. Consumers either
// Subscribe in-process or stream over WebSocket at /ws/notifications. Delivery
// never blocks the publisher; a consumer that falls behind loses notifications.
package notify
