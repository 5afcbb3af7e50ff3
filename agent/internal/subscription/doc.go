// Package subscription tracks which scopes consumers currently watch and
// mirrors that set onto the transport.
//
// Scopes are reference counted: the transport sees one subscribe when a scope
// is first activated and one unsubscribe when the last consumer releases it.
// The set survives disconnects and is replayed in full on every reconnect.
package subscription
