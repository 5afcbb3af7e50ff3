// Package store keeps the latest published status per scope in memory with
// TTL eviction. The relay answers refresh reads and request frames from it.
package store
