// Package cache holds the agent's status cache: the most recently applied
// StatusSnapshot per scope, with periodic time-based eviction.
//
// Put and Get are O(1). Run sweeps on its own interval and removes every
// entry whose ReceivedAt is older than the configured max age. Sweep interval
// and max age are independent; eviction is silent, so a swept scope simply
// reads as absent.
package cache
