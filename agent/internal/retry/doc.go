// Package retry decides how long the coordinator waits before reconnecting
// after a failed or dropped connection.
//
// The default policy waits a fixed delay and retries forever. An exponential
// policy with jitter and an optional attempt cap is available for hardened
// deployments.
package retry
