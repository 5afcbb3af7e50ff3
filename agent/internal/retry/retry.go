package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/obsidianstack/statussync/agent/internal/config"
)

// jitter is the randomization factor applied by the exponential policy (±25 %).
const jitter = 0.25

// Policy tracks consecutive failed attempts and yields the next wait.
// It is safe for concurrent use.
type Policy struct {
	mu         sync.Mutex
	bo         backoff.BackOff
	maxRetries int
	attempts   int
}

// New builds a Policy from the sync section of the agent config.
func New(cfg config.SyncConfig) *Policy {
	var bo backoff.BackOff
	switch cfg.RetryPolicy {
	case config.RetryExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = cfg.RetryDelay
		eb.MaxInterval = cfg.MaxRetryDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = jitter
		eb.Reset()
		bo = eb
	default:
		bo = backoff.NewConstantBackOff(cfg.RetryDelay)
	}
	return &Policy{bo: bo, maxRetries: cfg.MaxRetries}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once MaxRetries consecutive attempts have failed.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.maxRetries > 0 && p.attempts > p.maxRetries {
		return 0, false
	}
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// Reset clears the attempt counter after a successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.bo.Reset()
	p.mu.Unlock()
}

// Attempts returns the number of consecutive failures since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
