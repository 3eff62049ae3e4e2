package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultReconnectDelay is the fixed debounce before a reconnect attempt.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultReconnectCeiling caps exponential reconnect delays.
	DefaultReconnectCeiling = 30 * time.Second
)

// NewReconnectBackOff returns the delay schedule for a reconnect strategy.
// Fixed waits base every time; exponential starts at base and doubles up to ceiling.
func NewReconnectBackOff(strategy ReconnectStrategy, base, ceiling time.Duration) backoff.BackOff {
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	if ceiling < base {
		ceiling = DefaultReconnectCeiling
		if ceiling < base {
			ceiling = base
		}
	}
	if strategy != ReconnectExponential {
		return backoff.NewConstantBackOff(base)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = ceiling
	b.Reset()
	return b
}

// nextDelay returns the next delay, treating backoff.Stop as the ceiling.
func nextDelay(b backoff.BackOff, ceiling time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return ceiling
	}
	return d
}
