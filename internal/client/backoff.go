package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig controls reconnect delays. Delays grow geometrically from
// Initial by Multiplier, are randomized by ±Jitter and never exceed Max.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// DefaultBackoff is 1s doubling up to 30s with 20% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// reconnectBackoff never gives up; it yields the next delay and is reset
// after each session that reaches Connected.
type reconnectBackoff struct {
	exp *backoff.ExponentialBackOff
	max time.Duration
}

func (c BackoffConfig) newBackoff() *reconnectBackoff {
	d := DefaultBackoff()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.Initial
	exp.MaxInterval = c.Max
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &reconnectBackoff{exp: exp, max: c.Max}
}

// Next returns the delay before the next attempt.
func (b *reconnectBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		return b.max
	}
	return d
}

// Reset starts the schedule over from the initial delay.
func (b *reconnectBackoff) Reset() {
	b.exp.Reset()
}
