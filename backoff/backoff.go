package backoff

import (
	"math/rand"
	"time"
)

// DefaultDelays is the reconnect delay sequence used when none is configured
var DefaultDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// DefaultJitter is the default jitter fraction (10%)
const DefaultJitter = 0.1

// Policy computes reconnect delays from a fixed list of base delays.
// It holds no per-endpoint state; the caller tracks attempts.
type Policy struct {
	delays []time.Duration
	jitter float64
	rand   func() float64
}

// Option configures a Policy
type Option func(*Policy)

// WithRand replaces the random source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Policy) {
		p.rand = f
	}
}

// New creates a policy. An empty delay list falls back to DefaultDelays,
// jitter is clamped to [0, 1].
func New(delays []time.Duration, jitter float64, opts ...Option) *Policy {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	p := &Policy{
		delays: append([]time.Duration(nil), delays...),
		jitter: jitter,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Base returns the unjittered delay for attempt, clamped to the list bounds
func (p *Policy) Base(attempt int, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.delays) {
		attempt = len(p.delays)
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return time.Duration(float64(p.delays[attempt-1]) * multiplier)
}

// NextDelay returns the delay before retry number attempt (1-based).
// The result lies within base*(1-jitter) and base*(1+jitter).
func (p *Policy) NextDelay(attempt int, multiplier float64) time.Duration {
	base := p.Base(attempt, multiplier)
	if p.jitter == 0 {
		return base
	}
	factor := 1 + p.jitter*(2*p.rand()-1)
	return time.Duration(float64(base) * factor)
}

// Jitter returns the configured jitter fraction
func (p *Policy) Jitter() float64 {
	return p.jitter
}
