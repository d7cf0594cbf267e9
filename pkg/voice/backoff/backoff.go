// Package backoff computes reconnection delays for realtime voice sessions.
//
// The policy is a pure function of the attempt number: exponential growth
// from Base, capped at Max, with symmetric multiplicative jitter. It knows
// nothing about transports or timers; the session state machine owns
// scheduling.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnection parameters.
const (
	DefaultBase        = 1 * time.Second
	DefaultMax         = 30 * time.Second
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 5
)

// Policy configures [Policy.Delay]. The zero value is usable and resolves to
// the defaults above.
type Policy struct {
	// Base is the delay before the first retry. Defaults to 1s.
	Base time.Duration

	// Max caps the un-jittered delay. Defaults to 30s.
	Max time.Duration

	// Jitter is the fractional spread applied around the computed delay, so
	// 0.2 yields a delay in [0.8d, 1.2d]. Negative disables jitter. Zero
	// selects DefaultJitter.
	Jitter float64

	// MaxAttempts is the retry ceiling. Defaults to 5.
	MaxAttempts int

	// Rand returns a float in [0,1). Nil uses math/rand/v2. Tests inject a
	// fixed source for deterministic delays.
	Rand func() float64
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

func (p Policy) max() time.Duration {
	if p.Max <= 0 {
		return DefaultMax
	}
	return p.Max
}

func (p Policy) jitter() float64 {
	switch {
	case p.Jitter < 0:
		return 0
	case p.Jitter == 0:
		return DefaultJitter
	}
	return p.Jitter
}

// Attempts returns the configured retry ceiling.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Exhausted reports whether attempt has reached the retry ceiling, i.e. no
// further attempt may be scheduled after it fails.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts()
}

// Nominal returns the un-jittered delay before the given 1-based attempt:
// min(Base·2^(attempt−1), Max). Attempts below 1 are treated as 1.
func (p Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, ceiling := p.base(), p.max()
	// Beyond 2^62 the float product overflows Duration; the cap wins anyway.
	exp := math.Pow(2, float64(min(attempt-1, 62)))
	d := float64(base) * exp
	if d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

// Delay returns the jittered delay before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Nominal(attempt)
	j := p.jitter()
	if j == 0 {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	// Map [0,1) to [1-j, 1+j).
	factor := 1 - j + 2*j*r()
	return time.Duration(float64(d) * factor)
}
