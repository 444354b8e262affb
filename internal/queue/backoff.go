package queue

import (
	"math/rand"
	"time"
)

const (
	DefaultMinBackoff = 2 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
	DefaultJitter     = 0.3
)

// BackoffConfig describes capped exponential backoff with proportional jitter.
type BackoffConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   float64 // fraction of the base delay, 0.3 = up to +30%
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MinDelay: DefaultMinBackoff,
		MaxDelay: DefaultMaxBackoff,
		Jitter:   DefaultJitter,
	}
}

// Backoff returns the wait before retrying an envelope with the given attempt
// count, using the default configuration.
func Backoff(attempts int) time.Duration {
	return DefaultBackoff().Delay(attempts, nil)
}

// Delay computes min(MinDelay*2^attempts, MaxDelay) plus uniform jitter of up
// to Jitter*base, capped again at MaxDelay. random must return values in
// [0,1); nil uses math/rand.
func (c BackoffConfig) Delay(attempts int, random func() float64) time.Duration {
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxBackoff
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if random == nil {
		random = rand.Float64
	}
	if attempts < 0 {
		attempts = 0
	}

	base := c.MinDelay
	for i := 0; i < attempts && base < c.MaxDelay; i++ {
		base *= 2
	}
	if base > c.MaxDelay {
		base = c.MaxDelay
	}

	jitter := time.Duration(float64(base) * c.Jitter * random())
	delay := base + jitter
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}
