package outbox

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration // zero means uncapped
	Jitter float64       // randomization factor: the delay varies by ±Jitter, 0..1
}

// DefaultBackoff starts at one second and caps at five minutes.
var DefaultBackoff = Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.2}

// Delay returns the wait before the next attempt after attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	exp := b.exponential()
	var d time.Duration
	for range attempts {
		d = exp.NextBackOff()
	}
	return d
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	maxInterval := b.Max
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: b.Jitter,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	exp.Reset()
	return exp
}
