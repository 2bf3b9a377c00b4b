package gateway

import (
	"math/rand"
	"time"
)

// backoff yields reconnect sleeps: the base delay doubles up to max and each
// sleep is scaled by a jitter factor in [0.85, 1.15), then capped at max.
type backoff struct {
	min, max time.Duration
	delay    time.Duration
	jitter   func() float64
}

func newBackoff(min, max time.Duration, jitter func() float64) *backoff {
	if jitter == nil {
		jitter = defaultJitter
	}
	return &backoff{min: min, max: max, delay: min, jitter: jitter}
}

func defaultJitter() float64 { return 0.85 + rand.Float64()*0.3 }

func (b *backoff) next() time.Duration {
	sleep := time.Duration(float64(b.delay) * b.jitter())
	if sleep > b.max {
		sleep = b.max
	}
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	return sleep
}

func (b *backoff) reset() { b.delay = b.min }
