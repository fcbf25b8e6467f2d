package lavakit

import (
	"math/rand"
	"time"
)

// expBackoff produces reconnect delays that double from base up to max.
// Jitter (a fraction of the current delay, added on top and clamped to
// max) stays below 1.0 so the sequence never decreases between
// attempts. Not safe for concurrent use; each node owns one.
type expBackoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

func newBackoff(base, max time.Duration) *expBackoff {
	return &expBackoff{base: base, max: max, jitter: 0.25}
}

func (b *expBackoff) next() time.Duration {
	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	} else {
		b.attempt++
	}
	if b.jitter > 0 && d < b.max {
		d += time.Duration(b.jitter * rand.Float64() * float64(d))
		if d > b.max {
			d = b.max
		}
	}
	return d
}

func (b *expBackoff) reset() { b.attempt = 0 }
