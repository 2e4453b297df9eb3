package workerclient

import (
	"math/rand"
	"time"
)

// backoff computes capped exponential reconnect delays with jitter, the
// same doubling-with-ceiling shape as the teacher's retry helpers in
// test/framework/waiters.go, plus jitter that shortens each delay by up
// to half (the result lies in [d/2, d)) so a broker restart
// doesn't get hit by every worker's reconnect attempt at once.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait before the next attempt and advances
// the internal state toward max.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return jitter(d)
}

// Reset is called after a successful connection so the next loss starts
// backing off from the initial delay again.
func (b *backoff) Reset() {
	b.current = b.initial
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half)
}
