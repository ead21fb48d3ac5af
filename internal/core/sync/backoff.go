package sync

import (
	"math/rand"
	gosync "sync"
	"time"
)

// Backoff produces reconnect delays: base delay doubling up to the
// ceiling, with additive jitter so many instances reconnecting at once do
// not stampede. Delays are non-decreasing until Reset.
type Backoff struct {
	mu       gosync.Mutex
	base     time.Duration
	max      time.Duration
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff policy. Non-positive inputs fall back to
// safe defaults.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Backoff{
		base: base,
		max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and bumps the attempt
// counter. Jitter is bounded by the base delay, so doubling keeps the
// sequence monotone under the ceiling.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base << b.attempts
	if d <= 0 || d > b.max {
		d = b.max
	}
	if b.attempts < 62 {
		b.attempts++
	}

	jitter := time.Duration(b.rng.Int63n(int64(b.base)))
	if d+jitter > b.max {
		return b.max
	}
	return d + jitter
}

// Attempts returns how many delays have been handed out since the last
// Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset zeroes the attempt counter after a successful reconnect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
