package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffMonotoneUnderCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 5*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "delay %d must not shrink", i)
		assert.LessOrEqual(t, d, 5*time.Second)
		prev = d
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(time.Second, 3*time.Second)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, b.Next(), 3*time.Second)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 10*time.Second)
	for i := 0; i < 5; i++ {
		b.Next()
	}
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Zero(t, b.Attempts())

	// First delay after reset is back in the base range.
	assert.Less(t, b.Next(), 200*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	d := b.Next()
	assert.Greater(t, d, time.Duration(0))
}
