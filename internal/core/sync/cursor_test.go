package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorAdvanceForwardOnly(t *testing.T) {
	var c Cursor
	assert.Zero(t, c.Load())

	c.Advance(5)
	assert.Equal(t, uint64(5), c.Load())

	// A stale ack cannot rewind the watermark.
	c.Advance(3)
	assert.Equal(t, uint64(5), c.Load())

	c.Advance(9)
	assert.Equal(t, uint64(9), c.Load())
}

func TestCursorRestore(t *testing.T) {
	var c Cursor
	c.Restore(100)
	assert.Equal(t, uint64(100), c.Load())
}

func TestObserversOrderAndCancel(t *testing.T) {
	var obs observers[int]
	var got []string

	cancelA := obs.Register(func(int) { got = append(got, "a") })
	obs.Register(func(int) { got = append(got, "b") })

	obs.Notify(1)
	assert.Equal(t, []string{"a", "b"}, got)

	cancelA()
	assert.Equal(t, 1, obs.Len())

	got = nil
	obs.Notify(2)
	assert.Equal(t, []string{"b"}, got)

	// Cancelling twice is harmless.
	cancelA()
	assert.Equal(t, 1, obs.Len())
}
