package sync

import "sync/atomic"

// Cursor is the per-adapter watermark of the last successfully applied
// remote sequence. It only moves forward; Restore seeds it once before
// Connect when the caller checkpoints cursors externally.
type Cursor struct {
	value atomic.Uint64
}

// Load returns the current watermark.
func (c *Cursor) Load() uint64 {
	return c.value.Load()
}

// Advance moves the watermark forward to v. Stale values are ignored so
// concurrent acks cannot rewind it.
func (c *Cursor) Advance(v uint64) {
	for {
		cur := c.value.Load()
		if v <= cur || c.value.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Restore seeds the watermark from an external checkpoint.
func (c *Cursor) Restore(v uint64) {
	c.value.Store(v)
}
