package sync

import (
	gosync "sync"

	"github.com/docsync/docsync/internal/core/changeset"
)

// Queue is the bounded outbound buffer used while an adapter is not
// Connected. Order is enqueue order; overflow drops the oldest entries,
// since the current document state supersedes stale deltas.
type Queue struct {
	mu      gosync.Mutex
	items   []changeset.ChangeSet
	limit   int
	dropped uint64
}

// NewQueue creates a queue holding at most limit entries.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 1
	}
	return &Queue{limit: limit}
}

// Enqueue appends changes, evicting from the front when the limit is
// exceeded. It reports how many entries were dropped.
func (q *Queue) Enqueue(changes ...changeset.ChangeSet) (dropped int) {
	if len(changes) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, changes...)
	if over := len(q.items) - q.limit; over > 0 {
		q.items = append(q.items[:0:0], q.items[over:]...)
		q.dropped += uint64(over)
		dropped = over
	}
	return dropped
}

// Drain removes and returns up to max entries in enqueue order. A max of
// zero or less drains everything.
func (q *Queue) Drain(max int) []changeset.ChangeSet {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]changeset.ChangeSet, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	return out
}

// Requeue puts a failed batch back at the front, preserving the original
// order relative to entries queued after it. The limit still applies.
func (q *Queue) Requeue(changes []changeset.ChangeSet) {
	if len(changes) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(append(q.items[:0:0], changes...), q.items...)
	if over := len(q.items) - q.limit; over > 0 {
		q.items = append(q.items[:0:0], q.items[over:]...)
		q.dropped += uint64(over)
	}
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of entries evicted by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
