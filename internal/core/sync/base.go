package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/core/sync/resolver"
)

// Base carries the transport-independent half of every adapter: identity,
// the state machine, observer registries, the outbound queue, the cursor
// and conflict resolution. Concrete transports embed it and add their
// sendChanges/pullChanges mechanics.
type Base struct {
	opts     Options
	originID string
	logger   log.Log
	stor     store.Store
	resolve  resolver.Safe

	state     atomic.Int32
	stateObs  observers[ConnectionState]
	remoteObs observers[changeset.ChangeSet]
	errorObs  observers[error]

	queue  *Queue
	cursor Cursor
	seen   *digestRing

	// applyMu serializes inbound application so observers see changes in
	// apply order.
	applyMu gosync.Mutex

	localMu     gosync.Mutex
	localCancel func()

	closed atomic.Bool
	doneMu gosync.Mutex
	done   chan struct{}
}

// NewBase builds the shared adapter core from validated options.
func NewBase(opts Options, transport Transport) *Base {
	originID := uuid.New().String()
	b := &Base{
		opts:     opts,
		originID: originID,
		logger: opts.Logger.With(
			log.String("transport", string(transport)),
			log.String("origin_id", originID)),
		stor:  opts.Store,
		queue: NewQueue(opts.QueueLimit),
		seen:  newDigestRing(4096),
		done:  make(chan struct{}),
	}
	b.resolve = resolver.Safe{
		Custom:   opts.Resolver,
		Fallback: resolver.Default(),
		OnFailure: func(err error) {
			b.logger.Warn("custom resolver failed, falling back to last-writer-wins", log.Error(err))
		},
	}
	return b
}

func (b *Base) Options() Options   { return b.opts }
func (b *Base) Logger() log.Log    { return b.logger }
func (b *Base) OriginID() string   { return b.originID }
func (b *Base) Queue() *Queue      { return b.queue }
func (b *Base) Cursor() *Cursor    { return &b.cursor }
func (b *Base) Store() store.Store { return b.stor }

// Done returns the current session's shutdown channel; background loops
// select on it to stop. Loops that outlive a session capture the channel
// once at start so a later Reopen cannot strand them.
func (b *Base) Done() <-chan struct{} {
	b.doneMu.Lock()
	defer b.doneMu.Unlock()
	return b.done
}

// Close marks the adapter closed and releases Done. Idempotent.
func (b *Base) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.doneMu.Lock()
		close(b.done)
		b.doneMu.Unlock()
	}
}

// Closed reports whether Close was called.
func (b *Base) Closed() bool { return b.closed.Load() }

// Reopen re-arms Done after a full Disconnect so a later Connect starts
// fresh.
func (b *Base) Reopen() {
	if b.closed.CompareAndSwap(true, false) {
		b.doneMu.Lock()
		b.done = make(chan struct{})
		b.doneMu.Unlock()
	}
}

// BindLocalChanges subscribes to the store's local-mutation stream and
// forwards every emitted change into push, completing the local half of
// the sync loop. No-op when already bound.
func (b *Base) BindLocalChanges(push func(...changeset.ChangeSet)) {
	b.localMu.Lock()
	defer b.localMu.Unlock()
	if b.localCancel != nil {
		return
	}
	b.localCancel = b.stor.OnLocalChange(func(c changeset.ChangeSet) { push(c) })
}

// UnbindLocalChanges cancels the local-mutation subscription.
func (b *Base) UnbindLocalChanges() {
	b.localMu.Lock()
	defer b.localMu.Unlock()
	if b.localCancel != nil {
		b.localCancel()
		b.localCancel = nil
	}
}

// NewBackoff builds a backoff policy from the reconnect options.
func (b *Base) NewBackoff() *Backoff {
	return NewBackoff(b.opts.ReconnectBaseDelay, b.opts.ReconnectMaxDelay)
}

// State returns the current connection state.
func (b *Base) State() ConnectionState {
	return ConnectionState(b.state.Load())
}

// SetState transitions the state machine and notifies the state stream
// when the state actually changes.
func (b *Base) SetState(s ConnectionState) {
	old := ConnectionState(b.state.Swap(int32(s)))
	if old != s {
		b.logger.Debug("connection state changed",
			log.String("from", old.String()),
			log.String("to", s.String()))
		b.stateObs.Notify(s)
	}
}

// CompareAndSetState transitions only from an expected state, so a
// Disconnect racing a reconnect cannot be overridden.
func (b *Base) CompareAndSetState(from, to ConnectionState) bool {
	if b.state.CompareAndSwap(int32(from), int32(to)) {
		b.stateObs.Notify(to)
		return true
	}
	return false
}

func (b *Base) OnRemoteChange(fn func(changeset.ChangeSet)) (cancel func()) {
	return b.remoteObs.Register(fn)
}

func (b *Base) OnStateChange(fn func(ConnectionState)) (cancel func()) {
	return b.stateObs.Register(fn)
}

func (b *Base) OnError(fn func(error)) (cancel func()) {
	return b.errorObs.Register(fn)
}

// EmitError surfaces a non-recoverable delivery failure to observers.
func (b *Base) EmitError(err error) {
	b.logger.Error("sync error", log.Error(err))
	b.errorObs.Notify(err)
}

// ApplyRemote runs the inbound path for a batch: echo suppression,
// duplicate suppression, conflict resolution and store application, then
// observer notification in apply order. It returns the number of changes
// that reached the store.
func (b *Base) ApplyRemote(ctx context.Context, changes []changeset.ChangeSet) int {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	applied := 0
	for _, change := range changes {
		if err := change.Validate(); err != nil {
			b.logger.Warn("dropping invalid inbound change", log.Error(err))
			continue
		}
		if change.OriginID == b.originID {
			// Own change echoed back by the transport.
			continue
		}
		digest := change.Digest()
		if b.seen.Contains(digest) {
			b.logger.Debug("dropping duplicate change", log.String("change", change.String()))
			continue
		}

		// The digest is recorded only once the store has settled the
		// change; a transient store error must leave redelivery open.
		current, currentOrigin, err := b.stor.CurrentVersion(ctx, change.Collection, change.DocumentID)
		if err != nil {
			b.logger.Error("version lookup failed",
				log.String("change", change.String()), log.Error(err))
			continue
		}

		winner := change
		if change.Version <= current {
			local := changeset.ChangeSet{
				DocumentID: change.DocumentID,
				Collection: change.Collection,
				Operation:  changeset.OpUpdate,
				Version:    current,
				OriginID:   currentOrigin,
			}
			winner, _ = b.resolve.Resolve(local, change)
			if winner.OriginID != change.OriginID || winner.Version != change.Version {
				b.logger.Debug("local state wins conflict", log.String("change", change.String()))
				b.seen.Observe(digest)
				continue
			}
		}

		res, err := b.stor.ApplyChange(ctx, winner)
		if err != nil {
			b.logger.Error("store apply failed",
				log.String("change", winner.String()), log.Error(err))
			continue
		}
		b.seen.Observe(digest)
		if res.Applied {
			applied++
			b.remoteObs.Notify(winner)
		}
	}
	return applied
}

// digestRing remembers the most recent change digests for duplicate
// suppression. Fixed capacity, oldest entries fall out first.
type digestRing struct {
	mu    gosync.Mutex
	slots []uint64
	index map[uint64]struct{}
	next  int
}

func newDigestRing(capacity int) *digestRing {
	return &digestRing{
		slots: make([]uint64, capacity),
		index: make(map[uint64]struct{}, capacity),
	}
}

// Contains reports whether a digest is present without recording it.
func (r *digestRing) Contains(d uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[d]
	return ok
}

// Observe records a digest and reports whether it was already present.
func (r *digestRing) Observe(d uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[d]; ok {
		return true
	}
	if old := r.slots[r.next]; old != 0 {
		delete(r.index, old)
	}
	r.slots[r.next] = d
	r.index[d] = struct{}{}
	r.next = (r.next + 1) % len(r.slots)
	return false
}
