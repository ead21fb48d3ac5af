// Package store defines the narrow surface the sync layer consumes from
// the underlying document store, plus an in-memory implementation used by
// the relay server and tests.
package store

import (
	"context"

	"github.com/docsync/docsync/internal/core/changeset"
)

// Result reports the outcome of applying one remote change.
type Result struct {
	// Applied is false when the change was a stale or duplicate replay
	// and the store kept its current state.
	Applied bool
	// Version is the document version after the call.
	Version uint64
}

// Store is the collaborator interface. Durability of applied state is the
// store's concern; the sync layer keeps no log of its own.
type Store interface {
	// ApplyChange applies a remote change. Replaying the same
	// (documentId, version) pair must be a no-op.
	ApplyChange(ctx context.Context, change changeset.ChangeSet) (Result, error)

	// CurrentVersion returns the latest known version for a document and
	// the origin that authored it, zero and empty if the document has
	// never been seen. The origin feeds the deterministic tie-break in
	// conflict resolution.
	CurrentVersion(ctx context.Context, collection, documentID string) (uint64, string, error)

	// OnLocalChange registers a callback invoked for every local
	// mutation. The returned func cancels the registration.
	OnLocalChange(fn func(changeset.ChangeSet)) (cancel func())
}
