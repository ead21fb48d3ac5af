package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/docsync/docsync/internal/core/changeset"
)

var _ Store = (*Memory)(nil)

type document struct {
	version uint64
	payload json.RawMessage
	deleted bool
	digest  uint64
	origin  string
}

type listener struct {
	id uint64
	fn func(changeset.ChangeSet)
}

// Memory is an in-process document store. Besides the Store surface it
// keeps an ordered log of applied changes so the relay server can serve
// pull-since requests; the log sequence number is the server-side cursor.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]map[string]*document // collection -> documentId
	seq       uint64
	journal   []journalEntry
	nextLID   uint64
	listeners []listener
}

type journalEntry struct {
	seq    uint64
	change changeset.ChangeSet
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]*document)}
}

// ApplyChange applies a change if it advances the document, records it in
// the journal and returns the resulting version. Stale versions and exact
// replays leave the store untouched; an equal-version change from a
// different origin overwrites, which is how a resolved conflict winner
// lands.
func (m *Memory) ApplyChange(_ context.Context, change changeset.ChangeSet) (Result, error) {
	if err := change.Validate(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.docs[change.Collection]
	if coll == nil {
		coll = make(map[string]*document)
		m.docs[change.Collection] = coll
	}

	doc := coll[change.DocumentID]
	if doc != nil {
		if change.Version < doc.version {
			return Result{Applied: false, Version: doc.version}, nil
		}
		if change.Version == doc.version && change.Digest() == doc.digest {
			return Result{Applied: false, Version: doc.version}, nil
		}
	}

	if doc == nil {
		doc = &document{}
		coll[change.DocumentID] = doc
	}
	doc.version = change.Version
	doc.digest = change.Digest()
	doc.origin = change.OriginID
	doc.deleted = change.Operation == changeset.OpDelete
	if doc.deleted {
		doc.payload = nil
	} else {
		doc.payload = append(json.RawMessage(nil), change.Payload...)
	}

	m.seq++
	m.journal = append(m.journal, journalEntry{seq: m.seq, change: change})

	return Result{Applied: true, Version: doc.version}, nil
}

func (m *Memory) CurrentVersion(_ context.Context, collection, documentID string) (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if doc := m.docs[collection][documentID]; doc != nil {
		return doc.version, doc.origin, nil
	}
	return 0, "", nil
}

// Get returns the current payload for a document. Used by tests to check
// convergence; deleted and unknown documents report ok=false.
func (m *Memory) Get(collection, documentID string) (json.RawMessage, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := m.docs[collection][documentID]
	if doc == nil || doc.deleted {
		return nil, 0, false
	}
	return doc.payload, doc.version, true
}

// EmitLocal records a local mutation and fans it out to registered
// listeners. The emitted change is also journaled so other replicas can
// pull it.
func (m *Memory) EmitLocal(ctx context.Context, change changeset.ChangeSet) (Result, error) {
	res, err := m.ApplyChange(ctx, change)
	if err != nil || !res.Applied {
		return res, err
	}

	m.mu.RLock()
	ls := make([]listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.RUnlock()

	for _, l := range ls {
		l.fn(change)
	}
	return res, nil
}

func (m *Memory) OnLocalChange(fn func(changeset.ChangeSet)) (cancel func()) {
	m.mu.Lock()
	m.nextLID++
	id := m.nextLID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// ChangesSince returns journaled changes with sequence greater than the
// cursor, in apply order, plus the new cursor value.
func (m *Memory) ChangesSince(cursor uint64) ([]changeset.ChangeSet, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []changeset.ChangeSet
	next := cursor
	for _, entry := range m.journal {
		if entry.seq > cursor {
			out = append(out, entry.change)
			next = entry.seq
		}
	}
	return out, next
}

// Seq returns the current journal sequence, the cursor a fully caught-up
// replica would hold.
func (m *Memory) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}
