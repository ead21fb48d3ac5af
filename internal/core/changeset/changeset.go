// Package changeset defines the mutation record and wire envelope shared
// by every sync transport.
package changeset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Op identifies the kind of document mutation a ChangeSet carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeSet describes a single document mutation. For a given
// (DocumentID, Version) pair the payload is immutable once emitted, so
// replays are idempotent at the store.
type ChangeSet struct {
	DocumentID string          `json:"documentId"`
	Collection string          `json:"collection"`
	Operation  Op              `json:"operation"`
	Version    uint64          `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OriginID   string          `json:"originId"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Validate checks the fields every transport relies on.
func (c ChangeSet) Validate() error {
	if c.DocumentID == "" {
		return fmt.Errorf("%w: missing documentId", ErrInvalidChange)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Operation)
	}
	if c.Version == 0 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidChange)
	}
	if c.OriginID == "" {
		return fmt.Errorf("%w: missing originId", ErrInvalidChange)
	}
	if c.Operation != OpDelete && len(c.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidChange, c.Operation)
	}
	return nil
}

// Digest returns a stable identity hash for duplicate suppression.
// Payload is excluded: (DocumentID, Version) already pins the payload.
func (c ChangeSet) Digest() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(c.Collection)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(c.DocumentID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(c.OriginID)
	_, _ = h.WriteString("\x00")
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], c.Version)
	_, _ = h.Write(v[:])
	return h.Sum64()
}

func (c ChangeSet) String() string {
	return fmt.Sprintf("%s/%s@%d(%s)", c.Collection, c.DocumentID, c.Version, c.Operation)
}
