package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync/internal/core/changeset"
)

func change(docID string, version uint64, origin, payload string) changeset.ChangeSet {
	return changeset.ChangeSet{
		DocumentID: docID,
		Collection: "notes",
		Operation:  changeset.OpUpdate,
		Version:    version,
		Payload:    json.RawMessage(payload),
		OriginID:   origin,
	}
}

func TestMemoryApplyAndReplay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res, err := m.ApplyChange(ctx, change("doc-1", 1, "a", `{"v":1}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, uint64(1), res.Version)

	// Replaying the same (documentId, version) pair is a no-op.
	res, err = m.ApplyChange(ctx, change("doc-1", 1, "a", `{"v":1}`))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, uint64(1), m.Seq())
}

func TestMemoryStaleVersionIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ApplyChange(ctx, change("doc-1", 5, "a", `{"v":5}`))
	require.NoError(t, err)

	res, err := m.ApplyChange(ctx, change("doc-1", 3, "b", `{"v":3}`))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, uint64(5), res.Version)

	payload, version, ok := m.Get("notes", "doc-1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), version)
	assert.JSONEq(t, `{"v":5}`, string(payload))
}

func TestMemoryEqualVersionDifferentOriginOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ApplyChange(ctx, change("doc-1", 2, "a", `{"from":"a"}`))
	require.NoError(t, err)

	// A resolved conflict winner carries the same version from another
	// origin and must land.
	res, err := m.ApplyChange(ctx, change("doc-1", 2, "b", `{"from":"b"}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	_, origin, err := m.CurrentVersion(ctx, "notes", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "b", origin)
}

func TestMemoryDeleteTombstones(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ApplyChange(ctx, change("doc-1", 1, "a", `{"v":1}`))
	require.NoError(t, err)

	del := change("doc-1", 2, "a", "")
	del.Operation = changeset.OpDelete
	del.Payload = nil
	res, err := m.ApplyChange(ctx, del)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	_, _, ok := m.Get("notes", "doc-1")
	assert.False(t, ok)

	// The version survives the delete for conflict decisions.
	version, _, err := m.CurrentVersion(ctx, "notes", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestMemoryCurrentVersionUnknownDocument(t *testing.T) {
	m := NewMemory()
	version, origin, err := m.CurrentVersion(context.Background(), "notes", "nope")
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Empty(t, origin)
}

func TestMemoryChangesSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := uint64(1); i <= 3; i++ {
		_, err := m.ApplyChange(ctx, change("doc-1", i, "a", `{"v":1}`))
		require.NoError(t, err)
	}

	all, cursor := m.ChangesSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), cursor)
	assert.Equal(t, uint64(1), all[0].Version)
	assert.Equal(t, uint64(3), all[2].Version)

	tail, cursor := m.ChangesSince(2)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), cursor)

	none, cursor := m.ChangesSince(3)
	assert.Empty(t, none)
	assert.Equal(t, uint64(3), cursor)
}

func TestMemoryLocalChangeListeners(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got []changeset.ChangeSet
	cancel := m.OnLocalChange(func(c changeset.ChangeSet) {
		got = append(got, c)
	})

	_, err := m.EmitLocal(ctx, change("doc-1", 1, "a", `{"v":1}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "doc-1", got[0].DocumentID)

	// A stale emit never reaches listeners.
	_, err = m.EmitLocal(ctx, change("doc-1", 1, "a", `{"v":1}`))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	cancel()
	_, err = m.EmitLocal(ctx, change("doc-1", 2, "a", `{"v":2}`))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
