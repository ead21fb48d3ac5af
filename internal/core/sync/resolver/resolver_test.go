package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync/internal/core/changeset"
)

func cs(version uint64, origin string) changeset.ChangeSet {
	return changeset.ChangeSet{
		DocumentID: "doc-1",
		Collection: "notes",
		Operation:  changeset.OpUpdate,
		Version:    version,
		OriginID:   origin,
	}
}

func TestLastWriterWins(t *testing.T) {
	lww := LastWriterWins{}

	tests := []struct {
		name          string
		local, remote changeset.ChangeSet
		winnerOrigin  string
	}{
		{"higher remote version wins", cs(1, "a"), cs(2, "b"), "b"},
		{"higher local version wins", cs(3, "a"), cs(2, "b"), "a"},
		{"tie breaks on greater origin", cs(2, "a"), cs(2, "b"), "b"},
		{"tie keeps local when greater", cs(2, "z"), cs(2, "b"), "z"},
		{"identical change keeps local", cs(2, "a"), cs(2, "a"), "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, err := lww.Resolve(tt.local, tt.remote)
			require.NoError(t, err)
			assert.Equal(t, tt.winnerOrigin, winner.OriginID)
		})
	}
}

// The winner must not depend on which side is called local: swapping the
// arguments of a tie yields the same origin.
func TestLastWriterWinsSymmetric(t *testing.T) {
	lww := LastWriterWins{}

	w1, err := lww.Resolve(cs(2, "a"), cs(2, "b"))
	require.NoError(t, err)
	w2, err := lww.Resolve(cs(2, "b"), cs(2, "a"))
	require.NoError(t, err)
	assert.Equal(t, w1.OriginID, w2.OriginID)
}

func TestSafeUsesCustomResolver(t *testing.T) {
	custom := Func(func(local, _ changeset.ChangeSet) (changeset.ChangeSet, error) {
		return local, nil
	})
	s := Safe{Custom: custom, Fallback: Default()}

	winner, err := s.Resolve(cs(1, "a"), cs(9, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", winner.OriginID)
}

func TestSafeFallsBackOnError(t *testing.T) {
	var reported error
	s := Safe{
		Custom: Func(func(_, _ changeset.ChangeSet) (changeset.ChangeSet, error) {
			return changeset.ChangeSet{}, errors.New("boom")
		}),
		Fallback:  Default(),
		OnFailure: func(err error) { reported = err },
	}

	winner, err := s.Resolve(cs(1, "a"), cs(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", winner.OriginID)
	assert.Error(t, reported)
}

func TestSafeFallsBackOnPanic(t *testing.T) {
	var reported error
	s := Safe{
		Custom: Func(func(_, _ changeset.ChangeSet) (changeset.ChangeSet, error) {
			panic("resolver exploded")
		}),
		Fallback:  Default(),
		OnFailure: func(err error) { reported = err },
	}

	winner, err := s.Resolve(cs(2, "a"), cs(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", winner.OriginID)
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "resolver exploded")
}

func TestSafeWithoutCustomUsesFallback(t *testing.T) {
	s := Safe{}
	winner, err := s.Resolve(cs(1, "a"), cs(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", winner.OriginID)
}
