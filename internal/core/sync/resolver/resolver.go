// Package resolver implements conflict resolution between a locally known
// document state and an inbound remote change.
package resolver

import (
	"fmt"

	"github.com/docsync/docsync/internal/core/changeset"
)

// Resolver picks the winning change when an inbound version does not
// strictly follow the locally known version for a document. Resolvers
// must be pure: same inputs, same winner, no side effects.
type Resolver interface {
	Resolve(local, remote changeset.ChangeSet) (changeset.ChangeSet, error)
}

// Func adapts a plain function to the Resolver interface.
type Func func(local, remote changeset.ChangeSet) (changeset.ChangeSet, error)

func (f Func) Resolve(local, remote changeset.ChangeSet) (changeset.ChangeSet, error) {
	return f(local, remote)
}

var _ Resolver = (*LastWriterWins)(nil)

// LastWriterWins is the default strategy: the higher version wins, equal
// versions tie-break on the lexically greater originId. The tie-break
// makes the outcome deterministic regardless of arrival order.
type LastWriterWins struct{}

func (LastWriterWins) Resolve(local, remote changeset.ChangeSet) (changeset.ChangeSet, error) {
	switch {
	case remote.Version > local.Version:
		return remote, nil
	case remote.Version < local.Version:
		return local, nil
	case remote.OriginID > local.OriginID:
		return remote, nil
	default:
		return local, nil
	}
}

// Default returns the built-in last-writer-wins resolver.
func Default() Resolver {
	return LastWriterWins{}
}

// Safe wraps a custom resolver so that a panic or error inside it never
// blocks delivery: the fallback strategy decides instead and the failure
// is reported through onFailure.
type Safe struct {
	Custom    Resolver
	Fallback  Resolver
	OnFailure func(err error)
}

func (s Safe) Resolve(local, remote changeset.ChangeSet) (winner changeset.ChangeSet, err error) {
	if s.Custom == nil {
		return s.fallback(local, remote)
	}

	defer func() {
		if r := recover(); r != nil {
			s.report(fmt.Errorf("resolver panic: %v", r))
			winner, err = s.fallback(local, remote)
		}
	}()

	winner, resolveErr := s.Custom.Resolve(local, remote)
	if resolveErr != nil {
		s.report(resolveErr)
		return s.fallback(local, remote)
	}
	return winner, nil
}

func (s Safe) fallback(local, remote changeset.ChangeSet) (changeset.ChangeSet, error) {
	fb := s.Fallback
	if fb == nil {
		fb = Default()
	}
	return fb.Resolve(local, remote)
}

func (s Safe) report(err error) {
	if s.OnFailure != nil {
		s.OnFailure(err)
	}
}
