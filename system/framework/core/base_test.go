package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAccountStore struct {
	known map[string]bool
}

func (f *fakeAccountStore) HasAccount(_ context.Context, owner string) (bool, error) {
	return f.known[owner], nil
}

func TestNormalizeOwnerWithoutStore(t *testing.T) {
	base := NewBase(nil)
	owner, err := base.NormalizeOwner(context.Background(), "  owner-1  ")
	require.NoError(t, err)
	require.Equal(t, "owner-1", owner)
}

func TestNormalizeOwnerRequiresNonEmpty(t *testing.T) {
	base := NewBase(nil)
	_, err := base.NormalizeOwner(context.Background(), "   ")
	require.Error(t, err)
	require.True(t, IsValidationError(err))
}

func TestNormalizeOwnerChecksStore(t *testing.T) {
	store := &fakeAccountStore{known: map[string]bool{"owner-1": true}}
	base := NewBase(store)

	_, err := base.NormalizeOwner(context.Background(), "owner-2")
	require.True(t, IsNotFound(err))

	owner, err := base.NormalizeOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Equal(t, "owner-1", owner)
}

func TestBaseTracerDefaultsToNoop(t *testing.T) {
	base := NewBase(nil)
	require.Equal(t, NoopTracer, base.Tracer())
}
