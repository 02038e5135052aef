package metadatastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_PutRequiresDoesNotExist(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), MustNotExist()))

	err := s.Put(ctx, "k", []byte("v2"), MustNotExist())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedPrecondition))
}

func TestInMemoryStore_PutMatchesVersionAdvancesVersion(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), MustNotExist()))
	version, ok, err := s.GetVersion(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), version)

	require.NoError(t, s.Put(ctx, "k", []byte("v2"), MatchesVersion(version)))
	newVersion, ok, err := s.GetVersion(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), newVersion)

	err = s.Put(ctx, "k", []byte("v3"), MatchesVersion(version))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedPrecondition))
}

func TestInMemoryStore_GetReturnsIndependentCopy(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v1"), NoPrecondition()))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, v)
	v.Value[0] = 'X'

	v2, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v2.Value))
}

func TestInMemoryStore_GetMissingKeyReturnsNil(t *testing.T) {
	s := NewInMemoryStore()
	v, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestInMemoryStore_DeleteRequiresVersionMatch(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v1"), NoPrecondition()))

	err := s.Delete(ctx, "k", MatchesVersion(99))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedPrecondition))

	require.NoError(t, s.Delete(ctx, "k", MatchesVersion(1)))
	_, ok, err := s.GetVersion(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
