package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/key"
)

func TestObjectDAGetPutDelete(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.mdbx"), nil)
	require.NoError(t, err)
	defer s.Close()

	da := s.ObjectDA()
	ctx := context.Background()
	k, err := key.Encode(key.New([]byte("a"), []byte("b")))
	require.NoError(t, err)

	_, ok, err := da.Get(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, da.Put(ctx, k, []byte("v1")))
	v, ok, err := da.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, da.Delete(ctx, k))
	_, ok, err = da.Get(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestObjectDARangeIteratorOrderedAndSkippable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.mdbx"), nil)
	require.NoError(t, err)
	defer s.Close()

	da := s.ObjectDA()
	ctx := context.Background()

	ka, err := key.Encode(key.New([]byte("a")))
	require.NoError(t, err)
	kb, err := key.Encode(key.New([]byte("b")))
	require.NoError(t, err)
	kc, err := key.Encode(key.New([]byte("c")))
	require.NoError(t, err)
	require.NoError(t, da.Put(ctx, ka, []byte("1")))
	require.NoError(t, da.Put(ctx, kb, []byte("2")))
	require.NoError(t, da.Put(ctx, kc, []byte("3")))

	it, err := da.RangeIterator(ctx, ka, kc)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next(ctx))
	require.Equal(t, []byte("1"), it.Value())

	require.NoError(t, it.Skip(ctx, kc))
	require.True(t, it.Next(ctx))
	require.Equal(t, []byte("3"), it.Value())
	require.False(t, it.Next(ctx))
	require.NoError(t, it.Err())
}
