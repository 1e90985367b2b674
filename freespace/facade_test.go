package freespace

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGetFreeTracksHeldBlocksPerVersion(t *testing.T) {
	f := New(nil)
	slave := uuid.New()
	f.AddSlave(slave, 10)

	cdbs, err := f.Get(7, 4)
	require.NoError(t, err)
	require.Len(t, cdbs, 4)

	held, err := f.BlksForVersionGet(slave, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(4), held)

	require.NoError(t, f.Free(cdbs[:2]...))
	held, err = f.BlksForVersionGet(slave, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(2), held)
}

func TestBlksForVersionGetUnknownSlave(t *testing.T) {
	f := New(nil)
	_, err := f.BlksForVersionGet(uuid.New(), 1)
	require.Error(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := New(nil)
	slave := uuid.New()
	f.AddSlave(slave, 8)
	_, err := f.Get(1, 3)
	require.NoError(t, err)

	data, err := f.MarshalSnapshot()
	require.NoError(t, err)

	g := New(nil)
	g.AddSlave(slave, 8)
	require.NoError(t, g.UnmarshalSnapshot(data))

	// Restored bitmap should have exactly 5 free blocks left (8 - 3).
	cdbs, err := g.Get(2, 5)
	require.NoError(t, err)
	require.Len(t, cdbs, 5)
	_, err = g.Get(2, 1)
	require.Error(t, err)
}
