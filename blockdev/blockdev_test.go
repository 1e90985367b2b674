package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestOpenInitializesFreshSlave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave0")
	s, err := Open(path, uuid.New())
	require.NoError(t, err)
	defer s.Close()

	require.True(t, bytesEqualMagic(s.mm[0:4], slaveMagic1))
	require.True(t, bytesEqualMagic(s.mm[4:8], slaveMagic2))
	require.True(t, bytesEqualMagic(s.mm[8:12], slaveMagic3))
	require.True(t, bytesEqualMagic(s.fsSuper[0:4], fsMagic1))
}

func TestOpenRejectsBadSlaveMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slave0")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(headerSize))
	// Corrupt magic1 with garbage bytes, leaving the rest of the region
	// non-zero so Open doesn't treat it as a fresh, unformatted slave.
	_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff, 1}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, uuid.New())
	require.Error(t, err)
}

func TestNewMirrorDeviceRejectsMismatchedFSSuperblock(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "a"), uuid.New())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(filepath.Join(dir, "b"), uuid.New())
	require.NoError(t, err)
	defer b.Close()

	// Diverge b's FS superblock as if it belonged to a different
	// filesystem entirely.
	b.fsSuper[11] ^= 0xff
	_, err = b.file.WriteAt(b.fsSuper[:], superblockSize)
	require.NoError(t, err)

	_, err = NewMirrorDevice(a, b)
	require.Error(t, err)
}

func TestNewMirrorDeviceAcceptsMatchingSlaves(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "a"), uuid.New())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(filepath.Join(dir, "b"), uuid.New())
	require.NoError(t, err)
	defer b.Close()

	_, err = NewMirrorDevice(a, b)
	require.NoError(t, err)
}

func bytesEqualMagic(b []byte, want uint32) bool {
	got := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return got == want
}
