package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/config"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/version"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.MetadataPath = filepath.Join(dir, "castle.mdbx")
	cfg.Slaves = []config.SlaveConfig{
		{Path: filepath.Join(dir, "slave0.img"), Blocks: 1024},
	}
	return cfg
}

func TestOpenCloseRoundTrip(t *testing.T) {
	e, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestReplaceGetThroughEngine(t *testing.T) {
	e, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	v, err := e.Versions.New(version.Snapshot, version.RootID, 1, 0)
	require.NoError(t, err)

	k := key.New([]byte("hello"))
	require.NoError(t, e.Replace(ctx, v.ID, k, []byte("world"), false))

	got, ok, err := e.Get(ctx, v.ID, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), got)
}
