package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/config"
	"github.com/timmoreton/castle/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.MetadataPath = filepath.Join(dir, "castle.mdbx")
	cfg.Slaves = []config.SlaveConfig{{Path: filepath.Join(dir, "slave0.img"), Blocks: 1024}}
	e, err := engine.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// S2: a snapshot of the root is accepted; a second snapshot of the same
// parent is rejected.
const snapshotFixture = `{
  "name": "S2-snapshot-sibling-rejection",
  "ops": [
    {"action": "new_version", "parent": "root", "da_id": 1, "size": 100, "save_as": "v1"},
    {"action": "new_version", "parent": "root", "da_id": 2, "size": 100, "expect_error_kind": "invalid"},
    {"action": "replace", "version": "v1", "key": ["a"], "value": "hello"},
    {"action": "get", "version": "v1", "key": ["a"], "expect_found": true, "expect_value": "hello"}
  ]
}`

func TestScenarioSnapshotSiblingRejection(t *testing.T) {
	s, err := Parse([]byte(snapshotFixture))
	require.NoError(t, err)
	Run(t, testEngine(t), s)
}

// S3: a clone of an attached leaf is rejected; detaching first allows it.
const cloneFixture = `{
  "name": "S3-clone-attached-leaf-rejection",
  "ops": [
    {"action": "attach", "version": "root"},
    {"action": "new_version", "parent": "root", "clone": true, "da_id": 1, "size": 10, "expect_error_kind": "invalid"},
    {"action": "detach", "version": "root"},
    {"action": "new_version", "parent": "root", "clone": true, "da_id": 1, "size": 10, "save_as": "v1"}
  ]
}`

func TestScenarioCloneAttachedLeafRejection(t *testing.T) {
	s, err := Parse([]byte(cloneFixture))
	require.NoError(t, err)
	Run(t, testEngine(t), s)
}
