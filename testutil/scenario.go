// Package testutil provides a JSON-fixture scenario runner, in the same
// shape as the teacher's own state-test harness (tests/state_test_util.go):
// a declarative fixture unmarshaled from JSON, replayed step by step
// against a live engine, with each step's expectations checked inline.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/engine"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/version"
)

// TestingT is the subset of *testing.T the runner needs, so callers in
// other packages can pass rapid.T or a *testing.T interchangeably where
// their method sets line up.
type TestingT interface {
	require.TestingT
	Helper()
}

// Op is one scenario step. Only the fields relevant to Action are read.
type Op struct {
	Action string `json:"action"`

	Parent    string `json:"parent,omitempty"` // saved name or "root"
	Clone     bool   `json:"clone,omitempty"`
	DAID      uint32 `json:"da_id,omitempty"`
	Size      uint64 `json:"size,omitempty"`
	SaveAs    string `json:"save_as,omitempty"`

	Version string   `json:"version,omitempty"` // saved name
	Key     []string `json:"key,omitempty"`
	Value   string   `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`

	ExpectFound     *bool  `json:"expect_found,omitempty"`
	ExpectValue     *string `json:"expect_value,omitempty"`
	ExpectErrorKind string `json:"expect_error_kind,omitempty"`
}

// Scenario is a named sequence of ops, e.g. one of spec §8's S1-S8.
type Scenario struct {
	Name string `json:"name"`
	Ops  []Op   `json:"ops"`
}

// Parse decodes a JSON scenario fixture.
func Parse(data []byte) (Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return Scenario{}, cerrors.Wrap(cerrors.Protocol, err, "parse scenario fixture")
	}
	return s, nil
}

// Run replays s against e, using t to report failures (t.Helper() +
// require-style assertions, so a failure points at the fixture's step).
func Run(t TestingT, e *engine.Engine, s Scenario) {
	t.Helper()
	ctx := context.Background()
	ids := map[string]uint32{"root": version.RootID}

	resolve := func(name string) uint32 {
		id, ok := ids[name]
		require.True(t, ok, "scenario %s: unknown version reference %q", s.Name, name)
		return id
	}

	for i, op := range s.Ops {
		step := fmt.Sprintf("scenario %s step %d (%s)", s.Name, i, op.Action)
		switch op.Action {
		case "new_version":
			kind := version.Snapshot
			if op.Clone {
				kind = version.Clone
			}
			v, err := e.Versions.New(kind, resolve(op.Parent), op.DAID, op.Size)
			if op.ExpectErrorKind != "" {
				require.Error(t, err, step)
				require.Equal(t, op.ExpectErrorKind, cerrors.KindOf(err).String(), step)
				continue
			}
			require.NoError(t, err, step)
			if op.SaveAs != "" {
				ids[op.SaveAs] = v.ID
			}

		case "attach":
			err := e.Versions.Attach(resolve(op.Version))
			checkErr(t, step, op, err)

		case "detach":
			err := e.Versions.Detach(resolve(op.Version))
			checkErr(t, step, op, err)

		case "delete_subtree":
			err := e.Versions.DeleteSubtree(resolve(op.Version))
			checkErr(t, step, op, err)

		case "replace":
			k := key.New(toBytes(op.Key)...)
			err := e.Replace(ctx, resolve(op.Version), k, []byte(op.Value), op.Tombstone)
			checkErr(t, step, op, err)

		case "get":
			k := key.New(toBytes(op.Key)...)
			val, found, err := e.Get(ctx, resolve(op.Version), k)
			require.NoError(t, err, step)
			if op.ExpectFound != nil {
				require.Equal(t, *op.ExpectFound, found, step)
			}
			if op.ExpectValue != nil {
				require.Equal(t, *op.ExpectValue, string(val), step)
			}

		default:
			t.Errorf("%s: unknown action %q", step, op.Action)
		}
	}
}

func checkErr(t TestingT, step string, op Op, err error) {
	if op.ExpectErrorKind != "" {
		require.Error(t, err, step)
		require.Equal(t, op.ExpectErrorKind, cerrors.KindOf(err).String(), step)
		return
	}
	require.NoError(t, err, step)
}

func toBytes(dims []string) [][]byte {
	out := make([][]byte, len(dims))
	for i, d := range dims {
		out[i] = []byte(d)
	}
	return out
}
