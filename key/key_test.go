package key

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	o := New([]byte{0x01}, []byte{0x02, 0x02})
	enc, err := Encode(o)
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)
	require.True(t, o.Equal(dec))
}

// S4: key encode/compare.
func TestCompareScenarioS4(t *testing.T) {
	o1 := New([]byte{0x01}, []byte{0x02, 0x02})
	o2 := New([]byte{0x01}, []byte{0x02, 0x03})

	e1, err := Encode(o1)
	require.NoError(t, err)
	e2, err := Encode(o2)
	require.NoError(t, err)

	require.Less(t, Compare(e1, e2), 0)

	succ := Successor(e1)
	require.Less(t, Compare(e1, succ), 0)
	require.Less(t, Compare(succ, e2), 0)
}

func TestValidateRejectsEmptyDims(t *testing.T) {
	o := ObjectKey{Dims: [][]byte{{0x01}, {}}}
	require.Error(t, o.Validate())

	o2 := ObjectKey{}
	require.Error(t, o2.Validate())
}

func TestBoundsCheck(t *testing.T) {
	start := New([]byte{'B'})
	end := New([]byte{'C'})

	below, err := Encode(New([]byte{'A'}))
	require.NoError(t, err)
	delta, dim := BoundsCheck(below, start, end)
	require.Equal(t, -1, delta)
	require.Equal(t, 0, dim)

	above, err := Encode(New([]byte{'D'}))
	require.NoError(t, err)
	delta, dim = BoundsCheck(above, start, end)
	require.Equal(t, 1, delta)
	require.Equal(t, 0, dim)

	within, err := Encode(New([]byte{'B'}))
	require.NoError(t, err)
	delta, _ = BoundsCheck(within, start, end)
	require.Equal(t, 0, delta)
}

func TestBuildSkipKeySetsNextOnUpperMiss(t *testing.T) {
	k, err := Encode(New([]byte{'Z'}, []byte{'9'}))
	require.NoError(t, err)
	start := New([]byte{'A'}, []byte{'0'})

	skip, err := BuildSkipKey(k, start, 0, +1)
	require.NoError(t, err)
	require.True(t, skip.DimNext(0))

	// The skip key must sort strictly above any key whose first dim is 'A'.
	other, err := Encode(New([]byte{'A'}, []byte{'9'}))
	require.NoError(t, err)
	require.Greater(t, Compare(skip, other), 0)
}

// P1: decode(encode(O)) == O for any well-formed object key.
func TestPropertyEncodeDecodeIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "n")
		dims := make([][]byte, n)
		for i := range dims {
			dims[i] = []byte(rapid.StringN(1, 12, -1).Draw(rt, "dim"))
		}
		o := ObjectKey{Dims: dims}
		enc, err := Encode(o)
		require.NoError(rt, err)
		dec, err := Decode(enc)
		require.NoError(rt, err)
		require.True(rt, o.Equal(dec))
	})
}

// P3: compare(K, successor(K)) < 0, and successor never reorders past a
// differently-prefixed key with larger early dims.
func TestPropertySuccessorIsImmediate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "n")
		dims := make([][]byte, n)
		for i := range dims {
			dims[i] = []byte(rapid.StringN(1, 8, -1).Draw(rt, "dim"))
		}
		o := ObjectKey{Dims: dims}
		enc, err := Encode(o)
		require.NoError(rt, err)
		succ := Successor(enc)
		require.Less(rt, Compare(enc, succ), 0)

		other := make([][]byte, n)
		for i := range other {
			other[i] = []byte(rapid.StringN(1, 8, -1).Draw(rt, "other"))
		}
		eo, err := Encode(ObjectKey{Dims: other})
		require.NoError(rt, err)
		if Compare(enc, eo) < 0 {
			require.Less(rt, Compare(succ, eo), 0)
		}
	})
}

// P2: compare is anti-symmetric for well-formed (non-NEXT) keys.
func TestPropertyCompareAntiSymmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 3).Draw(rt, "n")
		dimsA := make([][]byte, n)
		dimsB := make([][]byte, n)
		for i := 0; i < n; i++ {
			dimsA[i] = []byte(rapid.StringN(1, 6, -1).Draw(rt, "a"))
			dimsB[i] = []byte(rapid.StringN(1, 6, -1).Draw(rt, "b"))
		}
		ea, err := Encode(ObjectKey{Dims: dimsA})
		require.NoError(rt, err)
		eb, err := Encode(ObjectKey{Dims: dimsB})
		require.NoError(rt, err)

		sign := func(x int) int {
			switch {
			case x < 0:
				return -1
			case x > 0:
				return 1
			default:
				return 0
			}
		}
		require.Equal(rt, sign(Compare(ea, eb)), -sign(Compare(eb, ea)))
	})
}
