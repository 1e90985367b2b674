package object

import (
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/store/pagecache"
	"github.com/timmoreton/castle/version"
)

// fakeDA is an in-memory, sorted-by-key.Compare stand-in for the
// out-of-scope B-tree/DA collaborator.
type fakeDA struct {
	keys [][]byte // encoded key.BtreeKey bytes, kept sorted
	vals map[string][]byte
}

func newFakeDA() *fakeDA { return &fakeDA{vals: make(map[string][]byte)} }

func (d *fakeDA) Get(ctx context.Context, k key.BtreeKey) ([]byte, bool, error) {
	v, ok := d.vals[string(k.Bytes())]
	return v, ok, nil
}

func (d *fakeDA) Put(ctx context.Context, k key.BtreeKey, val []byte) error {
	ks := string(k.Bytes())
	if _, exists := d.vals[ks]; !exists {
		d.keys = append(d.keys, append([]byte(nil), k.Bytes()...))
		sort.Slice(d.keys, func(i, j int) bool {
			return key.Compare(key.FromBytes(d.keys[i]), key.FromBytes(d.keys[j])) < 0
		})
	}
	d.vals[ks] = append([]byte(nil), val...)
	return nil
}

func (d *fakeDA) Delete(ctx context.Context, k key.BtreeKey) error {
	delete(d.vals, string(k.Bytes()))
	return nil
}

func (d *fakeDA) RangeIterator(ctx context.Context, lo, hi key.BtreeKey) (DAIterator, error) {
	return &fakeIter{da: d, pos: -1}, nil
}

type fakeIter struct {
	da  *fakeDA
	pos int
}

func (it *fakeIter) Next(ctx context.Context) bool {
	it.pos++
	return it.pos < len(it.da.keys)
}

func (it *fakeIter) Key() key.BtreeKey { return key.FromBytes(it.da.keys[it.pos]) }
func (it *fakeIter) Value() []byte     { return it.da.vals[string(it.da.keys[it.pos])] }

func (it *fakeIter) Skip(ctx context.Context, to key.BtreeKey) error {
	for it.pos+1 < len(it.da.keys) && key.Compare(key.FromBytes(it.da.keys[it.pos+1]), to) < 0 {
		it.pos++
	}
	return nil
}

func (it *fakeIter) Err() error   { return nil }
func (it *fakeIter) Close() error { return nil }

// fakeDevice is an in-memory block device for pagecache tests.
type fakeDevice struct {
	blocks map[cvt.CDB][cvt.BlockSize]byte
}

func newFakeDevice() *fakeDevice { return &fakeDevice{blocks: make(map[cvt.CDB][cvt.BlockSize]byte)} }

func (d *fakeDevice) ReadBlock(cdb cvt.CDB) ([cvt.BlockSize]byte, error) {
	return d.blocks[cdb], nil
}

func (d *fakeDevice) WriteBlock(cdb cvt.CDB, data [cvt.BlockSize]byte) error {
	d.blocks[cdb] = data
	return nil
}

// fakeAllocator hands out sequential blocks on one slave.
type fakeAllocator struct {
	slave uuid.UUID
	next  uint64
}

func (a *fakeAllocator) Get(versionID uint32, n uint64) ([]cvt.CDB, error) {
	out := make([]cvt.CDB, n)
	for i := uint64(0); i < n; i++ {
		out[i] = cvt.CDB{Slave: a.slave, Block: a.next}
		a.next++
	}
	return out, nil
}

func (a *fakeAllocator) Free(cdbs ...cvt.CDB) error { return nil }

// fakeVersions is a minimal VersionResolver over a fixed parent map, for
// tests that exercise ancestor inheritance without a real registry.
type fakeVersions struct {
	parent map[uint32]uint32
}

func (f fakeVersions) Parent(id uint32) (uint32, error) {
	p, ok := f.parent[id]
	if !ok {
		return 0, cerrors.New(cerrors.NotFound, "version %d not found", id)
	}
	return p, nil
}

func newTestEngine(t *testing.T) *Engine {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)
	alloc := &fakeAllocator{slave: uuid.New()}
	return New(newFakeDA(), cache, alloc, nil, nil)
}

func TestReplaceGetInline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	k := key.New([]byte("a"), []byte("b"))

	require.NoError(t, e.Replace(ctx, 1, k, []byte("hello"), false))
	v, ok, err := e.Get(ctx, 1, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)
}

func TestReplaceTombstoneHidesValue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	k := key.New([]byte("a"))

	require.NoError(t, e.Replace(ctx, 1, k, []byte("x"), false))
	require.NoError(t, e.Replace(ctx, 1, k, nil, true))

	_, ok, err := e.Get(ctx, 1, k)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceGetOndisk(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	k := key.New([]byte("big"))

	big := make([]byte, cvt.MaxInline+cvt.BlockSize+37)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, e.Replace(ctx, 1, k, big, false))

	v, ok, err := e.Get(ctx, 1, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, v)
}

func TestVersionsAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	k := key.New([]byte("a"))

	require.NoError(t, e.Replace(ctx, 1, k, []byte("v1"), false))
	require.NoError(t, e.Replace(ctx, 2, k, []byte("v2"), false))

	v1, ok, err := e.Get(ctx, 1, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v1)

	v2, ok, err := e.Get(ctx, 2, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v2)
}

func TestGetInheritsFromAncestor(t *testing.T) {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)
	alloc := &fakeAllocator{slave: uuid.New()}
	// 2 is a clone of 1, which is a clone of root.
	versions := fakeVersions{parent: map[uint32]uint32{2: 1, 1: version.RootID, version.RootID: version.RootID}}
	e := New(newFakeDA(), cache, alloc, versions, nil)
	ctx := context.Background()
	k := key.New([]byte("a"))

	require.NoError(t, e.Replace(ctx, 1, k, []byte("from-parent"), false))

	v, ok, err := e.Get(ctx, 2, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("from-parent"), v)

	require.NoError(t, e.Replace(ctx, 2, k, []byte("overridden"), false))
	v, ok, err = e.Get(ctx, 2, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("overridden"), v)

	v, ok, err = e.Get(ctx, 1, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("from-parent"), v)
}

func TestGetTombstoneAtAncestorIsNotInherited(t *testing.T) {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)
	alloc := &fakeAllocator{slave: uuid.New()}
	versions := fakeVersions{parent: map[uint32]uint32{2: 1, 1: version.RootID, version.RootID: version.RootID}}
	e := New(newFakeDA(), cache, alloc, versions, nil)
	ctx := context.Background()
	k := key.New([]byte("a"))

	require.NoError(t, e.Replace(ctx, 1, k, []byte("x"), false))
	require.NoError(t, e.Replace(ctx, 1, k, nil, true))

	_, ok, err := e.Get(ctx, 2, k)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOndiskCDBsListsOnlyOndiskValuesInRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	small := []byte("inline")
	big := make([]byte, cvt.MaxInline+cvt.BlockSize+11)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("a")), small, false))
	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("b")), big, false))
	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("z")), big, false))

	cdbs, err := e.OndiskCDBs(ctx, 1, key.New([]byte("a")), key.New([]byte("b")))
	require.NoError(t, err)
	require.Len(t, cdbs, int(cvt.CeilBlocks(uint64(len(big)))))
}

func TestRangeQueryOrderedAndScoped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("a")), []byte("1"), false))
	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("b")), []byte("2"), false))
	require.NoError(t, e.Replace(ctx, 1, key.New([]byte("c")), []byte("3"), false))
	require.NoError(t, e.Replace(ctx, 2, key.New([]byte("a")), []byte("other-version"), false))

	res, err := e.RangeQuery(ctx, 1, key.New([]byte("a")), key.New([]byte("b")))
	require.NoError(t, err)
	require.False(t, res.Truncated)
	require.Len(t, res.Pairs, 2)
	require.Equal(t, []byte("1"), res.Pairs[0].Value)
	require.Equal(t, []byte("2"), res.Pairs[1].Value)
}
