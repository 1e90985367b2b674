// Package object implements the object engine of spec §4.3/§4.4:
// replace (put/tombstone) and get against the version-scoped key space,
// with inline values stored directly in the CVT and larger values
// streamed through the page cache over one or more on-disk blocks.
//
// Grounded on core/state/history_reader_v3.go's shape: a thin reader
// wrapping an external versioned-transaction handle, parameterized by the
// version/txNum it reads as-of.
package object

import (
	"context"

	"go.uber.org/zap"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/store/pagecache"
	"github.com/timmoreton/castle/version"
)

// DA is the narrow B-tree/data-area contract the object engine reads and
// writes through (spec §1: the B-tree itself is out of scope).
type DA interface {
	Get(ctx context.Context, k key.BtreeKey) ([]byte, bool, error)
	Put(ctx context.Context, k key.BtreeKey, val []byte) error
	Delete(ctx context.Context, k key.BtreeKey) error
	RangeIterator(ctx context.Context, lo, hi key.BtreeKey) (DAIterator, error)
}

// DAIterator is the narrow cursor contract over a DA range.
type DAIterator interface {
	Next(ctx context.Context) bool
	Key() key.BtreeKey
	Value() []byte
	Skip(ctx context.Context, to key.BtreeKey) error
	Err() error
	Close() error
}

// BlockAllocator is the narrow free-space contract the object engine uses
// to place on-disk values (spec §1: satisfied concretely by
// freespace.Facade).
type BlockAllocator interface {
	Get(versionID uint32, n uint64) ([]cvt.CDB, error)
	Free(cdbs ...cvt.CDB) error
}

// VersionResolver is the narrow version-registry contract the object
// engine uses to walk a version's ancestor chain on a lookup miss (spec
// §2: "the version registry is consulted ... for ancestor comparisons
// during lookups"), satisfied concretely by *version.Registry. A clone or
// snapshot that never wrote its own entry for a key inherits whatever its
// nearest written ancestor holds.
type VersionResolver interface {
	Parent(id uint32) (uint32, error)
}

// Engine is the object engine: no package-level state, every call takes
// the version it operates against explicitly.
type Engine struct {
	da       DA
	cache    *pagecache.Cache
	alloc    BlockAllocator
	versions VersionResolver
	log      *zap.SugaredLogger
}

// New builds an object engine over da, a page cache for on-disk values, an
// allocator for new on-disk placements, and the version registry used to
// resolve ancestor inheritance on lookup. versions may be nil, in which
// case Get only ever sees a version's own writes (no inheritance) — used
// by tests that don't need a real tree.
func New(da DA, cache *pagecache.Cache, alloc BlockAllocator, versions VersionResolver, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{da: da, cache: cache, alloc: alloc, versions: versions, log: log}
}

// withVersion prepends versionID (4 bytes, big-endian) as the object key's
// leading dimension so every key a version writes is naturally scoped
// under it in B-tree order.
func withVersion(versionID uint32, o key.ObjectKey) key.ObjectKey {
	vdim := make([]byte, 4)
	for i := 0; i < 4; i++ {
		vdim[3-i] = byte(versionID >> (8 * i))
	}
	dims := append([][]byte{vdim}, o.Dims...)
	return key.ObjectKey{Dims: dims}
}

// Replace implements spec §4.3 replace(): stores value under o scoped to
// versionID, or tombstones it when tombstone is true. Values up to
// cvt.MaxInline bytes are stored inline in the CVT; larger values are
// allocated on-disk blocks and streamed through the page cache.
func (e *Engine) Replace(ctx context.Context, versionID uint32, o key.ObjectKey, value []byte, tombstone bool) error {
	bk, err := key.Encode(withVersion(versionID, o))
	if err != nil {
		return cerrors.Wrap(cerrors.Invalid, err, "encode object key")
	}

	if tombstone {
		v := cvt.CVT{Tag: cvt.Tombstone}
		return e.da.Put(ctx, bk, v.Marshal())
	}

	if uint64(len(value)) <= cvt.MaxInline {
		v := cvt.CVT{Tag: cvt.Inline, Length: uint64(len(value)), Inline: append([]byte(nil), value...)}
		if err := v.Validate(); err != nil {
			return cerrors.Wrap(cerrors.Invalid, err, "validate inline cvt")
		}
		return e.da.Put(ctx, bk, v.Marshal())
	}

	nblocks := cvt.CeilBlocks(uint64(len(value)))
	if nblocks > cvt.MaxOndiskBlocks {
		return cerrors.New(cerrors.Invalid, "value of %d bytes needs %d blocks, exceeds cap %d", len(value), nblocks, cvt.MaxOndiskBlocks)
	}
	cdbs, err := e.alloc.Get(versionID, nblocks)
	if err != nil {
		return err
	}
	if err := e.writeBlocks(cdbs, value); err != nil {
		_ = e.alloc.Free(cdbs...)
		return err
	}
	v := cvt.CVT{Tag: cvt.Ondisk, Length: uint64(len(value)), Disk: cdbs[0]}
	if err := v.Validate(); err != nil {
		_ = e.alloc.Free(cdbs...)
		return cerrors.Wrap(cerrors.Invalid, err, "validate ondisk cvt")
	}
	if err := e.da.Put(ctx, bk, v.Marshal()); err != nil {
		_ = e.alloc.Free(cdbs...)
		return err
	}
	return nil
}

func (e *Engine) writeBlocks(cdbs []cvt.CDB, value []byte) error {
	window := cvt.ObjIOMaxBuffer
	for base := 0; base < len(cdbs); base += window {
		end := base + window
		if end > len(cdbs) {
			end = len(cdbs)
		}
		for i := base; i < end; i++ {
			buf, err := e.cache.Pin(cdbs[i])
			if err != nil {
				return err
			}
			var block [cvt.BlockSize]byte
			start := i * cvt.BlockSize
			stop := start + cvt.BlockSize
			if stop > len(value) {
				stop = len(value)
			}
			if start < stop {
				copy(block[:], value[start:stop])
			}
			*buf = block
			e.cache.Unpin(cdbs[i], true)
		}
	}
	return nil
}

// Get implements spec §4.3/§4.4 get(): returns (value, found). If
// versionID has no entry of its own for o, the search walks up the
// ancestor chain (via versions.Parent) and returns the nearest ancestor's
// entry instead — snapshot/clone inheritance. A tombstone found at any
// level along the walk is a definitive "not found" and stops the search;
// it is not itself inherited further.
func (e *Engine) Get(ctx context.Context, versionID uint32, o key.ObjectKey) ([]byte, bool, error) {
	cur := versionID
	for {
		bk, err := key.Encode(withVersion(cur, o))
		if err != nil {
			return nil, false, cerrors.Wrap(cerrors.Invalid, err, "encode object key")
		}
		raw, ok, err := e.da.Get(ctx, bk)
		if err != nil {
			return nil, false, err
		}
		if ok {
			v, err := cvt.Unmarshal(raw)
			if err != nil {
				return nil, false, cerrors.Wrap(cerrors.Protocol, err, "decode cvt")
			}
			if !v.IsLive() {
				return nil, false, nil
			}
			if v.Tag == cvt.Inline {
				return append([]byte(nil), v.Inline...), true, nil
			}
			data, err := e.readOndisk(v)
			if err != nil {
				return nil, false, err
			}
			return data, true, nil
		}

		if e.versions == nil || cur == version.RootID {
			return nil, false, nil
		}
		parent, err := e.versions.Parent(cur)
		if err != nil {
			return nil, false, err
		}
		cur = parent
	}
}

func (e *Engine) readOndisk(v cvt.CVT) ([]byte, error) {
	out := make([]byte, v.Length)
	nblocks := v.NumBlocks()
	window := cvt.ObjIOMaxBuffer
	for base := uint64(0); base < nblocks; base += uint64(window) {
		end := base + uint64(window)
		if end > nblocks {
			end = nblocks
		}
		for i := base; i < end; i++ {
			cdb := v.Disk.Add(i)
			buf, err := e.cache.Pin(cdb)
			if err != nil {
				return nil, err
			}
			start := i * cvt.BlockSize
			stop := start + cvt.BlockSize
			if stop > v.Length {
				stop = v.Length
			}
			copy(out[start:stop], buf[:stop-start])
			e.cache.Unpin(cdb, false)
		}
	}
	return out, nil
}
