package object

import (
	"context"

	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/rangeiter"
)

// RangeBufferSize is the fixed materialization buffer of spec §4.4: a
// range query accumulates serialized (key, value) pairs until this many
// bytes would be exceeded, then stops and reports Truncated so the caller
// can resume from LastKey.
const RangeBufferSize = 1 << 20 // 1 MiB

// Pair is one materialized (key, value) result of a range query.
type Pair struct {
	Key   key.ObjectKey
	Value []byte
}

// Result is the outcome of a single RangeQuery call.
type Result struct {
	Pairs     []Pair
	Truncated bool
	LastKey   key.ObjectKey // valid iff Truncated
}

func pairWireSize(k key.ObjectKey, value []byte) int {
	n := 0
	for _, d := range k.Dims {
		n += len(d)
	}
	return n + len(value)
}

// OndiskCDBs lists the on-disk block addresses a version directly owns
// (not inherited from an ancestor — only blocks this version itself wrote
// are eligible for relocation) for every live on-disk value in [start,
// end]. This is the per-range building block the transfer engine's
// callers use to derive Job batches from a live walk of a version's data
// instead of a synthetic, hand-built job list (spec §4.7).
func (e *Engine) OndiskCDBs(ctx context.Context, versionID uint32, start, end key.ObjectKey) ([]cvt.CDB, error) {
	vstart := withVersion(versionID, start)
	vend := withVersion(versionID, end)
	lo, err := key.Encode(vstart)
	if err != nil {
		return nil, err
	}
	hi, err := key.Encode(vend)
	if err != nil {
		return nil, err
	}

	inner, err := e.da.RangeIterator(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	it := rangeiter.New(inner, vstart, vend)
	defer it.Close()

	var out []cvt.CDB
	for it.Next(ctx) {
		v := it.Value()
		if v.Tag != cvt.Ondisk {
			continue
		}
		nblocks := v.NumBlocks()
		for i := uint64(0); i < nblocks; i++ {
			out = append(out, v.Disk.Add(i))
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RangeQuery implements spec §4.4 range-query(): materializes every live
// key in [start, end] scoped to versionID into a fixed-size buffer,
// stopping early (Truncated=true) rather than growing it unbounded.
func (e *Engine) RangeQuery(ctx context.Context, versionID uint32, start, end key.ObjectKey) (Result, error) {
	vstart := withVersion(versionID, start)
	vend := withVersion(versionID, end)
	lo, err := key.Encode(vstart)
	if err != nil {
		return Result{}, err
	}
	hi, err := key.Encode(vend)
	if err != nil {
		return Result{}, err
	}

	inner, err := e.da.RangeIterator(ctx, lo, hi)
	if err != nil {
		return Result{}, err
	}
	it := rangeiter.New(inner, vstart, vend)
	defer it.Close()

	var res Result
	used := 0
	for it.Next(ctx) {
		dec := it.Key()
		obj := key.ObjectKey{Dims: append([][]byte(nil), dec.Dims[1:]...)} // strip version dim
		v := it.Value()
		var value []byte
		if v.Tag == cvt.Inline {
			value = v.Inline
		} else {
			data, err := e.readOndisk(v)
			if err != nil {
				return Result{}, err
			}
			value = data
		}
		size := pairWireSize(obj, value)
		if used+size > RangeBufferSize && len(res.Pairs) > 0 {
			res.Truncated = true
			res.LastKey = obj
			return res, nil
		}
		res.Pairs = append(res.Pairs, Pair{Key: obj, Value: value})
		used += size
	}
	if err := it.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}
