// Package rangeiter implements the range iterator of spec §4.2/§4.4: a
// thin wrapper over a DA's own range cursor that re-projects every
// candidate key against the query's hyper-rectangle bounds, using
// BoundsCheck to detect a miss and BuildSkipKey to jump past an entire
// excluded prefix family rather than stepping through it key by key.
package rangeiter

import (
	"context"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/key"
)

// Inner is the narrow DA range-cursor contract this package re-projects.
type Inner interface {
	Next(ctx context.Context) bool
	Key() key.BtreeKey
	Value() []byte
	Skip(ctx context.Context, to key.BtreeKey) error
	Err() error
	Close() error
}

// Iterator re-projects an Inner cursor against [start, end] (inclusive),
// skipping past out-of-bounds key families instead of visiting every key
// the inner cursor would otherwise surface.
type Iterator struct {
	inner      Inner
	start, end key.ObjectKey
	curKey     key.ObjectKey
	curVal     cvt.CVT
	done       bool
	err        error
}

// New wraps inner for a query over the closed object-key range [start, end].
func New(inner Inner, start, end key.ObjectKey) *Iterator {
	return &Iterator{inner: inner, start: start, end: end}
}

// Next advances to the next in-bounds, live (non-tombstone) key, skipping
// past excluded regions. It returns false at end-of-range or on error;
// callers must check Err() to distinguish the two.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	for it.inner.Next(ctx) {
		k := it.inner.Key()
		delta, dim := key.BoundsCheck(k, it.start, it.end)
		switch {
		case delta == 0:
			dec, err := key.Decode(k)
			if err != nil {
				it.err = cerrors.Wrap(cerrors.Protocol, err, "decode range key")
				it.done = true
				return false
			}
			v, err := cvt.Unmarshal(it.inner.Value())
			if err != nil {
				it.err = cerrors.Wrap(cerrors.Protocol, err, "decode range value")
				it.done = true
				return false
			}
			if !v.IsLive() {
				continue // tombstone: skip without surfacing
			}
			it.curKey = dec
			it.curVal = v
			return true
		case delta < 0:
			// Below start: jump straight to start rather than walking
			// every excluded key up to it.
			skip, err := key.BuildSkipKey(k, it.start, dim, -1)
			if err != nil {
				it.err = cerrors.Wrap(cerrors.Invalid, err, "build skip key")
				it.done = true
				return false
			}
			if err := it.inner.Skip(ctx, skip); err != nil {
				it.err = err
				it.done = true
				return false
			}
		case delta > 0:
			// Past end at dim 0 (the most significant dimension): no
			// later key can fall back in range, so the scan is truly
			// exhausted. Past end at any other dim only means this
			// [0, dim) prefix family is done; hand inner.Skip a key built
			// from k's [0, dim) dims and start's [dim, N) dims (NEXT flag
			// on dim) and keep scanning, since a later [0, dim) prefix
			// may still land back inside bounds. That skip key sorts
			// below k, so the rest of the family is still stepped
			// through key by key.
			if dim == 0 {
				it.done = true
				return false
			}
			skip, err := key.BuildSkipKey(k, it.start, dim, 1)
			if err != nil {
				it.err = cerrors.Wrap(cerrors.Invalid, err, "build skip key")
				it.done = true
				return false
			}
			if err := it.inner.Skip(ctx, skip); err != nil {
				it.err = err
				it.done = true
				return false
			}
		}
	}
	it.done = true
	if err := it.inner.Err(); err != nil {
		it.err = err
	}
	return false
}

// Key returns the current decoded object key (valid after a true Next).
func (it *Iterator) Key() key.ObjectKey { return it.curKey }

// Value returns the current CVT (valid after a true Next).
func (it *Iterator) Value() cvt.CVT { return it.curVal }

// Err reports the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the inner cursor.
func (it *Iterator) Close() error { return it.inner.Close() }
