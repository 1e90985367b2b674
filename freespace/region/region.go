// Package region implements the to-region quota table the transfer
// engine consults before relocating blocks into a destination region
// (spec §4.5: "under a concurrency budget" / "to-region quota tracking").
// It is kept ordered by region id in a B-tree so the transfer engine can
// efficiently scan "regions under quota" without holding every record in
// a slice.
package region

import (
	"github.com/google/btree"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/mathutil"
)

// Record is one region's usage bookkeeping.
type Record struct {
	ID    uint32
	Used  uint64
	Quota uint64
}

func (r Record) Less(than btree.Item) bool {
	return r.ID < than.(Record).ID
}

// Table is an ordered set of region quota records.
type Table struct {
	bt *btree.BTree
}

// NewTable builds an empty region table.
func NewTable() *Table {
	return &Table{bt: btree.New(32)}
}

// Set installs or replaces a region's quota record.
func (t *Table) Set(r Record) {
	t.bt.ReplaceOrInsert(r)
}

// Get returns the record for id, if any.
func (t *Table) Get(id uint32) (Record, bool) {
	item := t.bt.Get(Record{ID: id})
	if item == nil {
		return Record{}, false
	}
	return item.(Record), true
}

// Reserve charges n bytes against id's quota, failing NoSpace if that
// would exceed it.
func (t *Table) Reserve(id uint32, n uint64) error {
	rec, ok := t.Get(id)
	if !ok {
		return cerrors.New(cerrors.NotFound, "region %d not registered", id)
	}
	sum, overflow := mathutil.SafeAdd(rec.Used, n)
	if overflow || sum > rec.Quota {
		return cerrors.New(cerrors.NoSpace, "region %d quota exceeded: used=%d + n=%d > quota=%d", id, rec.Used, n, rec.Quota)
	}
	rec.Used = sum
	t.Set(rec)
	return nil
}

// Release gives back n bytes of previously reserved quota.
func (t *Table) Release(id uint32, n uint64) error {
	rec, ok := t.Get(id)
	if !ok {
		return cerrors.New(cerrors.NotFound, "region %d not registered", id)
	}
	if n > rec.Used {
		n = rec.Used
	}
	rec.Used -= n
	t.Set(rec)
	return nil
}

// UnderQuota lists every region with remaining headroom, ascending by id.
func (t *Table) UnderQuota() []Record {
	var out []Record
	t.bt.Ascend(func(i btree.Item) bool {
		r := i.(Record)
		if r.Used < r.Quota {
			out = append(out, r)
		}
		return true
	})
	return out
}

// Len reports the number of registered regions.
func (t *Table) Len() int { return t.bt.Len() }
