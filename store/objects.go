package store

import (
	"context"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/object"
)

// ObjectDA adapts TblObjects to object.DA, so the object engine's data
// lands in the same durable mdbx environment as version and free-space
// metadata instead of an ephemeral in-memory tree. Get/Put/Delete each run
// their own mdbx transaction; RangeIterator opens a read-only transaction
// held open for the cursor's lifetime, released on Close.
type ObjectDA struct {
	store *Store
}

// ObjectDA returns the object-data adapter over s's TblObjects table.
func (s *Store) ObjectDA() *ObjectDA { return &ObjectDA{store: s} }

var _ object.DA = (*ObjectDA)(nil)

func (d *ObjectDA) Get(ctx context.Context, k key.BtreeKey) ([]byte, bool, error) {
	var out []byte
	found := false
	err := d.store.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(d.store.dbis[TblObjects], k.Bytes())
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, cerrors.Wrap(cerrors.IO, err, "read object key")
	}
	return out, found, nil
}

func (d *ObjectDA) Put(ctx context.Context, k key.BtreeKey, val []byte) error {
	err := d.store.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(d.store.dbis[TblObjects], k.Bytes(), val, 0)
	})
	if err != nil {
		return cerrors.Wrap(cerrors.IO, err, "put object key")
	}
	return nil
}

func (d *ObjectDA) Delete(ctx context.Context, k key.BtreeKey) error {
	err := d.store.env.Update(func(txn *mdbx.Txn) error {
		err := txn.Del(d.store.dbis[TblObjects], k.Bytes(), nil)
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return cerrors.Wrap(cerrors.IO, err, "delete object key")
	}
	return nil
}

// RangeIterator opens a dedicated read-only transaction and cursor over
// TblObjects, positioned so the first Next() call lands on the first key
// >= lo. hi is not enforced here: rangeiter.Iterator re-projects every
// candidate key against the full hyper-rectangle bounds itself (spec
// §4.2/§4.5), so this cursor only needs to hand back keys in ascending
// order starting from lo.
func (d *ObjectDA) RangeIterator(ctx context.Context, lo, hi key.BtreeKey) (object.DAIterator, error) {
	txn, err := d.store.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "begin object range txn")
	}
	cur, err := txn.OpenCursor(d.store.dbis[TblObjects])
	if err != nil {
		txn.Abort()
		return nil, cerrors.Wrap(cerrors.IO, err, "open object range cursor")
	}
	return &objectIter{txn: txn, cur: cur, seek: append([]byte(nil), lo.Bytes()...)}, nil
}

// objectIter implements object.DAIterator over an mdbx cursor. seek holds
// the key the next Next() call should jump to via mdbx.SetRange; once
// consumed it reverts to plain mdbx.Next advances, until a Skip call sets
// a new seek target.
type objectIter struct {
	txn  *mdbx.Txn
	cur  *mdbx.Cursor
	seek []byte
	done bool
	err  error
	k, v []byte
}

func (it *objectIter) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	var k, v []byte
	var err error
	if it.seek != nil {
		k, v, err = it.cur.Get(it.seek, nil, mdbx.SetRange)
		it.seek = nil
	} else {
		k, v, err = it.cur.Get(nil, nil, mdbx.Next)
	}
	if mdbx.IsNotFound(err) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = cerrors.Wrap(cerrors.IO, err, "advance object range cursor")
		it.done = true
		return false
	}
	it.k = append([]byte(nil), k...)
	it.v = append([]byte(nil), v...)
	return true
}

func (it *objectIter) Key() key.BtreeKey { return key.FromBytes(it.k) }
func (it *objectIter) Value() []byte     { return it.v }

// Skip repositions the cursor so the next Next() call lands on the first
// key >= to, matching rangeiter's expectation of jumping straight past an
// excluded prefix family.
func (it *objectIter) Skip(ctx context.Context, to key.BtreeKey) error {
	it.seek = append([]byte(nil), to.Bytes()...)
	return nil
}

func (it *objectIter) Err() error { return it.err }

func (it *objectIter) Close() error {
	it.cur.Close()
	it.txn.Abort()
	return nil
}
