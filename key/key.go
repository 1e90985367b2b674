// Package key implements the multi-dimensional object-key model and its
// lexicographic encoding into a single-dimensional B-tree key (spec §4.2).
//
// This is deliberately stdlib-only: no library in the example pack models a
// packed (24-bit offset, 8-bit flags) dim-head layout, and reaching for a
// general serialization library here would fight the fixed wire format
// spec.md mandates rather than express it (see DESIGN.md).
package key

import (
	"encoding/binary"
	"fmt"
)

// Flag bits packed into the low 8 bits of a dim head.
const (
	FlagNext          uint8 = 1 << 0
	FlagMinusInfinity uint8 = 1 << 1
)

const (
	fixedHeaderSize = 16 // total length (4) + dim count (4) + reserved (8)
	dimHeadSize     = 4
)

// ObjectKey is the external key: an ordered sequence of opaque dimensions.
type ObjectKey struct {
	Dims [][]byte
}

// New builds an ObjectKey from dimension byte strings, copying each so the
// caller's backing arrays may be reused.
func New(dims ...[]byte) ObjectKey {
	cp := make([][]byte, len(dims))
	for i, d := range dims {
		cp[i] = append([]byte(nil), d...)
	}
	return ObjectKey{Dims: cp}
}

// NDims reports the dimension count.
func (o ObjectKey) NDims() int { return len(o.Dims) }

// Validate enforces spec §6.3: every dimension must be non-empty.
func (o ObjectKey) Validate() error {
	if len(o.Dims) == 0 {
		return fmt.Errorf("object key has zero dimensions")
	}
	for i, d := range o.Dims {
		if len(d) == 0 {
			return fmt.Errorf("dimension %d is empty", i)
		}
	}
	return nil
}

// Equal reports whether two object keys have identical dimension bytes.
func (o ObjectKey) Equal(other ObjectKey) bool {
	if len(o.Dims) != len(other.Dims) {
		return false
	}
	for i := range o.Dims {
		if string(o.Dims[i]) != string(other.Dims[i]) {
			return false
		}
	}
	return true
}

// BtreeKey is the encoded, single-dimensional key a DA B-tree stores.
type BtreeKey struct {
	buf []byte
}

// Bytes exposes the raw encoded key, e.g. to hand to a DA lookup.
func (k BtreeKey) Bytes() []byte { return k.buf }

// FromBytes wraps an already-encoded buffer (e.g. one read back from a DA)
// without validating it; callers that decode untrusted input should call
// Decode and handle its error instead.
func FromBytes(buf []byte) BtreeKey { return BtreeKey{buf: buf} }

func (k BtreeKey) totalLength() uint32 { return binary.BigEndian.Uint32(k.buf[0:4]) }
func (k BtreeKey) ndims() uint32       { return binary.BigEndian.Uint32(k.buf[4:8]) }

func (k BtreeKey) dimHeadWord(i int) uint32 {
	off := fixedHeaderSize + i*dimHeadSize
	return binary.BigEndian.Uint32(k.buf[off : off+4])
}

func (k BtreeKey) dimOffset(i int) uint32 { return k.dimHeadWord(i) >> 8 }
func (k BtreeKey) dimFlags(i int) uint8   { return uint8(k.dimHeadWord(i) & 0xFF) }

// DimNext reports whether dim i carries the NEXT successor marker.
func (k BtreeKey) DimNext(i int) bool { return k.dimFlags(i)&FlagNext != 0 }

// dimEnd returns the end offset (exclusive) of dim i's payload.
func (k BtreeKey) dimEnd(i int) uint32 {
	n := int(k.ndims())
	if i+1 < n {
		return k.dimOffset(i + 1)
	}
	return k.totalLength()
}

// DimBytes returns the raw payload bytes of dim i (no copy).
func (k BtreeKey) DimBytes(i int) []byte {
	return k.buf[k.dimOffset(i):k.dimEnd(i)]
}

// NDims reports the encoded key's dimension count.
func (k BtreeKey) NDims() int { return int(k.ndims()) }

// headerSize returns H = 16 + 4*N for n dimensions.
func headerSize(n int) int { return fixedHeaderSize + dimHeadSize*n }

// Encode builds the B-tree key for an object key (spec §4.2 Encode).
func Encode(o ObjectKey) (BtreeKey, error) {
	if err := o.Validate(); err != nil {
		return BtreeKey{}, err
	}
	n := len(o.Dims)
	h := headerSize(n)
	total := h
	for _, d := range o.Dims {
		total += len(d)
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(n))
	// buf[8:16] reserved, left zero.

	offset := h
	for i, d := range o.Dims {
		writeDimHead(buf, i, uint32(offset), 0)
		copy(buf[offset:offset+len(d)], d)
		offset += len(d)
	}
	return BtreeKey{buf: buf}, nil
}

func writeDimHead(buf []byte, i int, offset uint32, flags uint8) {
	off := fixedHeaderSize + i*dimHeadSize
	word := (offset << 8) | uint32(flags)
	binary.BigEndian.PutUint32(buf[off:off+4], word)
}

// Decode inverts Encode (spec §4.2 Decode, invariant K1).
func Decode(k BtreeKey) (ObjectKey, error) {
	if len(k.buf) < fixedHeaderSize {
		return ObjectKey{}, fmt.Errorf("btree key too short: %d bytes", len(k.buf))
	}
	n := int(k.ndims())
	if headerSize(n) > len(k.buf) {
		return ObjectKey{}, fmt.Errorf("btree key header for %d dims overruns buffer", n)
	}
	dims := make([][]byte, n)
	for i := 0; i < n; i++ {
		start, end := k.dimOffset(i), k.dimEnd(i)
		if end < start || int(end) > len(k.buf) {
			return ObjectKey{}, fmt.Errorf("dim %d has invalid bounds [%d,%d)", i, start, end)
		}
		dims[i] = append([]byte(nil), k.buf[start:end]...)
	}
	return ObjectKey{Dims: dims}, nil
}

// Successor duplicates k and sets the NEXT flag on its last dim head,
// producing the smallest strict successor of k (spec §4.2 Successor, K3).
func Successor(k BtreeKey) BtreeKey {
	buf := append([]byte(nil), k.buf...)
	n := int(k.ndims())
	out := BtreeKey{buf: buf}
	if n == 0 {
		return out
	}
	off := fixedHeaderSize + (n-1)*dimHeadSize
	word := binary.BigEndian.Uint32(buf[off : off+4])
	word |= uint32(FlagNext)
	binary.BigEndian.PutUint32(buf[off:off+4], word)
	return out
}
