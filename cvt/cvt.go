// Package cvt defines the cache value tuple (CVT) and on-disk block address
// (cdb) types of spec §3 — the tagged value descriptor every key maps to,
// and the (slave, block) pair it may point at.
package cvt

import (
	"fmt"

	"github.com/google/uuid"
)

// Tag discriminates the four CVT states of spec §3.
type Tag uint8

const (
	// Invalid marks a zero-value CVT; never a legal post-state of replace().
	Invalid Tag = iota
	// Tombstone marks a deleted key; length is always 0.
	Tombstone
	// Inline holds the value bytes directly, length <= MaxInline.
	Inline
	// Ondisk holds a reference to blocks in the page cache, length > MaxInline.
	Ondisk
)

func (t Tag) String() string {
	switch t {
	case Tombstone:
		return "tombstone"
	case Inline:
		return "inline"
	case Ondisk:
		return "ondisk"
	default:
		return "invalid"
	}
}

const (
	// BlockSize is the fixed on-disk block size (C_BLK_SIZE in spec §6.1).
	BlockSize = 4096

	// MaxInline is the largest value length stored directly in the CVT.
	MaxInline = 512

	// MaxOndiskBlocks caps an object's on-disk footprint (spec §3, §6.3:
	// "replace payload <= 100 blocks").
	MaxOndiskBlocks = 100

	// ObjIOMaxBuffer is the largest pinned buffer window (in blocks) the
	// object engine holds open at once while streaming (spec §4.3/§4.4).
	ObjIOMaxBuffer = 10
)

// CDB is an on-disk block address: (slave_uuid, block_index).
type CDB struct {
	Slave uuid.UUID
	Block uint64
}

// InvalidCDB is the sentinel cdb returned by a failed allocation.
var InvalidCDB = CDB{}

// Valid reports whether c is not the INVALID sentinel.
func (c CDB) Valid() bool { return c != InvalidCDB }

func (c CDB) String() string {
	if !c.Valid() {
		return "cdb(invalid)"
	}
	return fmt.Sprintf("cdb(%s:%d)", c.Slave, c.Block)
}

// Add returns the cdb n blocks past c on the same slave.
func (c CDB) Add(n uint64) CDB { return CDB{Slave: c.Slave, Block: c.Block + n} }

// CVT is the tagged value descriptor stored under a B-tree key.
type CVT struct {
	Tag    Tag
	Length uint64 // byte length of the logical value
	Inline []byte // valid iff Tag == Inline
	Disk   CDB    // valid iff Tag == Ondisk
}

// NumBlocks returns the number of blocks an Ondisk CVT occupies, rounding up.
func (v CVT) NumBlocks() uint64 {
	if v.Tag != Ondisk {
		return 0
	}
	return CeilBlocks(v.Length)
}

// CeilBlocks computes ceil(length / BlockSize).
func CeilBlocks(length uint64) uint64 {
	return (length + BlockSize - 1) / BlockSize
}

// Validate checks the CVT invariants of spec §3:
//
//	tombstone => length == 0
//	inline length <= MaxInline
//	on-disk length > MaxInline and <= MaxOndiskBlocks blocks
func (v CVT) Validate() error {
	switch v.Tag {
	case Tombstone:
		if v.Length != 0 {
			return fmt.Errorf("tombstone with nonzero length %d", v.Length)
		}
	case Inline:
		if v.Length > MaxInline {
			return fmt.Errorf("inline length %d exceeds MaxInline %d", v.Length, MaxInline)
		}
		if uint64(len(v.Inline)) != v.Length {
			return fmt.Errorf("inline length %d does not match byte slice length %d", v.Length, len(v.Inline))
		}
	case Ondisk:
		if v.Length <= MaxInline {
			return fmt.Errorf("ondisk length %d does not exceed MaxInline %d", v.Length, MaxInline)
		}
		if v.NumBlocks() > MaxOndiskBlocks {
			return fmt.Errorf("ondisk length %d needs %d blocks, exceeds cap %d", v.Length, v.NumBlocks(), MaxOndiskBlocks)
		}
	case Invalid:
		return fmt.Errorf("CVT tag is Invalid")
	default:
		return fmt.Errorf("unknown CVT tag %d", v.Tag)
	}
	return nil
}

// IsLive reports whether the CVT represents a present value (neither the
// zero Invalid tag nor a Tombstone).
func (v CVT) IsLive() bool { return v.Tag == Inline || v.Tag == Ondisk }

// wire layout: tag(1) + length(8) + slave(16) + block(8) + inline bytes.
const wireHeaderSize = 1 + 8 + 16 + 8

// Marshal encodes v as the B-tree value bytes stored under an object's key.
func (v CVT) Marshal() []byte {
	buf := make([]byte, wireHeaderSize+len(v.Inline))
	buf[0] = byte(v.Tag)
	putUint64(buf[1:9], v.Length)
	copy(buf[9:25], v.Disk.Slave[:])
	putUint64(buf[25:33], v.Disk.Block)
	copy(buf[wireHeaderSize:], v.Inline)
	return buf
}

// Unmarshal decodes the B-tree value bytes of Marshal.
func Unmarshal(buf []byte) (CVT, error) {
	if len(buf) < wireHeaderSize {
		return CVT{}, fmt.Errorf("cvt: buffer too short: %d bytes", len(buf))
	}
	var v CVT
	v.Tag = Tag(buf[0])
	v.Length = getUint64(buf[1:9])
	copy(v.Disk.Slave[:], buf[9:25])
	v.Disk.Block = getUint64(buf[25:33])
	if v.Tag == Inline {
		v.Inline = append([]byte(nil), buf[wireHeaderSize:]...)
	}
	return v, nil
}

func putUint64(b []byte, x uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(x)
		x >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var x uint64
	for i := 0; i < 8; i++ {
		x = x<<8 | uint64(b[i])
	}
	return x
}
