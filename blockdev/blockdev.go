// Package blockdev provides the concrete block-device adapters the rest
// of the engine treats only through narrow interfaces (spec §1: the
// device layer itself is out of scope). A Slave is one claimed backing
// file; a MirrorDevice routes each block read or write to the one slave
// named in its cdb, giving the free-space/transfer layers something
// concrete to exercise in tests without a real RAID controller.
package blockdev

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
)

// Slave and FS superblock magics, ported from castle_main.c's
// castle_slave_superblock_validate/castle_fs_superblock_validate. These are
// compatibility-critical per spec §6.1: a slave whose superblock doesn't
// carry them isn't a castle slave (or is a format castle doesn't know), and
// slaves disagreeing on the FS superblock aren't part of the same
// filesystem.
const (
	slaveMagic1 uint32 = 0x02061985
	slaveMagic2 uint32 = 0x16071983
	slaveMagic3 uint32 = 0x16061981

	fsMagic1 uint32 = 0x19731121
	fsMagic2 uint32 = 0x19880624
	fsMagic3 uint32 = 0x19821120
)

// superblockSize is the fixed-size region every slave reserves at the
// front of its backing file for the slave superblock (magics + slave
// uuid), mmap'd for a cheap identity check. fsSuperblockSize reserves a
// second, immediately following region for the filesystem-wide superblock
// (magics only); every slave claimed into the same MirrorDevice must agree
// on it byte-for-byte (castle_fs_init's cross-slave memcmp). headerSize is
// the combined reserved region; data blocks start immediately after it.
const (
	superblockSize   = 4096
	fsSuperblockSize = 4096
	headerSize       = superblockSize + fsSuperblockSize
)

// Slave is one claimed, mmap-superblock-verified backing file.
type Slave struct {
	UUID uuid.UUID

	file    *os.File
	lock    *flock.Flock
	mm      mmap.MMap
	fsSuper [fsSuperblockSize]byte
}

// Open claims path with an exclusive advisory lock, mmaps its slave
// superblock, reads its FS superblock, and validates both. A freshly
// created (all-zero) file is treated as unformatted and initialized with
// the current magics rather than rejected, so a brand-new set of slave
// files comes up already FS-superblock-consistent. id is written into a
// fresh slave's superblock; an already formatted slave keeps the uuid
// stored in its superblock, which becomes the returned Slave's UUID.
func Open(path string, id uuid.UUID) (*Slave, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "lock slave %s", path)
	}
	if !locked {
		return nil, cerrors.New(cerrors.Busy, "slave %s already claimed", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.Unlock()
		return nil, cerrors.Wrap(cerrors.IO, err, "open slave %s", path)
	}
	if info, err := f.Stat(); err == nil && info.Size() < headerSize {
		if err := f.Truncate(headerSize); err != nil {
			f.Close()
			lock.Unlock()
			return nil, cerrors.Wrap(cerrors.IO, err, "grow slave %s superblock", path)
		}
	}

	mm, err := mmap.MapRegion(f, superblockSize, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, cerrors.Wrap(cerrors.IO, err, "mmap slave %s superblock", path)
	}

	s := &Slave{UUID: id, file: f, lock: lock, mm: mm}
	if err := s.validateOrInitSlaveSuperblock(id); err != nil {
		mm.Unmap()
		f.Close()
		lock.Unlock()
		return nil, err
	}
	if err := s.validateOrInitFSSuperblock(); err != nil {
		mm.Unmap()
		f.Close()
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// validateOrInitSlaveSuperblock checks the three slave magics at the front
// of the mmap'd superblock region (castle_slave_superblock_validate); an
// all-zero region is treated as unformatted and initialized rather than
// rejected. The slave uuid is stored immediately after the magics and is
// read back into s.UUID when an existing superblock validates.
func (s *Slave) validateOrInitSlaveSuperblock(id uuid.UUID) error {
	if isZero(s.mm[:28]) {
		binary.LittleEndian.PutUint32(s.mm[0:4], slaveMagic1)
		binary.LittleEndian.PutUint32(s.mm[4:8], slaveMagic2)
		binary.LittleEndian.PutUint32(s.mm[8:12], slaveMagic3)
		copy(s.mm[12:28], id[:])
		return nil
	}
	m1 := binary.LittleEndian.Uint32(s.mm[0:4])
	m2 := binary.LittleEndian.Uint32(s.mm[4:8])
	m3 := binary.LittleEndian.Uint32(s.mm[8:12])
	if m1 != slaveMagic1 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad superblock magic1 0x%x", s.UUID, m1)
	}
	if m2 != slaveMagic2 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad superblock magic2 0x%x", s.UUID, m2)
	}
	if m3 != slaveMagic3 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad superblock magic3 0x%x", s.UUID, m3)
	}
	copy(s.UUID[:], s.mm[12:28])
	return nil
}

// validateOrInitFSSuperblock reads the FS superblock region (immediately
// after the slave superblock, castle_main.c's C_BLK_SIZE offset) into
// s.fsSuper and validates its magics (castle_fs_superblock_validate). An
// all-zero region is initialized with the current magics, the same way a
// fresh slave superblock is.
func (s *Slave) validateOrInitFSSuperblock() error {
	if _, err := s.file.ReadAt(s.fsSuper[:], superblockSize); err != nil {
		return cerrors.Wrap(cerrors.IO, err, "read slave %s FS superblock", s.UUID)
	}
	if isZero(s.fsSuper[:12]) {
		binary.LittleEndian.PutUint32(s.fsSuper[0:4], fsMagic1)
		binary.LittleEndian.PutUint32(s.fsSuper[4:8], fsMagic2)
		binary.LittleEndian.PutUint32(s.fsSuper[8:12], fsMagic3)
		if _, err := s.file.WriteAt(s.fsSuper[:], superblockSize); err != nil {
			return cerrors.Wrap(cerrors.IO, err, "init slave %s FS superblock", s.UUID)
		}
		return nil
	}
	m1 := binary.LittleEndian.Uint32(s.fsSuper[0:4])
	m2 := binary.LittleEndian.Uint32(s.fsSuper[4:8])
	m3 := binary.LittleEndian.Uint32(s.fsSuper[8:12])
	if m1 != fsMagic1 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad FS superblock magic1 0x%x", s.UUID, m1)
	}
	if m2 != fsMagic2 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad FS superblock magic2 0x%x", s.UUID, m2)
	}
	if m3 != fsMagic3 {
		return cerrors.New(cerrors.Invalid, "slave %s: bad FS superblock magic3 0x%x", s.UUID, m3)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Close unmaps, closes and releases the slave's lock.
func (s *Slave) Close() error {
	var firstErr error
	if err := s.mm.Unmap(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReadBlock and WriteBlock implement pagecache.Device for a single slave.
func (s *Slave) ReadBlock(cdb cvt.CDB) ([cvt.BlockSize]byte, error) {
	var out [cvt.BlockSize]byte
	off := headerSize + int64(cdb.Block)*cvt.BlockSize
	if _, err := s.file.ReadAt(out[:], off); err != nil {
		return out, cerrors.Wrap(cerrors.IO, err, "read block %d from slave %s", cdb.Block, s.UUID)
	}
	return out, nil
}

func (s *Slave) WriteBlock(cdb cvt.CDB, data [cvt.BlockSize]byte) error {
	off := headerSize + int64(cdb.Block)*cvt.BlockSize
	if _, err := s.file.WriteAt(data[:], off); err != nil {
		return cerrors.Wrap(cerrors.IO, err, "write block %d to slave %s", cdb.Block, s.UUID)
	}
	return nil
}

// MirrorDevice routes each block read or write to the slave named in the
// block's cdb, giving the transfer engine a concrete multi-slave target to
// relocate blocks across.
type MirrorDevice struct {
	slaves map[uuid.UUID]*Slave
}

// NewMirrorDevice builds a device over the given claimed slaves, after
// checking every slave's FS superblock agrees byte-for-byte with the
// first's (castle_fs_init: save the first valid FS superblock, memcmp
// every subsequent slave's against it, fail the whole filesystem on any
// mismatch rather than silently mixing slaves from different filesystems).
func NewMirrorDevice(slaves ...*Slave) (*MirrorDevice, error) {
	if err := checkFSSuperblocksMatch(slaves); err != nil {
		return nil, err
	}
	m := &MirrorDevice{slaves: make(map[uuid.UUID]*Slave, len(slaves))}
	for _, s := range slaves {
		m.slaves[s.UUID] = s
	}
	return m, nil
}

func checkFSSuperblocksMatch(slaves []*Slave) error {
	if len(slaves) == 0 {
		return nil
	}
	canonical := slaves[0]
	for _, s := range slaves[1:] {
		if !bytes.Equal(canonical.fsSuper[:], s.fsSuper[:]) {
			return cerrors.New(cerrors.Invalid, "castle FS superblocks do not match: slave %s disagrees with slave %s", s.UUID, canonical.UUID)
		}
	}
	return nil
}

func (m *MirrorDevice) ReadBlock(cdb cvt.CDB) ([cvt.BlockSize]byte, error) {
	s, ok := m.slaves[cdb.Slave]
	if !ok {
		return [cvt.BlockSize]byte{}, cerrors.New(cerrors.NotFound, "unknown slave %s", cdb.Slave)
	}
	return s.ReadBlock(cdb)
}

func (m *MirrorDevice) WriteBlock(cdb cvt.CDB, data [cvt.BlockSize]byte) error {
	s, ok := m.slaves[cdb.Slave]
	if !ok {
		return cerrors.New(cerrors.NotFound, "unknown slave %s", cdb.Slave)
	}
	return s.WriteBlock(cdb, data)
}

// Slaves returns the known slave uuids, in no particular order.
func (m *MirrorDevice) Slaves() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m.slaves))
	for id := range m.slaves {
		out = append(out, id)
	}
	return out
}
