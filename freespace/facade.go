// Package freespace implements the free-space façade of spec §3/§4: block
// allocation and release per slave, per-version placement policy, and
// to-region quota tracking delegated to the freespace/region sub-package.
package freespace

import (
	"encoding/json"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/freespace/region"
)

// PlacementPolicy chooses which slave a version's new blocks should land
// on. The default RoundRobin policy is adequate for tests and for the
// single-tier deployments castlectl targets; a tiered deployment can
// supply its own.
type PlacementPolicy interface {
	ChooseSlave(versionID uint32, candidates []uuid.UUID) (uuid.UUID, error)
}

// RoundRobin cycles through candidate slaves by version id.
type RoundRobin struct{}

func (RoundRobin) ChooseSlave(versionID uint32, candidates []uuid.UUID) (uuid.UUID, error) {
	if len(candidates) == 0 {
		return uuid.UUID{}, cerrors.New(cerrors.NoSpace, "no candidate slaves")
	}
	return candidates[int(versionID)%len(candidates)], nil
}

// holder identifies the (slave, version) pair a held block is attributed
// to, for blks_for_version_get (spec §4.8).
type holder struct {
	slave   uuid.UUID
	version uint32
}

// Facade tracks free blocks per slave and hands out/reclaims cvt.CDB
// addresses, plus per-region quota bookkeeping for the transfer engine's
// to-region relocations.
type Facade struct {
	mu      sync.Mutex
	free    map[uuid.UUID]*roaring64.Bitmap
	total   map[uuid.UUID]uint64
	policy  PlacementPolicy
	regions *region.Table

	owner map[cvt.CDB]uint32 // version currently holding each allocated block
	held  map[holder]uint64  // (slave, version) -> blocks held, for BlksForVersionGet
}

// New builds an empty façade; call AddSlave for each backing slave before
// Get is usable.
func New(policy PlacementPolicy) *Facade {
	if policy == nil {
		policy = RoundRobin{}
	}
	return &Facade{
		free:    make(map[uuid.UUID]*roaring64.Bitmap),
		total:   make(map[uuid.UUID]uint64),
		policy:  policy,
		regions: region.NewTable(),
		owner:   make(map[cvt.CDB]uint32),
		held:    make(map[holder]uint64),
	}
}

// AddSlave registers a slave with nBlocks, all initially free.
func (f *Facade) AddSlave(slave uuid.UUID, nBlocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bm := roaring64.New()
	bm.AddRange(0, nBlocks)
	f.free[slave] = bm
	f.total[slave] = nBlocks
}

// Get allocates n contiguous-or-not blocks for versionID, honoring the
// placement policy, and returns their addresses. Fails NoSpace if no
// registered slave has n blocks free.
func (f *Facade) Get(versionID uint32, n uint64) ([]cvt.CDB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candidates := make([]uuid.UUID, 0, len(f.free))
	for s, bm := range f.free {
		if bm.GetCardinality() >= n {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, cerrors.New(cerrors.NoSpace, "no slave has %d free blocks", n)
	}
	slave, err := f.policy.ChooseSlave(versionID, candidates)
	if err != nil {
		return nil, err
	}
	bm := f.free[slave]
	out := make([]cvt.CDB, 0, n)
	it := bm.Iterator()
	for uint64(len(out)) < n && it.HasNext() {
		blk := it.Next()
		out = append(out, cvt.CDB{Slave: slave, Block: blk})
	}
	for _, cdb := range out {
		bm.Remove(cdb.Block)
		f.owner[cdb] = versionID
		f.held[holder{slave: cdb.Slave, version: versionID}]++
	}
	return out, nil
}

// Free releases previously allocated blocks back to their slave's pool,
// crediting the release against whichever version's Get call originally
// allocated each block.
func (f *Facade) Free(cdbs ...cvt.CDB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cdb := range cdbs {
		bm, ok := f.free[cdb.Slave]
		if !ok {
			return cerrors.New(cerrors.NotFound, "unknown slave %s", cdb.Slave)
		}
		bm.Add(cdb.Block)
		if v, ok := f.owner[cdb]; ok {
			h := holder{slave: cdb.Slave, version: v}
			if f.held[h] > 0 {
				f.held[h]--
			}
			if f.held[h] == 0 {
				delete(f.held, h)
			}
			delete(f.owner, cdb)
		}
	}
	return nil
}

// BlksForVersionGet implements spec §4.8's blks_for_version_get(slave,
// version): reports the number of blocks versionID currently holds on
// slave, the figure the to-region quota table (freespace/region) consults
// before admitting a relocation.
func (f *Facade) BlksForVersionGet(slave uuid.UUID, versionID uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.total[slave]; !ok {
		return 0, cerrors.New(cerrors.NotFound, "unknown slave %s", slave)
	}
	return f.held[holder{slave: slave, version: versionID}], nil
}

// Regions exposes the to-region quota table for the transfer engine.
func (f *Facade) Regions() *region.Table { return f.regions }

// Snapshot serializes every slave's free bitmap for persistence.
func (f *Facade) Snapshot() (map[uuid.UUID][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID][]byte, len(f.free))
	for s, bm := range f.free {
		data, err := bm.ToBytes()
		if err != nil {
			return nil, cerrors.Wrap(cerrors.IO, err, "serialize free bitmap for slave %s", s)
		}
		out[s] = data
	}
	return out, nil
}

// Restore loads previously snapshotted free bitmaps, replacing any
// in-memory state for the given slaves.
func (f *Facade) Restore(snap map[uuid.UUID][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s, data := range snap {
		bm := roaring64.New()
		if _, err := bm.FromBuffer(data); err != nil {
			return cerrors.Wrap(cerrors.Protocol, err, "decode free bitmap for slave %s", s)
		}
		f.free[s] = bm
	}
	return nil
}

// MarshalSnapshot serializes Snapshot's per-slave bitmaps into a single
// blob suitable for store.Store's single-row free-space snapshot (spec
// §4.1-style persistence, applied here to free space rather than
// versions). uuid.UUID implements encoding.TextMarshaler, so it serializes
// directly as a JSON object key.
func (f *Facade) MarshalSnapshot() ([]byte, error) {
	snap, err := f.Snapshot()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Protocol, err, "marshal free-space snapshot")
	}
	return data, nil
}

// UnmarshalSnapshot decodes a blob produced by MarshalSnapshot and applies
// it via Restore.
func (f *Facade) UnmarshalSnapshot(data []byte) error {
	var snap map[uuid.UUID][]byte
	if err := json.Unmarshal(data, &snap); err != nil {
		return cerrors.Wrap(cerrors.Protocol, err, "unmarshal free-space snapshot")
	}
	return f.Restore(snap)
}
