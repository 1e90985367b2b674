package transfer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/timmoreton/castle/cvt"
	"github.com/timmoreton/castle/freespace"
	"github.com/timmoreton/castle/freespace/region"
	"github.com/timmoreton/castle/store/pagecache"
)

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

func TestRunRelocatesToTarget(t *testing.T) {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)

	free := freespace.New(nil)
	slave := uuid.New()
	free.AddSlave(slave, 1000)

	src := cvt.CDB{Slave: slave, Block: 5}
	var payload [cvt.BlockSize]byte
	payload[0] = 0xAB
	require.NoError(t, dev.WriteBlock(src, payload))

	e := New(free, cache, nil)
	results, err := e.Run(context.Background(), []Job{{VersionID: 1, Source: src, Dest: ToTarget}}, 4)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.NotEqual(t, src, results[0].New)

	require.NoError(t, cache.Flush())
	got, err := dev.ReadBlock(results[0].New)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRunRollsBackOnRegionQuotaFailure(t *testing.T) {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)

	free := freespace.New(nil)
	slave := uuid.New()
	free.AddSlave(slave, 1000)
	free.Regions().Set(region.Record{ID: 1, Quota: 10})

	src := cvt.CDB{Slave: slave, Block: 1}

	e := New(free, cache, nil)
	_, err = e.Run(context.Background(), []Job{{VersionID: 1, Source: src, Dest: ToRegion, RegionID: 1, SizeForQuota: 100}}, 4)
	require.Error(t, err)

	rec, ok := free.Regions().Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(0), rec.Used)
}

func TestRunCompletesBatchLargerThanConcurrency(t *testing.T) {
	dev := newFakeDevice()
	cache, err := pagecache.New(dev, 64)
	require.NoError(t, err)

	free := freespace.New(nil)
	slave := uuid.New()
	free.AddSlave(slave, 1000)

	jobs := make([]Job, 0, 20)
	for i := uint64(0); i < 20; i++ {
		jobs = append(jobs, Job{VersionID: 1, Source: cvt.CDB{Slave: slave, Block: i + 500}, Dest: ToTarget})
	}

	e := New(free, cache, nil)
	results, err := e.Run(context.Background(), jobs, 3)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}
