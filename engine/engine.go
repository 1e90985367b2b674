// Package engine wires the version registry, object engine, free-space
// façade, block devices and transfer engine into the single top-level
// Engine value the rest of the program (castlectl, testutil) drives. There is
// no package-level mutable state; every caller holds its own *Engine.
package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timmoreton/castle/blockdev"
	"github.com/timmoreton/castle/config"
	"github.com/timmoreton/castle/freespace"
	"github.com/timmoreton/castle/freespace/region"
	"github.com/timmoreton/castle/key"
	"github.com/timmoreton/castle/object"
	"github.com/timmoreton/castle/store"
	"github.com/timmoreton/castle/store/pagecache"
	"github.com/timmoreton/castle/transfer"
	"github.com/timmoreton/castle/version"
)

// Engine is the whole castle data plane: versions, objects, free space and
// transfer, bound to one metadata store and one set of claimed slaves.
type Engine struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	Versions *version.Registry
	Objects  *object.Engine
	Free     *freespace.Facade
	Transfer *transfer.Engine

	store  *store.Store
	slaves []*blockdev.Slave
	mirror *blockdev.MirrorDevice
	cache  *pagecache.Cache
}

// Open claims every configured slave, opens the metadata store, restores
// prior state, and wires the engine's components together.
func Open(cfg config.Config, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.MetadataPath, log)
	if err != nil {
		return nil, err
	}

	var slaves []*blockdev.Slave
	for _, sc := range cfg.Slaves {
		s, err := blockdev.Open(sc.Path, uuid.New())
		if err != nil {
			closeSlaves(slaves)
			st.Close()
			return nil, err
		}
		slaves = append(slaves, s)
	}
	mirror, err := blockdev.NewMirrorDevice(slaves...)
	if err != nil {
		closeSlaves(slaves)
		st.Close()
		return nil, err
	}

	cache, err := pagecache.New(mirror, cfg.PageCacheBlocks())
	if err != nil {
		closeSlaves(slaves)
		st.Close()
		return nil, err
	}

	free := freespace.New(nil)
	for i, sc := range cfg.Slaves {
		free.AddSlave(slaves[i].UUID, sc.Blocks)
	}
	for _, rc := range cfg.Regions {
		free.Regions().Set(region.Record{ID: rc.ID, Quota: uint64(rc.Quota)})
	}

	versions := version.New(log, nil)
	versions.SetCap(cfg.VersionCap)
	if err := versions.Restore(st); err != nil {
		closeSlaves(slaves)
		st.Close()
		return nil, err
	}

	if snap, err := st.GetFreeSpaceSnapshot(); err == nil && len(snap) > 0 {
		if err := free.UnmarshalSnapshot(snap); err != nil {
			closeSlaves(slaves)
			st.Close()
			return nil, err
		}
		log.Debugw("restored free-space snapshot", "bytes", len(snap))
	}

	objects := object.New(st.ObjectDA(), cache, free, versions, log)
	xfer := transfer.New(free, cache, log)

	return &Engine{
		cfg:      cfg,
		log:      log,
		Versions: versions,
		Objects:  objects,
		Free:     free,
		Transfer: xfer,
		store:    st,
		slaves:   slaves,
		mirror:   mirror,
		cache:    cache,
	}, nil
}

func closeSlaves(slaves []*blockdev.Slave) {
	for _, s := range slaves {
		_ = s.Close()
	}
}

// Close flushes the page cache, persists versions, and releases every
// claimed slave and the metadata store.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.cache.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.Versions.WriteBack(e.store); err != nil && firstErr == nil {
		firstErr = err
	}
	if snap, err := e.Free.MarshalSnapshot(); err != nil && firstErr == nil {
		firstErr = err
	} else if err == nil {
		if err := e.store.PutFreeSpaceSnapshot(snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range e.slaves {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.store.Close()
	return firstErr
}

// Replace is a convenience wrapper over Objects.Replace.
func (e *Engine) Replace(ctx context.Context, versionID uint32, o key.ObjectKey, value []byte, tombstone bool) error {
	return e.Objects.Replace(ctx, versionID, o, value, tombstone)
}

// Get is a convenience wrapper over Objects.Get.
func (e *Engine) Get(ctx context.Context, versionID uint32, o key.ObjectKey) ([]byte, bool, error) {
	return e.Objects.Get(ctx, versionID, o)
}
