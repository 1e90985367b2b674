package store

import (
	"encoding/binary"

	"github.com/erigontech/mdbx-go/mdbx"
	"go.uber.org/zap"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/version"
)

// Store is the embedded metadata store: an mdbx environment holding the
// small set of tables in DefaultTablesCfg. It implements
// version.MetadataStore and also holds the free-space façade's snapshot,
// which engine.Open and Engine.Close read and write.
type Store struct {
	env  *mdbx.Env
	dbis map[string]mdbx.DBI
	log  *zap.SugaredLogger
}

// Open creates or opens an mdbx environment at path and resolves every
// table in DefaultTablesCfg to a DBI.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "create mdbx env")
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(DefaultTablesCfg))); err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "set max dbs")
	}
	if err := env.Open(path, mdbx.NoSubdir, 0644); err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "open mdbx env at %s", path)
	}

	s := &Store{env: env, dbis: make(map[string]mdbx.DBI), log: log}
	err = env.Update(func(txn *mdbx.Txn) error {
		for name, cfg := range DefaultTablesCfg {
			flags := uint(mdbx.Create)
			if cfg.Flags&IntegerKey != 0 {
				flags |= mdbx.IntegerKey
			}
			dbi, err := txn.OpenDBI(name, flags, nil, nil)
			if err != nil {
				return err
			}
			s.dbis[name] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, cerrors.Wrap(cerrors.IO, err, "open tables")
	}
	return s, nil
}

// Close releases the environment.
func (s *Store) Close() {
	s.env.Close()
}

func versionKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// AppendVersion implements version.MetadataStore.
func (s *Store) AppendVersion(e version.Entry) error {
	buf := make([]byte, 21)
	binary.BigEndian.PutUint32(buf[0:4], e.Parent)
	binary.BigEndian.PutUint64(buf[4:12], e.Size)
	binary.BigEndian.PutUint32(buf[12:16], e.DAID)
	if e.IsSnapshot {
		buf[16] = 1
	}
	// buf[17:21] reserved.
	return s.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(s.dbis[TblVersions], versionKey(e.ID), buf, 0)
	})
}

// ReadAllVersions implements version.MetadataStore.
func (s *Store) ReadAllVersions() ([]version.Entry, error) {
	var out []version.Entry
	err := s.env.View(func(txn *mdbx.Txn) error {
		cur, err := txn.OpenCursor(s.dbis[TblVersions])
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			k, v, err := cur.Get(nil, nil, mdbx.Next)
			if mdbx.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			if len(k) != 4 || len(v) < 17 {
				return cerrors.New(cerrors.Protocol, "malformed version row (key=%d bytes, val=%d bytes)", len(k), len(v))
			}
			out = append(out, version.Entry{
				ID:         binary.BigEndian.Uint32(k),
				Parent:     binary.BigEndian.Uint32(v[0:4]),
				Size:       binary.BigEndian.Uint64(v[4:12]),
				DAID:       binary.BigEndian.Uint32(v[12:16]),
				IsSnapshot: v[16] != 0,
			})
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "read versions table")
	}
	return out, nil
}

// PutConfig persists a scalar config value under key (TblConfig).
func (s *Store) PutConfig(key string, val []byte) error {
	return s.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(s.dbis[TblConfig], []byte(key), val, 0)
	})
}

// GetConfig reads a scalar config value, returning (nil, nil) if absent.
func (s *Store) GetConfig(key string) ([]byte, error) {
	var out []byte
	err := s.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(s.dbis[TblConfig], []byte(key))
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "read config key %s", key)
	}
	return out, nil
}

// PutFreeSpaceSnapshot overwrites the single free-space bitmap row.
func (s *Store) PutFreeSpaceSnapshot(data []byte) error {
	return s.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(s.dbis[TblFreeSpace], []byte("bitmap"), data, 0)
	})
}

// GetFreeSpaceSnapshot reads the free-space bitmap row, if present.
func (s *Store) GetFreeSpaceSnapshot() ([]byte, error) {
	var out []byte
	err := s.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(s.dbis[TblFreeSpace], []byte("bitmap"))
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "read free-space snapshot")
	}
	return out, nil
}

// PutRegion persists a to-region quota record (regionID -> used, quota).
func (s *Store) PutRegion(regionID uint32, used, quota uint64) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], used)
	binary.BigEndian.PutUint64(buf[8:16], quota)
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, regionID)
	return s.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(s.dbis[TblRegions], key, buf, 0)
	})
}
