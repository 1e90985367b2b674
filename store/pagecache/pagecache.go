// Package pagecache implements the pinned buffer cache that backs
// on-disk (ONDISK) CVT reads and writes: a bounded LRU of fixed-size
// block buffers keyed by cvt.CDB, with an explicit pin/unpin so a buffer
// being streamed by the object engine is never evicted out from under it.
package pagecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/cvt"
)

// Device is the narrow block-device contract the page cache reads
// through and writes back to on eviction (spec §1: the device layer is
// out of scope, named only via its interface contract).
type Device interface {
	ReadBlock(cdb cvt.CDB) ([cvt.BlockSize]byte, error)
	WriteBlock(cdb cvt.CDB, data [cvt.BlockSize]byte) error
}

type entry struct {
	data   [cvt.BlockSize]byte
	dirty  bool
	pinned int
}

// Cache is a fixed-capacity pool of pinned block buffers over a Device.
type Cache struct {
	mu     sync.Mutex
	dev    Device
	lru    *lru.Cache[cvt.CDB, *entry]
	cap    int
}

// New builds a cache of capacity blocks (see spec cvt.ObjIOMaxBuffer for
// the object engine's own streaming-window size, independent of this
// cache's total capacity).
func New(dev Device, capacity int) (*Cache, error) {
	c := &Cache{dev: dev, cap: capacity}
	evictCb := func(key cvt.CDB, e *entry) {
		// Notes which buffer a concurrent Get raced an eviction against;
		// golang-lru invokes this synchronously under the same lock path
		// it serializes Add/Get with, so e.pinned is stable here.
		if e.pinned > 0 {
			return
		}
		if e.dirty {
			_ = dev.WriteBlock(key, e.data)
		}
	}
	l, err := lru.NewWithEvict[cvt.CDB, *entry](capacity, evictCb)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Invalid, err, "build page cache of capacity %d", capacity)
	}
	c.lru = l
	return c, nil
}

// Pin loads (or returns the cached) block at cdb and marks it pinned;
// callers must Unpin exactly once per Pin. When the cache is full, the
// least recently used unpinned buffer is evicted (written back if dirty);
// Pin fails NoMemory if every resident buffer is pinned.
func (c *Cache) Pin(cdb cvt.CDB) (*[cvt.BlockSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(cdb); ok {
		e.pinned++
		return &e.data, nil
	}
	data, err := c.dev.ReadBlock(cdb)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IO, err, "read block %s", cdb)
	}
	if c.lru.Len() >= c.cap {
		victim, found := cvt.CDB{}, false
		for _, k := range c.lru.Keys() {
			if ve, ok := c.lru.Peek(k); ok && ve.pinned == 0 {
				victim, found = k, true
				break
			}
		}
		if !found {
			return nil, cerrors.New(cerrors.NoMemory, "page cache: all %d buffers pinned", c.cap)
		}
		c.lru.Remove(victim)
	}
	e := &entry{data: data, pinned: 1}
	c.lru.Add(cdb, e)
	return &e.data, nil
}

// Unpin releases one pin on cdb, optionally marking it dirty so it gets
// flushed back through the device on eventual eviction or Flush.
func (c *Cache) Unpin(cdb cvt.CDB, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(cdb)
	if !ok {
		return
	}
	if dirty {
		e.dirty = true
	}
	if e.pinned > 0 {
		e.pinned--
	}
}

// Flush writes every dirty, unpinned buffer back through the device.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || !e.dirty || e.pinned > 0 {
			continue
		}
		if err := c.dev.WriteBlock(key, e.data); err != nil {
			return cerrors.Wrap(cerrors.IO, err, "flush block %s", key)
		}
		e.dirty = false
	}
	return nil
}

// Len reports the number of buffers currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
