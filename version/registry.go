// Package version implements the version registry of spec §3/§4.1: the tree
// of versions, DFS pre/post numbering for O(1) ancestor tests, and the
// lifecycle operations that create, attach, detach and delete versions.
package version

import (
	"sync"

	"go.uber.org/zap"

	"github.com/timmoreton/castle/cerrors"
)

// Kind distinguishes the two ways a version can be created (spec §3
// Lifecycle).
type Kind int

const (
	Snapshot Kind = iota
	Clone
)

// RootID is the single reserved root version id (invariant V1).
const RootID uint32 = 0

// DefaultCap is the version-count ceiling named in spec §4.1 new():
// "allocates a fresh monotonic id (cap 900 in this beta)". Whether this is
// a hard product limit or a debug guard is an open question per spec §9;
// we treat it as a configurable soft cap (see DESIGN.md).
const DefaultCap = 900

const noID = ^uint32(0)

// Flags mirrors the per-version flag set of spec §3.
type Flags struct {
	Attached   bool
	IsSnapshot bool
	Inited     bool
	FtreeLocked bool
}

// Version is one node of the version tree.
type Version struct {
	ID     uint32
	Parent uint32
	DAID   uint32
	Size   uint64
	Flags  Flags
	O, R   uint64

	firstChild  uint32
	nextSibling uint32
}

// IsLeaf reports whether v currently has no children.
func (v *Version) IsLeaf() bool { return v.firstChild == noID }

// FirstChild returns v's first child id and whether it has one.
func (v Version) FirstChild() (uint32, bool) { return v.firstChild, v.firstChild != noID }

// NextSibling returns v's next sibling id and whether it has one.
func (v Version) NextSibling() (uint32, bool) { return v.nextSibling, v.nextSibling != noID }

// Entry is the persisted tuple of spec §4.1 Persistence, extended with the
// is-snapshot flag (itself one of the Version attributes named in spec §3)
// since replaying V3 on restore needs to know each version's kind even
// though spec's Persistence prose lists only {version, parent, size,
// da_id} — see DESIGN.md for this decision.
type Entry struct {
	ID         uint32
	Parent     uint32
	Size       uint64
	DAID       uint32
	IsSnapshot bool
}

// MetadataStore is the external "metadata store" collaborator of spec §1:
// an append-only typed-entry store. Only its contract is specified here;
// castle/store provides a concrete instance.
type MetadataStore interface {
	AppendVersion(Entry) error
	ReadAllVersions() ([]Entry, error)
}

// SysfsNotifier is the external "sysfs visibility" collaborator of spec
// §4.1 ("Versions successfully inited are enqueued for sysfs visibility").
type SysfsNotifier interface {
	VersionInited(id uint32)
	VersionDestroyed(id uint32)
}

// Registry holds the whole version tree behind a single lock (spec §5:
// "the registry is guarded by a single lock held across hash mutation and
// DFS renumbering").
type Registry struct {
	mu sync.Mutex

	versions  map[uint32]*Version
	initQueue []uint32
	nextID    uint32
	cap       uint32

	log      *zap.SugaredLogger
	notifier SysfsNotifier
}

// New builds a registry bootstrapped with an inited root version (spec V1,
// §4.1 "root 0 is inited at bootstrap").
func New(log *zap.SugaredLogger, notifier SysfsNotifier) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		versions: make(map[uint32]*Version),
		nextID:   RootID + 1,
		cap:      DefaultCap,
		log:      log,
		notifier: notifier,
	}
	root := &Version{
		ID:          RootID,
		Parent:      RootID,
		firstChild:  noID,
		nextSibling: noID,
		Flags:       Flags{Inited: true},
	}
	root.O, root.R = 0, 0
	r.versions[RootID] = root
	return r
}

// SetCap overrides the version quota (default DefaultCap); exposed for
// tests and for config-driven deployments that want a different ceiling.
func (r *Registry) SetCap(cap uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cap = cap
}

// Add stages an uninited version for threading by a later Process() call
// (spec §4.1 add()). Used by Restore() to replay persisted tuples whose
// parents may not yet be staged.
func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(e)
}

func (r *Registry) addLocked(e Entry) error {
	if _, exists := r.versions[e.ID]; exists {
		return cerrors.New(cerrors.Invalid, "version %d already staged", e.ID)
	}
	r.versions[e.ID] = &Version{
		ID:          e.ID,
		Parent:      e.Parent,
		DAID:        e.DAID,
		Size:        e.Size,
		firstChild:  noID,
		nextSibling: noID,
		Flags:       Flags{IsSnapshot: e.IsSnapshot},
	}
	r.initQueue = append(r.initQueue, e.ID)
	if e.ID >= r.nextID {
		r.nextID = e.ID + 1
	}
	return nil
}

// Process drains the init queue per spec §4.1: repeatedly take the head v;
// if its parent is not yet inited, retry with the parent first (this
// terminates because root is inited at bootstrap). Threaded versions are
// then renumbered by a single stack-free DFS pass.
func (r *Registry) Process() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processLocked()
}

func (r *Registry) processLocked() error {
	for len(r.initQueue) > 0 {
		id := r.initQueue[0]
		v, ok := r.versions[id]
		if !ok || v.Flags.Inited {
			r.initQueue = r.initQueue[1:]
			continue
		}
		p, ok := r.versions[v.Parent]
		if !ok {
			r.initQueue = r.initQueue[1:]
			return cerrors.New(cerrors.Invalid, "version %d: parent %d unknown", v.ID, v.Parent)
		}
		if !p.Flags.Inited {
			// Retry with the parent first: move it to the front of the
			// queue ahead of v, which stays queued right behind it.
			r.initQueue = append([]uint32{p.ID}, r.initQueue...)
			continue
		}
		r.initQueue = r.initQueue[1:]
		if err := r.threadChildLocked(v, p); err != nil {
			return err
		}
	}
	r.renumberLocked()
	return nil
}

// threadChildLocked enforces V3/V4 against p and links v into p's child
// list in descending-id order, then marks v inited.
func (r *Registry) threadChildLocked(v, p *Version) error {
	if v.Flags.IsSnapshot {
		if p.firstChild != noID {
			return cerrors.New(cerrors.Invalid, "snapshot of version %d rejected: parent already has a child", p.ID)
		}
	} else {
		if p.Flags.Attached && p.IsLeaf() {
			return cerrors.New(cerrors.Invalid, "clone of version %d rejected: parent is attached and a leaf", p.ID)
		}
	}
	r.insertChildDescendingLocked(p, v)
	v.Flags.Inited = true
	if r.notifier != nil {
		r.notifier.VersionInited(v.ID)
	}
	r.log.Debugw("version inited", "id", v.ID, "parent", p.ID, "snapshot", v.Flags.IsSnapshot)
	return nil
}

func (r *Registry) insertChildDescendingLocked(p, v *Version) {
	v.nextSibling = noID
	if p.firstChild == noID || r.versions[p.firstChild].ID < v.ID {
		v.nextSibling = p.firstChild
		p.firstChild = v.ID
		return
	}
	cur := r.versions[p.firstChild]
	for cur.nextSibling != noID && r.versions[cur.nextSibling].ID > v.ID {
		cur = r.versions[cur.nextSibling]
	}
	v.nextSibling = cur.nextSibling
	cur.nextSibling = v.ID
}

// New allocates a fresh monotonic id, stages and processes it, per spec
// §4.1 new(). Fails with Busy (quota), NotFound (invalid parent), or
// Invalid (V3/V4 rejection).
func (r *Registry) New(kind Kind, parent uint32, daID uint32, size uint64) (*Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextID >= r.cap {
		return nil, cerrors.New(cerrors.Busy, "version quota exhausted (cap %d)", r.cap)
	}
	p, ok := r.versions[parent]
	if !ok || !p.Flags.Inited {
		return nil, cerrors.New(cerrors.NotFound, "invalid parent %d", parent)
	}
	if p.Size > 0 && size == 0 {
		size = p.Size
	}

	id := r.nextID
	r.nextID++
	if err := r.addLocked(Entry{ID: id, Parent: parent, Size: size, DAID: daID, IsSnapshot: kind == Snapshot}); err != nil {
		return nil, err
	}
	if err := r.processLocked(); err != nil {
		delete(r.versions, id)
		r.removeFromQueueLocked(id)
		return nil, err
	}
	return r.versions[id], nil
}

func (r *Registry) removeFromQueueLocked(id uint32) {
	out := r.initQueue[:0]
	for _, q := range r.initQueue {
		if q != id {
			out = append(out, q)
		}
	}
	r.initQueue = out
}

// renumberLocked performs the stack-free DFS of spec §4.1: pre-order o is
// assigned descending into children, post-order r is assigned climbing
// back out via parent pointers — no auxiliary stack or recursion, only the
// tree's own first-child/next-sibling/parent links.
func (r *Registry) renumberLocked() {
	root, ok := r.versions[RootID]
	if !ok {
		return
	}
	var counter uint64
	assign := func(v *Version, isPre bool) {
		if isPre {
			v.O = counter
		} else {
			v.R = counter
		}
		counter++
	}

	cur := root
	assign(cur, true)
	for cur != nil {
		if cur.firstChild != noID {
			child := r.versions[cur.firstChild]
			assign(child, true)
			cur = child
			continue
		}
		// Leaf: close it immediately.
		assign(cur, false)
		for {
			if cur.nextSibling != noID {
				sib := r.versions[cur.nextSibling]
				assign(sib, true)
				cur = sib
				break
			}
			if cur.ID == RootID {
				cur = nil
				break
			}
			parent := r.versions[cur.Parent]
			assign(parent, false)
			cur = parent
		}
	}
}

// Read implements spec §4.1 read(): (da_id, parent_id, size, is_leaf).
func (r *Registry) Read(id uint32) (daID uint32, parent uint32, size uint64, isLeaf bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return 0, 0, 0, false, cerrors.New(cerrors.NotFound, "version %d not found", id)
	}
	return v.DAID, v.Parent, v.Size, v.IsLeaf(), nil
}

// Parent returns id's parent version id, satisfying object.VersionResolver
// so the object engine can walk the ancestor chain on a lookup miss (spec
// §2: "the version registry is consulted ... for ancestor comparisons
// during lookups"). The root is its own parent (invariant V1); callers
// walking upward must stop at RootID themselves.
func (r *Registry) Parent(id uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return 0, cerrors.New(cerrors.NotFound, "version %d not found", id)
	}
	return v.Parent, nil
}

// IsAncestor implements spec §4.1 is_ancestor(): d.o in [a.o, a.r].
func (r *Registry) IsAncestor(a, d uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	va, ok := r.versions[a]
	if !ok || !va.Flags.Inited {
		return false, cerrors.New(cerrors.Invalid, "version %d not inited", a)
	}
	vd, ok := r.versions[d]
	if !ok || !vd.Flags.Inited {
		return false, cerrors.New(cerrors.Invalid, "version %d not inited", d)
	}
	return va.O <= vd.O && vd.O <= va.R, nil
}

// Compare implements spec §4.1 compare(): sign(v1.o - v2.o).
func (r *Registry) Compare(v1, v2 uint32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.versions[v1]
	if !ok || !a.Flags.Inited {
		return 0, cerrors.New(cerrors.Invalid, "version %d not inited", v1)
	}
	b, ok := r.versions[v2]
	if !ok || !b.Flags.Inited {
		return 0, cerrors.New(cerrors.Invalid, "version %d not inited", v2)
	}
	switch {
	case a.O < b.O:
		return -1, nil
	case a.O > b.O:
		return 1, nil
	default:
		return 0, nil
	}
}

// Attach sets the single-writer attached flag (spec §4.1 attach()).
func (r *Registry) Attach(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "version %d not found", id)
	}
	if v.Flags.Attached {
		return cerrors.New(cerrors.Busy, "version %d already attached", id)
	}
	v.Flags.Attached = true
	return nil
}

// Detach clears the attached flag (spec §4.1 detach()).
func (r *Registry) Detach(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "version %d not found", id)
	}
	if !v.Flags.Attached {
		return cerrors.New(cerrors.Busy, "version %d not attached", id)
	}
	v.Flags.Attached = false
	return nil
}

// DeleteSubtree implements spec §4.1 delete_subtree(): peels leaves upward
// from id, destroying each node and emitting a destroy event, then
// recomputes DFS once. Fails with Busy if any node in the subtree is
// attached (V5) before any deletion is performed.
func (r *Registry) DeleteSubtree(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.versions[id]
	if !ok {
		return cerrors.New(cerrors.NotFound, "version %d not found", id)
	}

	order := r.postOrderLocked(root) // deepest leaves first, id itself last
	for _, v := range order {
		if v.Flags.Attached {
			return cerrors.New(cerrors.Busy, "version %d: subtree contains attached version %d", id, v.ID)
		}
	}
	for _, v := range order {
		r.unlinkFromParentLocked(v)
		delete(r.versions, v.ID)
		if r.notifier != nil {
			r.notifier.VersionDestroyed(v.ID)
		}
		r.log.Debugw("version destroyed", "id", v.ID)
	}
	r.renumberLocked()
	return nil
}

// postOrderLocked lists root and every descendant, children before parent.
func (r *Registry) postOrderLocked(root *Version) []*Version {
	var out []*Version
	var walk func(v *Version)
	walk = func(v *Version) {
		for c := v.firstChild; c != noID; {
			child := r.versions[c]
			walk(child)
			c = child.nextSibling
		}
		out = append(out, v)
	}
	walk(root)
	return out
}

func (r *Registry) unlinkFromParentLocked(v *Version) {
	if v.ID == RootID {
		return
	}
	p, ok := r.versions[v.Parent]
	if !ok {
		return
	}
	if p.firstChild == v.ID {
		p.firstChild = v.nextSibling
		return
	}
	cur := r.versions[p.firstChild]
	for cur != nil && cur.nextSibling != v.ID {
		if cur.nextSibling == noID {
			cur = nil
			break
		}
		cur = r.versions[cur.nextSibling]
	}
	if cur != nil {
		cur.nextSibling = v.nextSibling
	}
}

// WriteBack persists every known version to store (spec §4.1 Persistence).
func (r *Registry) WriteBack(store MetadataStore) error {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.versions))
	for _, v := range r.versions {
		entries = append(entries, Entry{ID: v.ID, Parent: v.Parent, Size: v.Size, DAID: v.DAID, IsSnapshot: v.Flags.IsSnapshot})
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.ID == RootID {
			continue
		}
		if err := store.AppendVersion(e); err != nil {
			return cerrors.Wrap(cerrors.IO, err, "writeback version %d", e.ID)
		}
	}
	return nil
}

// List returns a snapshot of every known version, for diagnostics (see
// castle/diag); not part of the spec's core operation set.
func (r *Registry) List() []Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, *v)
	}
	return out
}

// Restore replays persisted tuples read from store, re-running Process().
// last-id is recomputed as the maximum observed id.
func (r *Registry) Restore(store MetadataStore) error {
	entries, err := store.ReadAllVersions()
	if err != nil {
		return cerrors.Wrap(cerrors.IO, err, "restore: read metadata store")
	}
	r.mu.Lock()
	for _, e := range entries {
		if err := r.addLocked(e); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	err = r.processLocked()
	r.mu.Unlock()
	return err
}
