// Package cowtree implements component D: a multi-versioned, page-backed
// copy-on-write B+tree. Inserts/updates clone every node on the path from
// the root (path copy-on-write) and publish a new root under a new
// version; readers hold a snapshot root and are never blocked by, or
// exposed to, an in-flight write. Grounded on
// original_source/include/tagtree/tree/cow_tree.h and cow_tree_node.h,
// which this package follows closely since no Go example repo in the
// retrieval pack implements a multi-versioned COW tree (the closest analog,
// go.etcd.io/bbolt, single-versions its tree and is used elsewhere in this
// module for the series store's embedded backend, not here, precisely
// because this component needs bit-exact pages and multiple live
// versions bbolt does not expose).
package cowtree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/Jimx-/tagtree/pagecache"
)

// Version identifies one committed generation of the tree. LatestVersion
// (0) always means "whatever is newest when asked".
type Version uint32

const LatestVersion Version = 0

const (
	innerTag uint32 = 1
	leafTag  uint32 = 2
)

const metaMagic uint32 = 0x00c0ffee

// ErrTransactionAborted is returned by Commit when another writer
// committed since the transaction's snapshot was taken (spec.md §4.D).
// The caller (compaction) is expected to retry by re-snapshotting.
var ErrTransactionAborted = fmt.Errorf("cowtree: transaction aborted")

// ErrCorrupt marks an unreadable meta page or node.
var ErrCorrupt = fmt.Errorf("cowtree: corrupt index")

// Codec tells the tree how to compare, serialize and deserialize fixed-
// width keys and values. KeySize/ValueSize are in bytes; a node's encoded
// form must fit one page for the configured Fanout.
type Codec[K comparable, V any] struct {
	Less      func(a, b K) bool
	KeySize   int
	ValueSize int
	EncodeKey func(K, []byte)
	DecodeKey func([]byte) K
	EncodeVal func(V, []byte)
	DecodeVal func([]byte) V
}

// Tree is a generic multi-versioned COW B+tree over a page cache.
type Tree[K comparable, V any] struct {
	pc     *pagecache.Cache
	fanout int
	codec  Codec[K, V]

	latestVersion atomic.Uint32

	rootMu  sync.RWMutex
	rootMap map[Version]*node[K, V]

	metaMu    sync.Mutex
	metaIndex int // which of the two meta slots holds the newest commit
}

// Open loads an existing tree from the page cache's meta page, or
// initializes a fresh one (an empty leaf root at version 1) if the meta
// page has never been written. fanout must be chosen so a full node
// (header + fanout keys + fanout+1 page IDs, or fanout keys + fanout
// values) fits in one page.
func Open[K comparable, V any](pc *pagecache.Cache, fanout int, codec Codec[K, V]) (*Tree[K, V], error) {
	t := &Tree[K, V]{pc: pc, fanout: fanout, codec: codec, rootMap: make(map[Version]*node[K, V])}

	ok, err := t.readMetadata()
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}

	// Fresh tree: NewPage never hands out page 0 (the reserved meta page,
	// reached through FetchPage(MetaPageID)); this first allocation gets
	// page 1, grows the heap file past page 0, and is discarded.
	metaPage, metaGuard, err := pc.NewPage()
	if err != nil {
		return nil, err
	}
	pc.Unpin(metaPage, true, metaGuard)

	t.latestVersion.Store(1)
	root, err := t.createNode(true)
	if err != nil {
		return nil, err
	}
	root.isNew = false
	if err := t.writeNode(root); err != nil {
		return nil, err
	}
	t.rootMap[1] = root
	t.metaIndex = 0
	if err := t.writeMetadata(1, root.pid); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree[K, V]) createNode(leaf bool) (*node[K, V], error) {
	p, g, err := t.pc.NewPage()
	if err != nil {
		return nil, err
	}
	n := newNode[K, V](t, p.ID(), leaf, true)
	t.pc.Unpin(p, false, g)
	return n, nil
}

// metadataSize is the size, in bytes, of one (version, rootPID) slot
// before its trailing CRC32.
const metadataSize = 4 + 4

// readMetadata loads the meta page (page 0): `magic(4) || slotA{version(4)
// || rootPID(4) || CRC32(4)} || slotB{...}`. The valid slot with the
// highest version wins; a slot with a bad CRC is silently skipped (spec.md §7:
// "a single-bit checkpoint slot failing CRC when the other slot is
// valid" is swallowed, mirrored here for the tree's own double-write).
func (t *Tree[K, V]) readMetadata() (bool, error) {
	p, g, err := t.pc.FetchPage(pagecache.MetaPageID)
	if err != nil {
		return false, err
	}
	defer t.pc.Unpin(p, false, g)

	buf := p.Data()
	magic := binary.LittleEndian.Uint32(buf[:4])
	if magic != metaMagic {
		return false, nil
	}

	var bestVersion Version
	found := false
	off := 4
	for i := 0; i < 2; i++ {
		slot := buf[off : off+metadataSize+4]
		crc := crc32.ChecksumIEEE(slot[:metadataSize])
		crcRead := binary.LittleEndian.Uint32(slot[metadataSize:])
		off += metadataSize + 4

		if crc != crcRead {
			continue
		}
		version := Version(binary.LittleEndian.Uint32(slot[0:4]))
		rootPID := pagecache.PageID(binary.LittleEndian.Uint32(slot[4:8]))

		root, err := t.readNode(rootPID)
		if err != nil {
			return false, err
		}
		t.rootMap[version] = root
		if !found || version > bestVersion {
			bestVersion = version
			found = true
			t.metaIndex = 1 - i
		}
	}

	if found {
		t.latestVersion.Store(uint32(bestVersion))
	}
	return found, nil
}

// writeMetadata writes (version, rootPID) into the alternate meta slot and
// flips metaIndex, implementing the double-write torn-write resistance
// spec.md §4.D requires.
func (t *Tree[K, V]) writeMetadata(version Version, rootPID pagecache.PageID) error {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	p, g, err := t.pc.FetchPage(pagecache.MetaPageID)
	if err != nil {
		return err
	}
	if err := g.Upgrade(); err != nil {
		t.pc.Unpin(p, false, g)
		return err
	}

	buf := p.Data()
	if binary.LittleEndian.Uint32(buf[:4]) != metaMagic {
		binary.LittleEndian.PutUint32(buf[:4], metaMagic)
	}

	off := 4 + t.metaIndex*(metadataSize+4)
	slot := buf[off : off+metadataSize+4]
	binary.LittleEndian.PutUint32(slot[0:4], uint32(version))
	binary.LittleEndian.PutUint32(slot[4:8], uint32(rootPID))
	crc := crc32.ChecksumIEEE(slot[:metadataSize])
	binary.LittleEndian.PutUint32(slot[metadataSize:], crc)

	t.metaIndex = 1 - t.metaIndex

	t.pc.Unpin(p, true, g)
	return nil
}

// readNode fetches and deserializes the node stored at pid.
func (t *Tree[K, V]) readNode(pid pagecache.PageID) (*node[K, V], error) {
	p, g, err := t.pc.FetchPage(pid)
	if err != nil {
		return nil, err
	}
	defer t.pc.Unpin(p, false, g)

	buf := p.Data()
	tag := binary.LittleEndian.Uint32(buf[:4])

	var n *node[K, V]
	switch tag {
	case leafTag:
		n = newNode[K, V](t, pid, true, false)
	case innerTag:
		n = newNode[K, V](t, pid, false, false)
	default:
		return nil, fmt.Errorf("%w: unknown node tag %d at page %d", ErrCorrupt, tag, pid)
	}
	n.deserialize(buf[4:])
	return n, nil
}

// writeNode serializes and persists n at its already-allocated page ID.
func (t *Tree[K, V]) writeNode(n *node[K, V]) error {
	p, g, err := t.pc.FetchPage(n.pid)
	if err != nil {
		return err
	}
	if err := g.Upgrade(); err != nil {
		t.pc.Unpin(p, false, g)
		return err
	}
	buf := p.Data()
	if n.leaf {
		binary.LittleEndian.PutUint32(buf[:4], leafTag)
	} else {
		binary.LittleEndian.PutUint32(buf[:4], innerTag)
	}
	n.serialize(buf[4:])
	t.pc.Unpin(p, true, g)
	return nil
}

func (t *Tree[K, V]) getReadRoot(version Version) (*node[K, V], Version) {
	if version == LatestVersion {
		version = Version(t.latestVersion.Load())
	}
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootMap[version], version
}

// GetValues returns every value stored under key in the given (or latest)
// version's snapshot, in insertion order (duplicates are possible when a
// hash-collision on the tree key occurs — see indextree's comment on why
// keys may legitimately collide).
func (t *Tree[K, V]) GetValues(key K, version Version) []V {
	root, _ := t.getReadRoot(version)
	if root == nil {
		return nil
	}
	_, values, _, _, _ := root.getValues(key, false)
	return values
}

// Iterator walks a snapshot's entries in ascending key order, one distinct
// key's run of (possibly duplicate) values at a time. Because COW clones
// break parent-to-sibling links, there is no leaf chain to walk directly;
// instead each step re-descends from the snapshot root using the key
// reported by the previous step's getValues call, mirroring cow_tree.h's
// iterator::get_next_batch.
type Iterator[K comparable, V any] struct {
	root    *node[K, V]
	next    K
	hasNext bool
	done    bool
}

// Begin returns an iterator over version's snapshot starting at the first
// key >= startKey.
func (t *Tree[K, V]) Begin(startKey K, version Version) *Iterator[K, V] {
	root, _ := t.getReadRoot(version)
	if root == nil {
		return &Iterator[K, V]{done: true}
	}
	return &Iterator[K, V]{root: root, next: startKey, hasNext: true}
}

// Next advances to the next distinct key with at least one value, reports
// it and its values, or reports ok=false once the snapshot is exhausted.
func (it *Iterator[K, V]) Next() (key K, values []V, ok bool) {
	for !it.done && it.hasNext {
		cur := it.next
		_, vals, following, hasFollowing, _ := it.root.getValues(cur, false)
		it.hasNext = hasFollowing
		it.next = following

		if len(vals) > 0 {
			return cur, vals, true
		}
		if !hasFollowing {
			it.done = true
			return key, nil, false
		}
	}
	it.done = true
	var zero K
	return zero, nil, false
}

// Transaction carries the in-flight set of newly created nodes and the new
// root across a sequence of Insert/Update calls, to be published together
// by Commit.
type Transaction[K comparable, V any] struct {
	tree       *Tree[K, V]
	oldVersion Version
	newRoot    *node[K, V]
	newNodes   []*node[K, V]
}

// GetWriteTree snapshots the current root and version into a new
// Transaction (spec.md §4.D step 1).
func (t *Tree[K, V]) GetWriteTree() *Transaction[K, V] {
	version := Version(t.latestVersion.Load())
	t.rootMu.RLock()
	root := t.rootMap[version]
	t.rootMu.RUnlock()

	return &Transaction[K, V]{tree: t, oldVersion: version, newRoot: root}
}

func (txn *Transaction[K, V]) createNode(leaf bool) (*node[K, V], error) {
	n, err := txn.tree.createNode(leaf)
	if err != nil {
		return nil, err
	}
	txn.newNodes = append(txn.newNodes, n)
	return n, nil
}

// Insert adds (key, value) as a new entry, allowing duplicate keys
// (spec.md §3: "the COW B+tree... carrying one value per duplicate key
// (duplicates allowed)"). Insert order among equal keys is preserved
// (spec.md §4.D: "equal keys sort by insertion order within a leaf
// (stable upper-bound insertion)").
func (txn *Transaction[K, V]) Insert(key K, value V) error {
	root := txn.newRoot

	newNode, rightSibling, splitKey, _, err := root.insertValue(txn, key, value, false)
	if err != nil {
		return err
	}
	if newNode != nil {
		root = newNode
	}

	if rightSibling != nil {
		newRoot, err := txn.createNode(false)
		if err != nil {
			return err
		}
		newRoot.size = 1
		newRoot.keys[0] = splitKey
		newRoot.childPages[0] = root.pid
		newRoot.childPages[1] = rightSibling.pid
		newRoot.childCache[0] = root
		newRoot.childCache[1] = rightSibling
		root = newRoot
	}

	txn.newRoot = root
	return nil
}

// Update replaces the value of the first entry matching key, reporting
// whether a match was found. It never inserts, and never splits.
func (txn *Transaction[K, V]) Update(key K, value V) (bool, error) {
	root := txn.newRoot

	newNode, _, _, updated, err := root.insertValue(txn, key, value, true)
	if err != nil {
		return false, err
	}
	if newNode != nil {
		txn.newRoot = newNode
	}
	return updated, nil
}

// Commit publishes the transaction's new root as the next version, unless
// another writer has committed since GetWriteTree was called, in which
// case it returns ErrTransactionAborted and the caller must retry by
// re-snapshotting (spec.md §4.D step 3, §4.E "Failure semantics").
func (t *Tree[K, V]) Commit(txn *Transaction[K, V]) (Version, error) {
	if len(txn.newNodes) == 0 {
		return Version(t.latestVersion.Load()), nil
	}

	if txn.oldVersion != Version(t.latestVersion.Load()) {
		return 0, ErrTransactionAborted
	}

	for _, n := range txn.newNodes {
		if err := t.writeNode(n); err != nil {
			return 0, err
		}
		n.isNew = false
	}
	txn.newNodes = nil

	newVersion := txn.oldVersion + 1
	t.rootMu.Lock()
	t.rootMap[newVersion] = txn.newRoot
	t.rootMu.Unlock()

	if err := t.writeMetadata(newVersion, txn.newRoot.pid); err != nil {
		return 0, err
	}

	t.latestVersion.Store(uint32(newVersion))
	txn.newRoot = nil
	txn.oldVersion = 0

	return newVersion, nil
}

// ReleaseVersion drops a version's root from the root map unless it is the
// latest version. It keeps no iterator reference counts and does not wait
// for iterators. Root nodes stay reachable independent of this map: an Iterator captures
// its root pointer directly in Begin and never looks it up again, so
// dropping a version here only stops rootMap from retaining it — it
// never invalidates an iterator already walking it. indextree.WriteSnapshot
// calls this on the version its commit superseded immediately after a
// successful Commit, which is safe because it always reads via
// LatestVersion rather than pinning an older one.
func (t *Tree[K, V]) ReleaseVersion(version Version) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	if version != Version(t.latestVersion.Load()) {
		delete(t.rootMap, version)
	}
}
