package cowtree

import (
	"encoding/binary"
	"sync"

	"github.com/Jimx-/tagtree/pagecache"
)

// node is one page's worth of the tree: either an inner node (keys +
// child page pointers) or a leaf node (keys + values), per
// cow_tree_node.h's BaseCOWNode/InnerCOWNode/LeafCOWNode split — collapsed
// into a single Go type with a leaf flag rather than a C++-style class
// hierarchy, since Go has no inheritance to mirror it with.
type node[K comparable, V any] struct {
	tree *Tree[K, V]
	pid  pagecache.PageID
	leaf bool
	size int // number of live keys

	keys []K // len == tree.fanout, first `size` meaningful

	// leaf-only
	values []V // len == tree.fanout

	// inner-only
	childPages []pagecache.PageID // len == tree.fanout+1, first size+1 meaningful
	childCache []*node[K, V]      // lazily populated, same length as childPages
	childMu    sync.Mutex

	// isNew is true for a node created (or cloned) within the current
	// transaction and not yet written to disk; such nodes can be mutated
	// in place. A node read from disk is never isNew and must be cloned
	// before any mutation (cow_tree_node.h's `new_node` flag).
	isNew bool
}

func newNode[K comparable, V any](t *Tree[K, V], pid pagecache.PageID, leaf bool, isNew bool) *node[K, V] {
	n := &node[K, V]{tree: t, pid: pid, leaf: leaf, isNew: isNew}
	n.keys = make([]K, t.fanout)
	if leaf {
		n.values = make([]V, t.fanout)
	} else {
		n.childPages = make([]pagecache.PageID, t.fanout+1)
		n.childCache = make([]*node[K, V], t.fanout+1)
	}
	return n
}

// serialize writes the node's body (everything after the 4-byte tag
// written by the caller) into buf: `size(4) || keys || values` for a
// leaf, `size(4) || keys || childPages` for an inner node.
func (n *node[K, V]) serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[:4], uint32(n.size))
	off := 4
	c := n.tree.codec
	for i := 0; i < n.tree.fanout; i++ {
		c.EncodeKey(n.keys[i], buf[off:off+c.KeySize])
		off += c.KeySize
	}
	if n.leaf {
		for i := 0; i < n.tree.fanout; i++ {
			c.EncodeVal(n.values[i], buf[off:off+c.ValueSize])
			off += c.ValueSize
		}
	} else {
		for i := 0; i < n.tree.fanout+1; i++ {
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.childPages[i]))
			off += 4
		}
	}
}

func (n *node[K, V]) deserialize(buf []byte) {
	n.size = int(binary.LittleEndian.Uint32(buf[:4]))
	off := 4
	c := n.tree.codec
	for i := 0; i < n.tree.fanout; i++ {
		n.keys[i] = c.DecodeKey(buf[off : off+c.KeySize])
		off += c.KeySize
	}
	if n.leaf {
		for i := 0; i < n.tree.fanout; i++ {
			n.values[i] = c.DecodeVal(buf[off : off+c.ValueSize])
			off += c.ValueSize
		}
	} else {
		for i := 0; i < n.tree.fanout+1; i++ {
			n.childPages[i] = pagecache.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}
	}
}

// lowerBound returns the index of the first key among the first n.size
// that is not less than key (the first key >= key under tree.codec.Less).
func (n *node[K, V]) lowerBound(key K) int {
	less := n.tree.codec.Less
	lo, hi := 0, n.size
	for lo < hi {
		mid := (lo + hi) / 2
		if less(n.keys[mid], key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the index of the first key among the first n.size
// that is greater than key.
func (n *node[K, V]) upperBound(key K) int {
	less := n.tree.codec.Less
	lo, hi := 0, n.size
	for lo < hi {
		mid := (lo + hi) / 2
		if less(key, n.keys[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (n *node[K, V]) keyEqual(a, b K) bool {
	return !n.tree.codec.Less(a, b) && !n.tree.codec.Less(b, a)
}

// getChild fetches (and caches) the idx'th child of an inner node,
// double-checked under childMu to avoid duplicate loads from concurrent
// readers sharing this snapshot (cow_tree_node.h's get_child).
func (n *node[K, V]) getChild(idx int) (*node[K, V], error) {
	n.childMu.Lock()
	if c := n.childCache[idx]; c != nil {
		n.childMu.Unlock()
		return c, nil
	}
	n.childMu.Unlock()

	child, err := n.tree.readNode(n.childPages[idx])
	if err != nil {
		return nil, err
	}

	n.childMu.Lock()
	if c := n.childCache[idx]; c != nil {
		n.childMu.Unlock()
		return c, nil
	}
	n.childCache[idx] = child
	n.childMu.Unlock()
	return child, nil
}

// clone returns a writable copy of n for the given transaction: nodes
// already new to this transaction are returned unchanged (mutate in
// place), nodes read from a prior version are duplicated onto a fresh
// page (cow_tree_node.h's clone()).
func (n *node[K, V]) clone(txn *Transaction[K, V]) (*node[K, V], error) {
	if n.isNew {
		return n, nil
	}

	c, err := txn.createNode(n.leaf)
	if err != nil {
		return nil, err
	}
	c.size = n.size
	copy(c.keys, n.keys)
	if n.leaf {
		copy(c.values, n.values)
	} else {
		copy(c.childPages, n.childPages)
		copy(c.childCache, n.childCache)
	}
	return c, nil
}

// getValues collects every value under key (collectAll ignores key and
// returns everything in-order, used by a full scan). next/hasNext report
// the smallest key strictly after the returned match run, if any —
// mirroring cow_tree_node.h's get_values(key, collect_all, next_key)
// contract used to stitch leaves together during a range scan, adapted
// into a return value rather than an output parameter.
//
// A leaf has no sibling pointer (COW clones break parent-to-sibling
// links), so it can only answer "next" when the successor key lives in
// its own slots. Each ancestor inner node fills the gap the same way
// cow_tree_node.h's InnerCOWNode::get_values does: before trusting its
// child's answer, it remembers the separator immediately to the right of
// the routed child, and substitutes that separator whenever the child
// came back empty-handed. The deepest node with a right sibling to
// report always wins, since substitution only happens on a miss.
func (n *node[K, V]) getValues(key K, collectAll bool) (keys []K, values []V, next K, hasNext bool, err error) {
	if n.leaf {
		if collectAll {
			for i := 0; i < n.size; i++ {
				keys = append(keys, n.keys[i])
				values = append(values, n.values[i])
			}
			return keys, values, next, false, nil
		}
		lo := n.lowerBound(key)
		i := lo
		for ; i < n.size && n.keyEqual(n.keys[i], key); i++ {
			keys = append(keys, n.keys[i])
			values = append(values, n.values[i])
		}
		// next is the smallest key strictly after this match run (or, if
		// key wasn't present at all, simply the smallest key >= key in
		// this leaf) — the point query an iterator should issue next.
		if i < n.size {
			next = n.keys[i]
			hasNext = true
		}
		return keys, values, next, hasNext, nil
	}

	if !collectAll {
		idx := n.upperBound(key)
		child, err := n.getChild(idx)
		if err != nil {
			return nil, nil, next, false, err
		}
		keys, values, next, hasNext, err = child.getValues(key, false)
		if err != nil {
			return nil, nil, next, false, err
		}
		if !hasNext && idx < n.size {
			next = n.keys[idx]
			hasNext = true
		}
		return keys, values, next, hasNext, nil
	}

	var allKeys []K
	var allValues []V
	for idx := 0; idx <= n.size; idx++ {
		child, err := n.getChild(idx)
		if err != nil {
			return nil, nil, next, false, err
		}
		ks, vs, _, _, err := child.getValues(key, true)
		if err != nil {
			return nil, nil, next, false, err
		}
		allKeys = append(allKeys, ks...)
		allValues = append(allValues, vs...)
	}
	return allKeys, allValues, next, false, nil
}

// insertValue inserts (or, if update, replaces the first match of) key
// into the subtree rooted at n, returning:
//   - newNode: n's replacement in the parent if it had to be cloned (nil
//     if n was already new and mutated in place)
//   - rightSibling: non-nil if n split, the newly created right sibling
//   - splitKey: valid iff rightSibling != nil, the key the parent should
//     route on
//   - updated: for update==true, whether a match was found and replaced
//
// Mirrors cow_tree_node.h's InnerCOWNode::insert_value /
// LeafCOWNode::insert_value.
func (n *node[K, V]) insertValue(txn *Transaction[K, V], key K, value V, update bool) (*node[K, V], *node[K, V], K, bool, error) {
	if n.leaf {
		return n.insertValueLeaf(txn, key, value, update)
	}
	return n.insertValueInner(txn, key, value, update)
}

func (n *node[K, V]) insertValueLeaf(txn *Transaction[K, V], key K, value V, update bool) (*node[K, V], *node[K, V], K, bool, error) {
	var zeroKey K

	if update {
		lo := n.lowerBound(key)
		if lo < n.size && n.keyEqual(n.keys[lo], key) {
			self, err := n.clone(txn)
			if err != nil {
				return nil, nil, zeroKey, false, err
			}
			self.values[lo] = value
			return self, nil, zeroKey, true, nil
		}
		return nil, nil, zeroKey, false, nil
	}

	self, err := n.clone(txn)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}

	pos := self.upperBound(key)
	if self.size < txn.tree.fanout {
		copy(self.keys[pos+1:self.size+1], self.keys[pos:self.size])
		copy(self.values[pos+1:self.size+1], self.values[pos:self.size])
		self.keys[pos] = key
		self.values[pos] = value
		self.size++
		return self, nil, zeroKey, false, nil
	}

	// Full: insert into a temporary fanout+1-wide buffer, then split.
	tmpKeys := make([]K, txn.tree.fanout+1)
	tmpValues := make([]V, txn.tree.fanout+1)
	copy(tmpKeys, self.keys[:pos])
	copy(tmpValues, self.values[:pos])
	tmpKeys[pos] = key
	tmpValues[pos] = value
	copy(tmpKeys[pos+1:], self.keys[pos:])
	copy(tmpValues[pos+1:], self.values[pos:])

	mid := txn.tree.fanout / 2
	splitKey := tmpKeys[mid]

	self.size = mid
	copy(self.keys, tmpKeys[:mid])
	copy(self.values, tmpValues[:mid])

	right, err := txn.createNode(true)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}
	right.size = len(tmpKeys) - mid
	copy(right.keys, tmpKeys[mid:])
	copy(right.values, tmpValues[mid:])

	return self, right, splitKey, false, nil
}

func (n *node[K, V]) insertValueInner(txn *Transaction[K, V], key K, value V, update bool) (*node[K, V], *node[K, V], K, bool, error) {
	var zeroKey K

	idx := n.upperBound(key)
	child, err := n.getChild(idx)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}

	childNew, childRight, childSplitKey, updated, err := child.insertValue(txn, key, value, update)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}
	if update {
		if childNew == nil {
			return nil, nil, zeroKey, updated, nil
		}
		self, err := n.clone(txn)
		if err != nil {
			return nil, nil, zeroKey, false, err
		}
		self.childCache[idx] = childNew
		self.childPages[idx] = childNew.pid
		return self, nil, zeroKey, updated, nil
	}

	self, err := n.clone(txn)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}
	self.childCache[idx] = childNew
	self.childPages[idx] = childNew.pid

	if childRight == nil {
		return self, nil, zeroKey, false, nil
	}

	// Child split: insert (splitKey, rightSiblingPage) at idx+1.
	if self.size < txn.tree.fanout {
		copy(self.keys[idx+1:self.size+1], self.keys[idx:self.size])
		copy(self.childPages[idx+2:self.size+2], self.childPages[idx+1:self.size+1])
		copy(self.childCache[idx+2:self.size+2], self.childCache[idx+1:self.size+1])
		self.keys[idx] = childSplitKey
		self.childPages[idx+1] = childRight.pid
		self.childCache[idx+1] = childRight
		self.size++
		return self, nil, zeroKey, false, nil
	}

	// Full: build a temporary fanout+1 key / fanout+2 child buffer, split.
	tmpKeys := make([]K, txn.tree.fanout+1)
	tmpChildren := make([]pagecache.PageID, txn.tree.fanout+2)
	tmpCache := make([]*node[K, V], txn.tree.fanout+2)

	copy(tmpKeys, self.keys[:idx])
	copy(tmpChildren, self.childPages[:idx+1])
	copy(tmpCache, self.childCache[:idx+1])

	tmpKeys[idx] = childSplitKey
	tmpChildren[idx+1] = childRight.pid
	tmpCache[idx+1] = childRight

	copy(tmpKeys[idx+1:], self.keys[idx:self.size])
	copy(tmpChildren[idx+2:], self.childPages[idx+1:self.size+1])
	copy(tmpCache[idx+2:], self.childCache[idx+1:self.size+1])

	mid := txn.tree.fanout / 2
	splitKey := tmpKeys[mid]

	self.size = mid
	copy(self.keys, tmpKeys[:mid])
	copy(self.childPages, tmpChildren[:mid+1])
	copy(self.childCache, tmpCache[:mid+1])

	right, err := txn.createNode(false)
	if err != nil {
		return nil, nil, zeroKey, false, err
	}
	right.size = len(tmpKeys) - mid - 1
	copy(right.keys, tmpKeys[mid+1:])
	copy(right.childPages, tmpChildren[mid+1:])
	copy(right.childCache, tmpCache[mid+1:])

	return self, right, splitKey, false, nil
}
