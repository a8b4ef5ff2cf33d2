package indextree

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/Jimx-/tagtree/cowtree"
	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/label"
	"github.com/Jimx-/tagtree/pagecache"
	"github.com/Jimx-/tagtree/symtab"
)

// fanout is the COW tree's node fanout, chosen (see DESIGN.md) so a full
// leaf or inner node fits comfortably inside one page at KeySize=24.
const fanout = 128

// ErrCorrupt is returned for an unreadable page tag; fatal to both query
// and compaction, per spec.md §4.E's failure semantics.
var ErrCorrupt = fmt.Errorf("indextree: corrupt index")

// Tree is the label-postings index over a copy-on-write B+tree.
type Tree struct {
	pc              *pagecache.Cache
	tree            *cowtree.Tree[Key, pagecache.PageID]
	sym             *symtab.Table
	postingsPerPage uint64
	bitmapOnly      bool
}

// Open loads or initializes the index tree over pc, interning strings
// through sym. bitmapOnly disables the SORTED_LIST write path (spec.md
// §4.H's `bitmap_only` config option).
func Open(pc *pagecache.Cache, sym *symtab.Table, bitmapOnly bool) (*Tree, error) {
	codec := cowtree.Codec[Key, pagecache.PageID]{
		Less:      Less,
		KeySize:   KeySize,
		ValueSize: 4,
		EncodeKey: encodeKey,
		DecodeKey: decodeKey,
		EncodeVal: func(v pagecache.PageID, buf []byte) { binary.BigEndian.PutUint32(buf, uint32(v)) },
		DecodeVal: func(buf []byte) pagecache.PageID { return pagecache.PageID(binary.BigEndian.Uint32(buf)) },
	}
	t, err := cowtree.Open(pc, fanout, codec)
	if err != nil {
		return nil, fmt.Errorf("indextree: open: %w", err)
	}
	return &Tree{
		pc:              pc,
		tree:            t,
		sym:             sym,
		postingsPerPage: uint64((pc.PageSize() - headerSize) * 8),
		bitmapOnly:      bitmapOnly,
	}, nil
}

// PostingsPerPage returns the number of TSIDs covered by one bitmap
// posting page, i.e. the segment width.
func (t *Tree) PostingsPerPage() uint64 { return t.postingsPerPage }

func (t *Tree) fetchPage(pid pagecache.PageID) ([]byte, func(), error) {
	p, g, err := t.pc.FetchPage(pid)
	if err != nil {
		return nil, nil, err
	}
	return p.Data(), func() { t.pc.Unpin(p, false, g) }, nil
}

// LabeledPostings is one value's contribution to a name's compaction
// snapshot: its posting bitmap and the timestamp range it covers. Produced
// by memindex.Snapshot and handed to WriteSnapshot by the compaction loop
// (component H).
type LabeledPostings struct {
	Value  string
	Bitmap *bitmap.Postings
	MinTS  uint64
	MaxTS  uint64
}

// NameSnapshot bundles one label name's full set of value postings for one
// compaction round.
type NameSnapshot struct {
	Name     string
	Postings []LabeledPostings
}

type treeEntry struct {
	key    Key
	pageID pagecache.PageID
	update bool
}

// WriteSnapshot persists one name's compaction snapshot into the tree,
// choosing the bitmap or sorted-list layout per spec.md §4.E's cost
// estimate, then committing a single tree transaction (retried on
// ErrTransactionAborted, since concurrent compactors are not expected at
// steady state but a retry is cheap insurance against the
// narrow race the spec's failure semantics call out).
func (t *Tree) WriteSnapshot(ns NameSnapshot, limit uint64) error {
	if len(ns.Postings) == 0 {
		return nil
	}

	useSortedList := !t.bitmapOnly && t.chooseSortedList(ns)

	var entries []treeEntry
	var err error
	if useSortedList {
		entries, err = t.buildSortedListEntries(ns, limit)
	} else {
		entries, err = t.buildBitmapEntries(ns, limit)
	}
	if err != nil {
		return err
	}

	// Flush the posting pages to disk before the tree commit publishes any
	// node referencing them, per spec.md §4.E's write path: "Page cache
	// flushed before tree commit so torn posting pages are never referenced
	// by a published root." Without this a crash between the tree commit
	// and the next unrelated flush could publish a root pointing at posting
	// pages that never made it past the OS page cache.
	if err := t.pc.FlushAll(); err != nil {
		return err
	}

	for {
		txn := t.tree.GetWriteTree()
		for _, e := range entries {
			if e.update {
				updated, err := txn.Update(e.key, e.pageID)
				if err != nil {
					return err
				}
				if !updated {
					return fmt.Errorf("indextree: write snapshot: update target key vanished for %q", ns.Name)
				}
			} else if err := txn.Insert(e.key, e.pageID); err != nil {
				return err
			}
		}
		newVersion, err := t.tree.Commit(txn)
		if err == cowtree.ErrTransactionAborted {
			continue
		}
		if err == nil && newVersion > 0 {
			// The version this commit was built on can never be read
			// again: every reader resolves cowtree.LatestVersion, and an
			// iterator already in flight holds its root node directly
			// rather than re-fetching it from the version map.
			t.tree.ReleaseVersion(newVersion - 1)
		}
		return err
	}
}

// chooseSortedList implements spec.md §4.E's per-name layout cost
// estimate: bitmap cost is one page per distinct value, sorted-list cost
// is the total posting count's (valueRef,tsid) tuples rounded up to a page
// boundary; ties go to SORTED_LIST.
func (t *Tree) chooseSortedList(ns NameSnapshot) bool {
	pageSize := t.pc.PageSize()
	bitmapCost := len(ns.Postings) * pageSize

	var totalPostings uint64
	for _, lp := range ns.Postings {
		totalPostings += lp.Bitmap.Cardinality()
	}
	entryBytes := int(totalPostings) * sortedListEntrySize
	sortedCost := roundUp(entryBytes, pageSize)

	return sortedCost <= bitmapCost
}

func roundUp(n, size int) int {
	if n%size == 0 {
		return n
	}
	return (n/size + 1) * size
}

// buildBitmapEntries implements the bitmap layout's write path: for each
// value, partition its posting bitmap by segment and write (or clone-and-
// update) one page per segment-contiguous run.
func (t *Tree) buildBitmapEntries(ns NameSnapshot, limit uint64) ([]treeEntry, error) {
	nameRef := t.sym.AddSymbol(ns.Name)
	var entries []treeEntry

	for _, lp := range ns.Postings {
		valueRef := t.sym.AddSymbol(lp.Value)
		maxTS := lp.MaxTS

		var writeErr error
		lp.Bitmap.ForEachSegment(t.postingsPerPage, func(seg uint64, tsids []uint64) {
			if writeErr != nil {
				return
			}
			entry, err := t.writePostingPage(nameRef, valueRef, ns.Name, lp.Value, uint32(seg), tsids, limit, maxTS)
			if err != nil {
				writeErr = err
				return
			}
			entries = append(entries, entry)
		})
		if writeErr != nil {
			return nil, writeErr
		}
	}
	return entries, nil
}

// writePostingPage writes one segment's bitmap page, cloning and OR-ing
// into any page already published under this compaction round's exact key
// (same name, value, limit and segment) and updating that key; otherwise
// the page is inserted under a new key. Pages keyed under an earlier
// round's limit are not merged.
func (t *Tree) writePostingPage(nameRef, valueRef symtab.Ref, name, value string, seg uint32, tsids []uint64, limit, maxTS uint64) (treeEntry, error) {
	key := MakeKey(name, value, limit, seg, false)

	existing := t.tree.GetValues(key, cowtree.LatestVersion)

	newBitmap := bitmap.New()
	for _, id := range tsids {
		newBitmap.Add(id)
	}

	update := false
	if len(existing) > 0 {
		if ok, err := t.pageMatchesNameValue(existing[0], nameRef, valueRef); err == nil && ok {
			data, release, err := t.fetchPage(existing[0])
			if err != nil {
				return treeEntry{}, err
			}
			old := decodeBitmapPage(data, t.postingsPerPage, uint64(seg))
			release()
			newBitmap.Or(old)
			update = true
		}
	}
	newBitmap.RunOptimize()

	pid, err := t.allocatePage(func(buf []byte) error {
		writePageHeader(buf, nameRef, valueRef, maxTS, false)
		return encodeBitmapPage(buf, t.postingsPerPage, uint64(seg), newBitmap)
	})
	if err != nil {
		return treeEntry{}, err
	}

	return treeEntry{key: key, pageID: pid, update: update}, nil
}

func (t *Tree) pageMatchesNameValue(pid pagecache.PageID, nameRef, valueRef symtab.Ref) (bool, error) {
	data, release, err := t.fetchPage(pid)
	if err != nil {
		return false, err
	}
	defer release()
	gotName, gotValue, _ := readPageHeader(data)
	return gotName == nameRef && gotValue == valueRef, nil
}

func (t *Tree) allocatePage(fill func(buf []byte) error) (pagecache.PageID, error) {
	p, g, err := t.pc.NewPage()
	if err != nil {
		return 0, err
	}
	if err := fill(p.Data()); err != nil {
		t.pc.Unpin(p, false, g)
		return 0, err
	}
	id := p.ID()
	t.pc.Unpin(p, true, g)
	return id, nil
}

// buildSortedListEntries implements the sorted-list layout's write path:
// values are ordered by min_timestamp ascending, and their (valueRef,
// tsid) entries are appended into the newest existing sorted-list page for
// this name (or a fresh one), rolling over to a new page — with the
// segment counter incrementing — whenever the current page fills.
func (t *Tree) buildSortedListEntries(ns NameSnapshot, limit uint64) ([]treeEntry, error) {
	sorted := append([]LabeledPostings(nil), ns.Postings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinTS < sorted[j].MinTS })

	nameRef := t.sym.AddSymbol(ns.Name)
	capacity := sortedListCapacity(t.pc.PageSize())

	curSeg, curKey, curItems, curUpdate, err := t.newestSortedListPage(ns.Name, limit)
	if err != nil {
		return nil, err
	}

	maxTS := uint64(0)
	var pending []treeEntry
	flushPending := func(items []sortedListItem, key Key, update bool) error {
		// Items accumulate in min_timestamp order (across rounds, and
		// across a continued page's prior contents), not the (valueRef,
		// tsid) order the on-disk format promises and scanPostingPage's
		// EQ binary search relies on — sort before writing.
		sort.Slice(items, func(i, j int) bool {
			if items[i].ValueRef != items[j].ValueRef {
				return items[i].ValueRef < items[j].ValueRef
			}
			return items[i].TSID < items[j].TSID
		})
		pid, err := t.allocatePage(func(buf []byte) error {
			writePageHeader(buf, nameRef, 0, maxTS, true)
			return encodeSortedListPage(buf, items)
		})
		if err != nil {
			return err
		}
		pending = append(pending, treeEntry{key: key, pageID: pid, update: update})
		return nil
	}

	for _, lp := range sorted {
		valueRef := t.sym.AddSymbol(lp.Value)
		if lp.MaxTS > maxTS {
			maxTS = lp.MaxTS
		}
		it := lp.Bitmap.Iterator()
		for it.HasNext() {
			tsid := it.Next()
			if len(curItems) >= capacity {
				if err := flushPending(curItems, curKey, curUpdate); err != nil {
					return nil, err
				}
				curSeg++
				// A fresh rollover page was never found in the tree, so it
				// is always an insert under this round's watermark.
				curKey = MakeKey(ns.Name, "", limit, curSeg, true)
				curItems = nil
				curUpdate = false
			}
			curItems = append(curItems, sortedListItem{ValueRef: valueRef, TSID: tsid})
		}
	}
	if len(curItems) > 0 {
		if err := flushPending(curItems, curKey, curUpdate); err != nil {
			return nil, err
		}
	}

	return pending, nil
}

// newestSortedListPage finds the highest-segment sorted-list page already
// published for name, decoding its items so buildSortedListEntries can
// keep appending to it (under its own existing key, so the append becomes
// a true in-place Update) rather than always starting a fresh page. When no
// continuable page exists (none found, or the newest one is full), the
// returned key is freshly built under the current compaction round's limit,
// since it will necessarily be an Insert rather than an Update.
func (t *Tree) newestSortedListPage(name string, limit uint64) (seg uint32, key Key, items []sortedListItem, update bool, err error) {
	startKey := MakeKey(name, "", 0, math.MaxUint32, true)
	it := t.tree.Begin(startKey, cowtree.LatestVersion)
	var k Key
	var values []pagecache.PageID
	found := false
	for {
		ck, cv, ok := it.Next()
		if !ok || !sameNameValue(ck, startKey) || !ck.IsSortedList() {
			break
		}
		if !found || ck.Segment() > k.Segment() {
			k, values, found = ck, cv, true
		}
	}
	if !found {
		return 0, MakeKey(name, "", limit, 0, true), nil, false, nil
	}

	pid := values[0]
	data, release, err := t.fetchPage(pid)
	if err != nil {
		return 0, MakeKey(name, "", limit, 0, true), nil, false, err
	}
	defer release()

	capacity := sortedListCapacity(t.pc.PageSize())
	decoded := decodeSortedListPage(data)
	if len(decoded) >= capacity {
		seg := k.Segment() + 1
		return seg, MakeKey(name, "", limit, seg, true), nil, false, nil
	}
	items = append(items, decoded...)
	return k.Segment(), k, items, true, nil
}

// ResolveLabelMatchers evaluates matchers (already ANDed together) over the
// [start,end) timestamp window, returning the set of matching TSIDs. Per
// spec.md §4.E's query path: each matcher contributes a set of per-segment
// bitmap buffers; buffers are folded by intersecting across matchers
// (dropping any segment missing from any matcher's result), and the
// surviving buffers are unioned into the result.
func (t *Tree) ResolveLabelMatchers(matchers []*label.Matcher, start, end uint64) (*bitmap.Postings, error) {
	if len(matchers) == 0 {
		return bitmap.New(), nil
	}

	perMatcherSegs := make([]map[uint64]*bitmap.Postings, len(matchers))
	for i, m := range matchers {
		segs, err := t.matchPostings(m, start, end)
		if err != nil {
			return nil, err
		}
		perMatcherSegs[i] = segs
	}

	result := bitmap.New()
	for seg, bm := range perMatcherSegs[0] {
		folded := bm.Clone()
		missing := false
		for i := 1; i < len(perMatcherSegs); i++ {
			other, ok := perMatcherSegs[i][seg]
			if !ok {
				missing = true
				break
			}
			folded.And(other)
		}
		if !missing {
			result.Or(folded)
		}
	}
	return result, nil
}

// matchPostings scans the tree for one matcher per spec.md §4.E's per-op
// start-key/end-condition table, returning per-segment bitmap buffers.
func (t *Tree) matchPostings(m *label.Matcher, start, end uint64) (map[uint64]*bitmap.Postings, error) {
	result := make(map[uint64]*bitmap.Postings)

	scan := func(startKey Key, stop func(k Key) bool) error {
		it := t.tree.Begin(startKey, cowtree.LatestVersion)
		for {
			k, values, ok := it.Next()
			if !ok {
				break
			}
			if stop(k) {
				break
			}
			for _, pid := range values {
				if err := t.scanPostingPage(pid, uint64(k.Segment()), k.EndTs(), m, start, end, result); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if m.Op == label.EQ {
		valueKey := MakeKey(m.Name, m.Value, 0, math.MaxUint32, false)
		if err := scan(valueKey, func(k Key) bool { return !sameNameValue(k, valueKey) }); err != nil {
			return nil, err
		}
		// buildSortedListEntries keys every SORTED_LIST page for this name
		// under an empty value, a different valueHashPrefix bucket the EQ
		// scan above never reaches; walk it separately and let
		// scanPostingPage's per-item EQ filter pick the actual match out.
		listKey := MakeKey(m.Name, "", 0, math.MaxUint32, true)
		if err := scan(listKey, func(k Key) bool { return !sameNameValue(k, listKey) }); err != nil {
			return nil, err
		}
		return result, nil
	}

	// valueHashPrefix only preserves a raw literal prefix over its first
	// ValueBytes-2 bytes before falling back to a hash suffix, so it is
	// not a safe lexicographic pruning key for GT/GTE beyond that prefix:
	// scan the whole name range and let the per-page filter below select
	// the true matches. This also naturally reaches SORTED_LIST pages,
	// which sort first in the name's range under their empty-value key.
	nameKey := MakeKey(m.Name, "", 0, math.MaxUint32, false)
	if err := scan(nameKey, func(k Key) bool { return k.NameHash() != nameKey.NameHash() }); err != nil {
		return nil, err
	}
	return result, nil
}

// scanPostingPage decodes the page at pid, applies the per-op label filter
// from its header's interned (name,value), and folds matching TSIDs into
// result keyed by segment. A page is skipped entirely when its round
// falls outside [start,end): endTs (this round's newest posting) must be
// at least start, and keyTs (the key's own endTs field, the round's
// watermark) must be strictly less than end. A sorted-list page continued
// by a later round keeps the key of the round that created it, so every
// posting on it is judged by that first round's watermark.
func (t *Tree) scanPostingPage(pid pagecache.PageID, seg uint64, keyTs uint64, m *label.Matcher, start, end uint64, result map[uint64]*bitmap.Postings) error {
	data, release, err := t.fetchPage(pid)
	if err != nil {
		return err
	}
	defer release()

	nameRef, valueRef, endTsWord := readPageHeader(data)
	endTs := endTsWord &^ sortedListFlag
	sortedList := endTsWord&sortedListFlag != 0

	if endTs < start || keyTs >= end {
		return nil
	}

	_, err = t.sym.GetSymbol(nameRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if sortedList {
		// A sorted-list page has no single page-level value (its header
		// valueRef is always 0); each item carries its own ValueRef, so the
		// matcher is applied per item rather than once for the whole page.
		items := decodeSortedListPage(data)
		addItem := func(it sortedListItem) {
			seg := it.TSID / t.postingsPerPage
			bm := result[seg]
			if bm == nil {
				bm = bitmap.New()
				result[seg] = bm
			}
			bm.Add(it.TSID)
		}

		if m.Op == label.EQ {
			// Items are sorted by (ValueRef, TSID), so an EQ match is a
			// contiguous run located by binary search rather than a full
			// per-item symbol lookup.
			ref, ok := t.sym.LookupSymbol(m.Value)
			if !ok {
				return nil
			}
			for i := bitmapSearchValueRef(items, ref); i < len(items) && items[i].ValueRef == ref; i++ {
				addItem(items[i])
			}
			return nil
		}

		matched := make(map[symtab.Ref]bool)
		for _, it := range items {
			ok, cached := matched[it.ValueRef]
			if !cached {
				v, err := t.sym.GetSymbol(it.ValueRef)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrCorrupt, err)
				}
				ok = m.Matches(v)
				matched[it.ValueRef] = ok
			}
			if !ok {
				continue
			}
			addItem(it)
		}
		return nil
	}

	value, err := t.sym.GetSymbol(valueRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !m.Matches(value) {
		return nil
	}

	bm := decodeBitmapPage(data, t.postingsPerPage, seg)
	if bm.IsEmpty() {
		return nil
	}
	dst := result[seg]
	if dst == nil {
		dst = bitmap.New()
		result[seg] = dst
	}
	dst.Or(bm)
	return nil
}

// LabelValues returns every distinct value seen for name, by forward-
// scanning BITMAP-type pages with a matching nameHash until it increments
// and reading each page header's single value, per spec.md §4.E
// ("label_values(name): forward scan of bitmap-type pages... emits the
// value strings read from headers"). SORTED_LIST pages carry no per-page
// value in their header (see the write path's Open Question note) and are
// skipped, matching scenario 4's boundary behavior: a name written entirely
// in SORTED_LIST layout is invisible to this scan. Component H unions this
// result with the mem index's values, which covers such a name only while
// its postings have not yet been garbage-collected from the mem index.
func (t *Tree) LabelValues(name string) ([]string, error) {
	startKey := MakeKey(name, "", 0, math.MaxUint32, false)
	it := t.tree.Begin(startKey, cowtree.LatestVersion)

	seen := make(map[string]bool)
	var values []string

	for {
		k, pages, ok := it.Next()
		if !ok || k.NameHash() != startKey.NameHash() {
			break
		}
		if k.IsSortedList() {
			continue
		}
		for _, pid := range pages {
			data, release, err := t.fetchPage(pid)
			if err != nil {
				return nil, err
			}
			_, valueRef, _ := readPageHeader(data)
			release()

			v, err := t.sym.GetSymbol(valueRef)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
	}
	return values, nil
}
