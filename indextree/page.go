package indextree

import (
	"encoding/binary"
	"fmt"

	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/symtab"
)

// headerSize is the fixed 16-byte posting-page header common to both
// layouts: `nameRef(4) || valueRef(4) || endTs(8, bit63 = page-type flag)`,
// per spec.md §3/§4.E.
const headerSize = 16

// readPageHeader decodes the common header, returning the interned
// name/value refs and the raw endTs word (including its page-type bit).
func readPageHeader(page []byte) (nameRef, valueRef symtab.Ref, endTsWord uint64) {
	nameRef = symtab.Ref(binary.BigEndian.Uint32(page[0:4]))
	valueRef = symtab.Ref(binary.BigEndian.Uint32(page[4:8]))
	endTsWord = binary.BigEndian.Uint64(page[8:16])
	return
}

func writePageHeader(page []byte, nameRef, valueRef symtab.Ref, endTs uint64, sortedList bool) {
	binary.BigEndian.PutUint32(page[0:4], uint32(nameRef))
	binary.BigEndian.PutUint32(page[4:8], uint32(valueRef))
	ts := endTs &^ sortedListFlag
	if sortedList {
		ts |= sortedListFlag
	}
	binary.BigEndian.PutUint64(page[8:16], ts)
}

// decodeBitmapPage reads the page body as a dense bitmap covering the
// postingsPerPage consecutive TSIDs of segment seg — one bit per slot,
// indexed by tsid % postingsPerPage — and expands it into a Postings set
// of the actual TSIDs it carries. Grounded on
// original_source/src/index/index_tree.cpp's write_posting_page, which
// sets `bitmap[bitnum>>6] |= 1ULL << (bitnum&0x3f)` for `bitnum = tsid %
// postings_per_page` directly into the page buffer following the header;
// this always fits by construction (the body is exactly
// postingsPerPage/8 bytes), unlike a roaring-serialized blob whose size
// depends on how scattered the TSIDs are.
func decodeBitmapPage(page []byte, postingsPerPage, seg uint64) *bitmap.Postings {
	body := page[headerSize:]
	bm := bitmap.New()
	base := seg * postingsPerPage
	for i, b := range body {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				bm.Add(base + uint64(i)*8 + uint64(bit))
			}
		}
	}
	return bm
}

// encodeBitmapPage writes bm's TSIDs into page's body as the same dense
// bitmap decodeBitmapPage reads, zeroing every slot outside bm first. It
// is an error for bm to carry a TSID outside segment seg's
// [seg*postingsPerPage, (seg+1)*postingsPerPage) range, since that TSID
// has nowhere to live in this page's fixed-size body.
func encodeBitmapPage(page []byte, postingsPerPage, seg uint64, bm *bitmap.Postings) error {
	body := page[headerSize:]
	for i := range body {
		body[i] = 0
	}
	base := seg * postingsPerPage
	it := bm.Iterator()
	for it.HasNext() {
		tsid := it.Next()
		if tsid < base || tsid >= base+postingsPerPage {
			return fmt.Errorf("indextree: tsid %d outside segment %d's posting page range", tsid, seg)
		}
		bitnum := tsid - base
		body[bitnum>>3] |= 1 << (bitnum & 0x7)
	}
	return nil
}

// sortedListEntrySize is the width of one (valueRef, tsid) item.
const sortedListEntrySize = 4 + 8

// sortedListPage is the item-page-view layout: `count(4) || entries...`,
// sorted ascending by (valueRef, tsid), grounded on
// original_source/include/tagtree/tree/item_page_view.h's lower/upper
// pointer pair collapsed to a single live count (this module always writes
// a sorted-list page whole, its items sorted first, into a freshly
// allocated page, so a separate free-list pointer is unnecessary).
type sortedListItem struct {
	ValueRef symtab.Ref
	TSID     uint64
}

func decodeSortedListPage(page []byte) []sortedListItem {
	count := int(binary.BigEndian.Uint32(page[headerSize : headerSize+4]))
	items := make([]sortedListItem, count)
	off := headerSize + 4
	for i := 0; i < count; i++ {
		items[i].ValueRef = symtab.Ref(binary.BigEndian.Uint32(page[off : off+4]))
		items[i].TSID = binary.BigEndian.Uint64(page[off+4 : off+12])
		off += sortedListEntrySize
	}
	return items
}

func encodeSortedListPage(page []byte, items []sortedListItem) error {
	need := headerSize + 4 + len(items)*sortedListEntrySize
	if need > len(page) {
		return fmt.Errorf("indextree: sorted-list page overflow: %d > %d", need, len(page))
	}
	binary.BigEndian.PutUint32(page[headerSize:headerSize+4], uint32(len(items)))
	off := headerSize + 4
	for _, it := range items {
		binary.BigEndian.PutUint32(page[off:off+4], uint32(it.ValueRef))
		binary.BigEndian.PutUint64(page[off+4:off+12], it.TSID)
		off += sortedListEntrySize
	}
	for i := need; i < len(page); i++ {
		page[i] = 0
	}
	return nil
}

// sortedListCapacity returns how many entries fit in one page of pageSize
// bytes.
func sortedListCapacity(pageSize int) int {
	return (pageSize - headerSize - 4) / sortedListEntrySize
}

// bitmapSearchValueRef finds the index of the first item with ValueRef >= ref
// (for an EQ binary search; items are sorted by (valueRef, tsid)).
func bitmapSearchValueRef(items []sortedListItem, ref symtab.Ref) int {
	lo, hi := 0, len(items)
	for lo < hi {
		mid := (lo + hi) / 2
		if items[mid].ValueRef < ref {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
