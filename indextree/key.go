// Package indextree implements component E: label postings encoded into
// the copy-on-write B+tree (package cowtree). Each tree key is the fixed-
// width tuple `(nameHash, valueHashPrefix, endTimestamp, segment)`
// described in spec.md §4.E; each value is the page ID of a posting page,
// laid out either as a bitmap or as a sorted list of (valueRef, tsid)
// pairs. Grounded on original_source/src/index/index_tree.cpp, which this
// package follows near line-for-line for the key-encoding and scan
// algorithms; the SORTED_LIST layout and its write/query paths are this
// module's own addition (spec.md's distillation, absent from the original
// revision available in the retrieval pack) built from the item-page-view
// header shapes in original_source/include/tagtree/tree/item_page_view.h
// and sorted_list_page_view.h.
package indextree

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// NameBytes/ValueBytes are the tunable field widths spec.md §4.E leaves
// unspecified (see DESIGN.md's Open Question decision).
const (
	NameBytes  = 4
	ValueBytes = 8
)

// KeySize is the total encoded width of a Key: name hash + value hash
// prefix + end timestamp + segment.
const KeySize = NameBytes + ValueBytes + 8 + 4

// Key is the fixed-width tuple indextree uses as the cowtree key:
// `(nameHash[NameBytes], valueHashPrefix[ValueBytes], endTs[8], segment[4])`.
// It is compared as one object by Less, never field-by-field in isolation,
// per spec.md §4.E's invariant.
type Key [KeySize]byte

const endTsOffset = NameBytes + ValueBytes
const segOffset = endTsOffset + 8

// sortedListFlag is the high bit of the endTs field: set means the
// referenced page uses the SORTED_LIST layout, clear means BITMAP.
const sortedListFlag = uint64(1) << 63

func hashName(name string) uint32 {
	h := xxhash.Sum64String(name)
	return uint32(h) // LSBs, per spec.md §4.E
}

// valueHashPrefix packs up to ValueBytes-2 raw prefix bytes of value,
// zero-padded, followed by 2 bytes of the value's hash LSBs — giving
// lexicographic prefix locality (so LT/GT/regex scans see real ordering)
// while a short or empty value still disambiguates via the hash suffix.
func valueHashPrefix(value string) [ValueBytes]byte {
	var out [ValueBytes]byte
	n := ValueBytes - 2
	copy(out[:n], value)
	h := xxhash.Sum64String(value)
	binary.BigEndian.PutUint16(out[n:], uint16(h))
	return out
}

// MakeKey builds the tree key for (name, value, endTs, segment). sortedList
// sets the page-type flag in the endTs field's high bit.
func MakeKey(name, value string, endTs uint64, segment uint32, sortedList bool) Key {
	var k Key
	binary.BigEndian.PutUint32(k[:NameBytes], hashName(name))
	prefix := valueHashPrefix(value)
	copy(k[NameBytes:endTsOffset], prefix[:])

	ts := endTs &^ sortedListFlag
	if sortedList {
		ts |= sortedListFlag
	}
	binary.BigEndian.PutUint64(k[endTsOffset:segOffset], ts)
	binary.BigEndian.PutUint32(k[segOffset:], segment)
	return k
}

// NameHash, ValueHashPrefix, EndTs, Segment, and IsSortedList decode the
// respective fields out of an already-built Key.
func (k Key) NameHash() uint32 { return binary.BigEndian.Uint32(k[:NameBytes]) }

func (k Key) ValueHashPrefix() [ValueBytes]byte {
	var out [ValueBytes]byte
	copy(out[:], k[NameBytes:endTsOffset])
	return out
}

func (k Key) EndTs() uint64 {
	return binary.BigEndian.Uint64(k[endTsOffset:segOffset]) &^ sortedListFlag
}

func (k Key) IsSortedList() bool {
	return binary.BigEndian.Uint64(k[endTsOffset:segOffset])&sortedListFlag != 0
}

func (k Key) Segment() uint32 { return binary.BigEndian.Uint32(k[segOffset:]) }

// sameNameValue reports whether a and b share the same (nameHash,
// valueHashPrefix) prefix, ignoring endTs/segment — used by the write path
// to find "the existing page for this (name,value)" and by the query path
// to detect a (name,value) boundary crossing.
func sameNameValue(a, b Key) bool {
	return bytes.Equal(a[:endTsOffset], b[:endTsOffset])
}

// Less implements the tuple's non-standard total order: lexicographic by
// (nameHash, valueHashPrefix), then ascending by endTs (with the page-type
// bit folded in, which is harmless since BITMAP keys and SORTED_LIST keys
// for the same (name,value) are never compared at equal real endTs in
// practice), then **descending** by segment — so that for fixed
// (name,value,endTs) the newest (highest) segment sorts first, enabling
// the "newest segment first" early-stop scan spec.md §4.E describes.
func Less(a, b Key) bool {
	if c := compareBytes(a[:endTsOffset], b[:endTsOffset]); c != 0 {
		return c < 0
	}
	at := binary.BigEndian.Uint64(a[endTsOffset:segOffset])
	bt := binary.BigEndian.Uint64(b[endTsOffset:segOffset])
	if at != bt {
		return at < bt
	}
	// segment descending: a sorts before b when a's segment is larger.
	as := binary.BigEndian.Uint32(a[segOffset:])
	bs := binary.BigEndian.Uint32(b[segOffset:])
	return as > bs
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// encodeKey/decodeKey adapt Key to the cowtree.Codec contract; the
// pagecache.PageID value codec is written inline in Open.
func encodeKey(k Key, buf []byte) { copy(buf, k[:]) }

func decodeKey(buf []byte) Key {
	var k Key
	copy(k[:], buf)
	return k
}
