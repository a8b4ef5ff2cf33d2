// Package bitmap wraps a 64-bit roaring bitmap behind the narrow operation
// set the indexing core needs (add, union, intersect, difference, contains,
// minimum, ordered iteration, equal-or-larger seek, run-length
// optimization), so the rest of the module depends on this contract rather
// than directly on the roaring64 API. See spec.md §9: "Roaring bitmaps: ...
// depend on the operations ... not a particular library."
package bitmap

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Postings is a compressed, sorted set of TSIDs.
type Postings struct {
	bm *roaring64.Bitmap
}

// New returns an empty Postings set.
func New() *Postings {
	return &Postings{bm: roaring64.New()}
}

// FromBitmap wraps an existing roaring64.Bitmap without copying.
func FromBitmap(bm *roaring64.Bitmap) *Postings {
	if bm == nil {
		bm = roaring64.New()
	}
	return &Postings{bm: bm}
}

// Add inserts tsid.
func (p *Postings) Add(tsid uint64) { p.bm.Add(tsid) }

// Contains reports whether tsid is a member.
func (p *Postings) Contains(tsid uint64) bool { return p.bm.Contains(tsid) }

// IsEmpty reports whether the set has no members.
func (p *Postings) IsEmpty() bool { return p.bm.IsEmpty() }

// Minimum returns the smallest member, panicking if the set is empty (the
// caller must check IsEmpty first, mirroring roaring's own contract).
func (p *Postings) Minimum() uint64 { return p.bm.Minimum() }

// Clone returns a deep copy.
func (p *Postings) Clone() *Postings { return &Postings{bm: p.bm.Clone()} }

// Or unions other into p in place.
func (p *Postings) Or(other *Postings) { p.bm.Or(other.bm) }

// And intersects p with other in place.
func (p *Postings) And(other *Postings) { p.bm.And(other.bm) }

// AndNot removes the members of other from p in place.
func (p *Postings) AndNot(other *Postings) { p.bm.AndNot(other.bm) }

// Union returns a ∪ b without mutating either argument.
func Union(a, b *Postings) *Postings {
	return &Postings{bm: roaring64.Or(a.bm, b.bm)}
}

// Intersect returns a ∩ b without mutating either argument.
func Intersect(a, b *Postings) *Postings {
	return &Postings{bm: roaring64.And(a.bm, b.bm)}
}

// Difference returns a − b without mutating either argument.
func Difference(a, b *Postings) *Postings {
	return &Postings{bm: roaring64.AndNot(a.bm, b.bm)}
}

// RunOptimize applies run-length optimization, used before a mem index
// snapshot is handed to the index tree for persistence (spec.md §4.F).
func (p *Postings) RunOptimize() { p.bm.RunOptimize() }

// Cardinality returns the number of members.
func (p *Postings) Cardinality() uint64 { return p.bm.GetCardinality() }

// ToArray returns all members in ascending order.
func (p *Postings) ToArray() []uint64 { return p.bm.ToArray() }

// Iterator returns a forward, ascending iterator positioned before the
// first member.
func (p *Postings) Iterator() Iterator {
	return Iterator{it: p.bm.Iterator()}
}

// Iterator walks a Postings set in ascending order and supports seeking
// forward to the first member >= a given TSID (the "equal-or-larger seek"
// spec.md §9 requires, used by mem index GC to find the suffix >=
// low_watermark).
type Iterator struct {
	it roaring64.IntPeekable64
}

// HasNext reports whether more members remain.
func (it Iterator) HasNext() bool { return it.it.HasNext() }

// Next returns the next member.
func (it Iterator) Next() uint64 { return it.it.Next() }

// AdvanceIfNeeded seeks forward to the first member >= minval, leaving the
// iterator positioned there (or exhausted if none exists). This is the
// "equal-or-larger" seek the mem index's posting GC depends on.
func (it Iterator) AdvanceIfNeeded(minval uint64) { it.it.AdvanceIfNeeded(minval) }

// MarshalBinary serializes p using roaring's portable container format.
// Index tree posting pages do not use it; they store a fixed-width bitmap
// (see indextree/page.go). Unlike Bitmap.FromBuffer, this always
// copies (via WriteTo/ReadFrom) so the resulting bytes or decoded bitmap
// never alias a page-cache buffer that can be evicted or reused out from
// under them.
func (p *Postings) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces p's contents with the bitmap encoded in data.
func (p *Postings) UnmarshalBinary(data []byte) error {
	p.bm = roaring64.New()
	_, err := p.bm.ReadFrom(bytes.NewReader(data))
	return err
}

// ForEachSegment partitions the set into contiguous runs sharing the same
// seg = tsid / postingsPerPage, invoking fn once per run with its seg and
// the run's tsids, in ascending order. This is the segmentation
// spec.md §4.E's write path ("partition by seg... for each
// segment-contiguous run") performs when laying out bitmap posting pages.
func (p *Postings) ForEachSegment(postingsPerPage uint64, fn func(seg uint64, tsids []uint64)) {
	arr := p.bm.ToArray()
	if len(arr) == 0 {
		return
	}
	start := 0
	curSeg := arr[0] / postingsPerPage
	for i := 1; i <= len(arr); i++ {
		var seg uint64
		if i < len(arr) {
			seg = arr[i] / postingsPerPage
		}
		if i == len(arr) || seg != curSeg {
			fn(curSeg, arr[start:i])
			if i < len(arr) {
				curSeg = seg
				start = i
			}
		}
	}
}
