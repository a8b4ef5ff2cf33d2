// Package memindex implements component F: the memory-resident, striped
// inverted index (name -> value -> posting set) that absorbs every AddSeries
// call before a compaction round folds it into the index tree (component
// E). Grounded on original_source/src/index/mem_index.cpp; the header
// shipped alongside it in the retrieval pack (mem_index.h/mem_postings.h) is
// a stale revision that predates the stripe array, the touch() fast path,
// and current_limit/NO_LIMIT — this package's shapes are reconstructed from
// the .cpp's actual call sites instead.
package memindex

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/label"
)

// NumStripes is the number of name stripes, per spec.md §4.F.
const NumStripes = 32

// noLimit marks that no compaction watermark is currently armed.
const noLimit = maxUint64

// LabeledPostings is one value's contribution to a name's compaction
// snapshot, matching indextree.LabeledPostings in shape (this package does
// not import indextree, to avoid a cycle; the index server translates
// between the two).
type LabeledPostings struct {
	Value  string
	Bitmap *bitmap.Postings
	MinTS  uint64
	MaxTS  uint64
}

// Index is the striped, memory-resident label-postings index.
type Index struct {
	stripes [NumStripes]*stripe

	mu           sync.RWMutex
	lowWatermark uint64
	currentLimit uint64
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{currentLimit: noLimit}
	for i := range idx.stripes {
		idx.stripes[i] = newStripe()
	}
	return idx
}

func stripeHash(name string) uint64 { return xxhash.Sum64String(name) }

func (idx *Index) stripeFor(name string) *stripe {
	return idx.stripes[stripeHash(name)&(NumStripes-1)]
}

// Add inserts tsid under labels at timestamp, unless an equivalent series
// (matched by an all-EQ resolve over labels) already exists, in which case
// it returns that series's tsid and ok=true without mutating anything.
// Returns ok=false if tsid has already been superseded by the low
// watermark, signaling the caller to retry with a fresh tsid.
func (idx *Index) Add(labels label.Set, tsid, timestamp uint64) (existing uint64, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if tsid <= idx.lowWatermark {
		return 0, false
	}

	matchers := make([]*label.Matcher, len(labels))
	for i, l := range labels {
		matchers[i] = &label.Matcher{Op: label.EQ, Name: l.Name, Value: l.Value}
	}

	found := idx.resolveUnsafe(matchers)
	if !found.IsEmpty() {
		return found.Minimum(), true
	}

	setNext := idx.currentLimit != noLimit && tsid > idx.currentLimit
	for _, l := range labels {
		idx.stripeFor(l.Name).add(l, tsid, timestamp, setNext)
	}
	return tsid, true
}

// Touch updates tsid's postings' maxTimestamp in place if tsid is already
// present under labels' first entry (the lock-free fast path); otherwise it
// falls back to Add with setNext=false, per spec.md §4.F.
func (idx *Index) Touch(labels label.Set, tsid, timestamp uint64) {
	if len(labels) == 0 {
		return
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	front := labels[0]
	if idx.stripeFor(front.Name).contains(front, tsid) {
		for _, l := range labels {
			if !idx.stripeFor(l.Name).touch(l, timestamp) {
				idx.stripeFor(l.Name).add(l, tsid, timestamp, false)
			}
		}
		return
	}

	for _, l := range labels {
		idx.stripeFor(l.Name).add(l, tsid, timestamp, false)
	}
}

// SetLowWatermark sets the tsid floor at or below which Add rejects new series.
// If force is set, it also arms currentLimit at wm, routing postings for
// tsids above it into each MemPosting's pending nextTimestamp until the
// next Snapshot.
func (idx *Index) SetLowWatermark(wm uint64, force bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.lowWatermark = wm
	if force {
		idx.currentLimit = wm
	}
}

// ResolveLabelMatchers intersects/unions matchers (ANDed together) into the
// set of matching tsids.
func (idx *Index) ResolveLabelMatchers(matchers []*label.Matcher) *bitmap.Postings {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.resolveUnsafe(matchers)
}

func (idx *Index) resolveUnsafe(matchers []*label.Matcher) *bitmap.Postings {
	tsids := bitmap.New()

	positiveMatchers := 0
	for _, m := range matchers {
		if m.Op != label.NEQ {
			positiveMatchers++
		}
	}

	var exclude *bitmap.Postings
	if positiveMatchers > 0 {
		exclude = bitmap.New()
	}

	first := true
	for _, m := range matchers {
		idx.stripeFor(m.Name).resolveMatcher(m, tsids, exclude, first)
		if m.Op == label.NEQ && exclude != nil {
			// Only fed exclude; tsids is untouched and may still be empty
			// because no positive matcher has run yet.
			continue
		}
		if tsids.IsEmpty() {
			return tsids
		}
		if m.Op != label.NEQ {
			first = false
		}
	}

	if exclude != nil && !exclude.IsEmpty() {
		tsids.AndNot(exclude)
	}
	return tsids
}

// LabelValues returns every distinct value seen for name.
func (idx *Index) LabelValues(name string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	idx.stripeFor(name).labelValues(name, seen)

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	return values
}

// Snapshot collects, per name, the values whose posting set has a member at
// or below limit, for compaction into the index tree. It resets
// currentLimit to noLimit (the watermark that armed this round is now
// consumed) and returns the largest maxTimestamp observed across all
// stripes.
func (idx *Index) Snapshot(limit uint64) (map[string][]LabeledPostings, uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make(map[string][]LabeledPostings)
	var maxTime uint64
	for _, s := range idx.stripes {
		t := s.snapshot(limit, out)
		if t > maxTime {
			maxTime = t
		}
	}
	idx.currentLimit = noLimit
	return out, maxTime
}

// GC drops every posting member below the current low watermark, retaining
// the equal-or-larger suffix, and erases any value/name left empty.
func (idx *Index) GC() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, s := range idx.stripes {
		s.gc(idx.lowWatermark)
	}
}
