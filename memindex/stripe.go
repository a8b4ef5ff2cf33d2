package memindex

import (
	"sync"

	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/label"
)

// stripe owns a disjoint slice of label names, each mapping value -> posting
// set. Every method below takes its own lock; callers never reach into
// s.m directly.
type stripe struct {
	mu sync.RWMutex
	m  map[string]map[string]*memPosting
}

func newStripe() *stripe {
	return &stripe{m: make(map[string]map[string]*memPosting)}
}

func (s *stripe) add(l label.Label, tsid, timestamp uint64, setNext bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.m[l.Name]
	if values == nil {
		values = make(map[string]*memPosting)
		s.m[l.Name] = values
	}
	p := values[l.Value]
	if p == nil {
		p = newMemPosting()
		values[l.Value] = p
	}
	p.add(tsid, timestamp, setNext)
}

// contains reports whether tsid is a member of l's posting set.
func (s *stripe) contains(l label.Label, tsid uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := s.m[l.Name]
	if values == nil {
		return false
	}
	p := values[l.Value]
	return p != nil && p.bitmap.Contains(tsid)
}

// touch updates l's posting's maxTimestamp lock-free if present. Returns
// false if the label has no entry yet, so the caller can fall back to add.
func (s *stripe) touch(l label.Label, timestamp uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := s.m[l.Name]
	if values == nil {
		return false
	}
	p := values[l.Value]
	if p == nil {
		return false
	}
	p.touch(timestamp)
	return true
}

// resolveMatcher folds matcher's postings into tsids, following spec.md
// §4.F's per-op rule: EQ intersects the single matching value; NEQ either
// accumulates into exclude (when positive matchers exist elsewhere in the
// query) or unions every other value directly; any other op linear-scans
// the name's values.
func (s *stripe) resolveMatcher(m *label.Matcher, tsids *bitmap.Postings, exclude *bitmap.Postings, first bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := s.m[m.Name]

	switch m.Op {
	case label.EQ:
		if values == nil {
			tsids.And(bitmap.New())
			return
		}
		p := values[m.Value]
		if p == nil {
			tsids.And(bitmap.New())
			return
		}
		if first {
			tsids.Or(p.bitmap)
		} else {
			tsids.And(p.bitmap)
		}
	case label.NEQ:
		if values == nil {
			return
		}
		if exclude == nil {
			for value, p := range values {
				if value != m.Value {
					tsids.Or(p.bitmap)
				}
			}
			return
		}
		if p, ok := values[m.Value]; ok {
			exclude.Or(p.bitmap)
		}
	default:
		postings := bitmap.New()
		for value, p := range values {
			if m.Matches(value) {
				postings.Or(p.bitmap)
			}
		}
		if first {
			tsids.Or(postings)
		} else {
			tsids.And(postings)
		}
	}
}

// labelValues adds every distinct value seen for name into out.
func (s *stripe) labelValues(name string, out map[string]bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for value := range s.m[name] {
		out[value] = true
	}
}

// snapshot collects, per name, one LabeledPostings per value whose bitmap
// has a member and a minimum no greater than limit, and reports the largest
// maxTimestamp observed.
func (s *stripe) snapshot(limit uint64, out map[string][]LabeledPostings) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxTime uint64
	for name, values := range s.m {
		var entries []LabeledPostings
		for value, p := range values {
			if p.bitmap.IsEmpty() || p.bitmap.Minimum() > limit {
				continue
			}
			clone := p.bitmap.Clone()
			clone.RunOptimize()

			maxTS := p.maxTimestamp.Load()
			if maxTS > maxTime {
				maxTime = maxTS
			}
			entries = append(entries, LabeledPostings{
				Value:  value,
				Bitmap: clone,
				MinTS:  p.minTimestamp,
				MaxTS:  maxTS,
			})
		}
		out[name] = entries
	}
	return maxTime
}

// gc drops every posting's members below lowWatermark, retaining the
// equal-or-larger suffix; postings left empty, and names left with no
// values, are erased entirely.
func (s *stripe) gc(lowWatermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, values := range s.m {
		for value, p := range values {
			it := p.bitmap.Iterator()
			it.AdvanceIfNeeded(lowWatermark)
			if !it.HasNext() {
				delete(values, value)
				continue
			}

			kept := bitmap.New()
			for it.HasNext() {
				kept.Add(it.Next())
			}
			p.bitmap = kept
			p.minTimestamp = p.nextTimestamp
			p.nextTimestamp = maxUint64
		}
		if len(values) == 0 {
			delete(s.m, name)
		}
	}
}
