// Package series implements component C: a TSID<->label-set map backed by
// one of two interchangeable persistence backends (a fixed-size segment
// file store, or an embedded B+tree store built on bbolt), fronted by an
// LRU cache and a striped hash map keyed by label-set fingerprint so
// get_by_label_set can locate an entry without scanning. Grounded on
// original_source/src/series/series_manager.cpp.
package series

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/Jimx-/tagtree/label"
)

// NumStripes is the number of fingerprint-map stripes, per spec.md §4.C.
const NumStripes = 16

// Entry is one cached series: its TSID, its canonical label set, and a
// dirty flag set on insert until the entry is durably persisted. Entries
// returned by Get/GetByLabelSet are locked; callers must call Unlock when
// done.
type Entry struct {
	TSID   uint64
	Labels label.Set

	mu    sync.Mutex
	dirty bool
}

// Unlock releases the per-entry lock taken by Get/GetByLabelSet.
func (e *Entry) Unlock() { e.mu.Unlock() }

// backend is the persistence contract a Store delegates entry reads/writes
// to. Both the segment-file and bbolt-embedded implementations satisfy it.
type backend interface {
	writeEntry(tsid uint64, labels label.Set) error
	readEntry(tsid uint64) (label.Set, bool, error)
	flush() error
	close() error
}

type stripe struct {
	mu  sync.RWMutex
	byH map[uint64]*Entry
}

func (s *stripe) add(h uint64, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byH == nil {
		s.byH = make(map[uint64]*Entry)
	}
	s.byH[h] = e
}

func (s *stripe) erase(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byH, h)
}

// get returns the entry for hash h locked, or nil if absent.
func (s *stripe) get(h uint64) *Entry {
	s.mu.RLock()
	e := s.byH[h]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	return e
}

// Store is the LRU- and fingerprint-indexed front end over a backend.
type Store struct {
	mu sync.RWMutex // guards lruList/lruIndex membership

	backend    backend
	maxEntries int

	lruList  *list.List // front = most recently used; elements are *Entry
	lruIndex map[uint64]*list.Element
	stripes  [NumStripes]stripe
}

func newStore(b backend, maxEntries int) *Store {
	return &Store{
		backend:    b,
		maxEntries: maxEntries,
		lruList:    list.New(),
		lruIndex:   make(map[uint64]*list.Element),
	}
}

func (st *Store) stripeFor(h uint64) *stripe { return &st.stripes[h%NumStripes] }

// getEntrySlotLocked returns a fresh *Entry, locked, evicting the LRU tail
// (and persisting it first if dirty) when at capacity. st.mu must be held
// for writing.
func (st *Store) getEntrySlotLocked() (*Entry, error) {
	if st.lruList.Len() >= st.maxEntries && st.lruList.Len() > 0 {
		back := st.lruList.Back()
		victim := back.Value.(*Entry)
		st.lruList.Remove(back)
		delete(st.lruIndex, victim.TSID)

		victim.mu.Lock()
		if victim.dirty {
			if err := st.backend.writeEntry(victim.TSID, victim.Labels); err != nil {
				victim.mu.Unlock()
				return nil, fmt.Errorf("series: evict flush tsid %d: %w", victim.TSID, err)
			}
			victim.dirty = false
		}
		victim.mu.Unlock()
		st.stripeFor(label.Fingerprint(victim.Labels)).erase(label.Fingerprint(victim.Labels))
	}

	e := &Entry{}
	e.mu.Lock()
	return e, nil
}

// Add inserts a new LRU slot for tsid/labels. If isNew, the entry is
// persisted through the backend immediately; otherwise it is left dirty
// for a later Flush/eviction to pick up (used by WAL replay, where the
// entry is already durable in the log). The new entry is unlocked before
// Add returns, matching the original's add() which does not hand the
// lock back to the caller.
func (st *Store) Add(tsid uint64, labels label.Set, isNew bool) error {
	labels = append(label.Set{}, labels...)
	label.Canonicalize(labels)

	st.mu.Lock()
	defer st.mu.Unlock()

	e, err := st.getEntrySlotLocked()
	if err != nil {
		return err
	}
	e.TSID = tsid
	e.Labels = labels
	e.dirty = true

	elem := st.lruList.PushFront(e)
	st.lruIndex[tsid] = elem
	st.stripeFor(label.Fingerprint(labels)).add(label.Fingerprint(labels), e)

	if isNew {
		if err := st.backend.writeEntry(tsid, labels); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("series: write entry tsid %d: %w", tsid, err)
		}
		e.dirty = false
	}
	e.mu.Unlock()
	return nil
}

// Get returns the entry for tsid, locked, promoting it to the LRU front.
// On a cache miss it is loaded via the backend into a fresh slot. Returns
// (nil, nil) if no such series exists.
func (st *Store) Get(tsid uint64) (*Entry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if elem, ok := st.lruIndex[tsid]; ok {
		st.lruList.MoveToFront(elem)
		e := elem.Value.(*Entry)
		e.mu.Lock()
		return e, nil
	}

	labels, ok, err := st.backend.readEntry(tsid)
	if err != nil {
		return nil, fmt.Errorf("series: read entry tsid %d: %w", tsid, err)
	}
	if !ok {
		return nil, nil
	}

	e, err := st.getEntrySlotLocked()
	if err != nil {
		return nil, err
	}
	e.TSID = tsid
	e.Labels = labels
	e.dirty = false

	elem := st.lruList.PushFront(e)
	st.lruIndex[tsid] = elem
	st.stripeFor(label.Fingerprint(labels)).add(label.Fingerprint(labels), e)

	return e, nil
}

// GetLabels returns a copy of tsid's labels without the pre-locked-entry
// contract, for read-only callers (the Index Server's GetLabels contract).
func (st *Store) GetLabels(tsid uint64) (label.Set, bool, error) {
	e, err := st.Get(tsid)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	defer e.Unlock()
	out := append(label.Set{}, e.Labels...)
	return out, true, nil
}

// GetByLabelSet looks up an entry by its fingerprinted label set,
// confirming an exact label match to guard against hash collisions.
// Returns the entry locked, or nil if no match exists.
func (st *Store) GetByLabelSet(lset label.Set) (*Entry, error) {
	lset = append(label.Set{}, lset...)
	label.Canonicalize(lset)
	h := label.Fingerprint(lset)

	e := st.stripeFor(h).get(h)
	if e == nil {
		return nil, nil
	}
	if !e.Labels.Equal(lset) {
		e.mu.Unlock()
		return nil, nil
	}
	return e, nil
}

// Flush writes every dirty cached entry through the backend, then flushes
// the symbol table (if the backend has one) and the backing file(s).
func (st *Store) Flush() error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for elem := st.lruList.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		e.mu.Lock()
		if e.dirty {
			if err := st.backend.writeEntry(e.TSID, e.Labels); err != nil {
				e.mu.Unlock()
				return fmt.Errorf("series: flush tsid %d: %w", e.TSID, err)
			}
			e.dirty = false
		}
		e.mu.Unlock()
	}
	return st.backend.flush()
}

// Close flushes and closes the store.
func (st *Store) Close() error {
	if err := st.Flush(); err != nil {
		return err
	}
	return st.backend.close()
}
