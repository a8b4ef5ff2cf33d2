// Package tagtree is the Index Server (component H): the public facade
// coordinating the memory-resident index (memindex), the persistent index
// tree (indextree), the series store (series), and the write-ahead log
// (wal). Grounded on original_source/src/index/index_server.cpp and
// include/tagtree/index/index_server.h for the contract shape; the
// compaction/replay state machine follows spec.md §4.H, which the
// original's slim revision leaves unstated.
package tagtree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jimx-/tagtree/indextree"
	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/internal/logger"
	"github.com/Jimx-/tagtree/label"
	"github.com/Jimx-/tagtree/memindex"
	"github.com/Jimx-/tagtree/pagecache"
	"github.com/Jimx-/tagtree/series"
	"github.com/Jimx-/tagtree/symtab"
	"github.com/Jimx-/tagtree/wal"
)

// Server is the Index Server: it owns the mem index (F), the index tree (E,
// including its own page cache A), the write-ahead log (G), and the series
// store (C), which Open creates from the config and Close closes.
type Server struct {
	cfg Config
	log *zap.Logger

	pc     *pagecache.Cache
	sym    *symtab.Table
	tree   *indextree.Tree
	mem    *memindex.Index
	series *series.Store
	wal    *wal.WAL

	idCounter        atomic.Uint64
	lastCompactionWM atomic.Uint64

	compacting      atomic.Bool
	compactionMu    sync.Mutex
	compactionGroup sync.WaitGroup

	closed atomic.Bool
}

// Open opens (or initializes) an index directory per spec.md §6's on-disk
// layout, replays its write-ahead log, and returns a ready Server.
func Open(cfg Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.IndexDir, 0755); err != nil {
		return nil, fmt.Errorf("tagtree: create index dir: %w", err)
	}

	sym, err := symtab.Open(filepath.Join(cfg.IndexDir, "symbol.tab"))
	if err != nil {
		return nil, errors.WithMessage(err, "tagtree: open symbol table")
	}

	pc, err := pagecache.Open(filepath.Join(cfg.IndexDir, "index.db"), cfg.PageSize, cfg.CacheSize)
	if err != nil {
		sym.Close()
		return nil, errors.WithMessage(err, "tagtree: open page cache")
	}

	tree, err := indextree.Open(pc, sym, cfg.BitmapOnly)
	if err != nil {
		pc.Close()
		sym.Close()
		return nil, errors.WithMessage(err, "tagtree: open index tree")
	}

	seriesDir := filepath.Join(cfg.IndexDir, "series")
	seriesCache := cfg.SeriesCacheSize
	if cfg.FullCache {
		seriesCache = 1 << 30 // effectively unbounded, per spec.md §6's full_cache option
	}

	var seriesStore *series.Store
	switch cfg.SeriesBackend {
	case SeriesBackendBBolt:
		seriesStore, err = series.NewBBoltStore(seriesDir, seriesCache, sym)
	default:
		seriesStore, err = series.NewSegmentStore(seriesDir, cfg.SegmentSize, cfg.PageSize, seriesCache, sym)
	}
	if err != nil {
		pc.Close()
		sym.Close()
		return nil, errors.WithMessage(err, "tagtree: open series store")
	}

	w, err := wal.Open(filepath.Join(cfg.IndexDir, "wal"))
	if err != nil {
		seriesStore.Close()
		pc.Close()
		sym.Close()
		return nil, errors.WithMessage(err, "tagtree: open wal")
	}

	s := &Server{
		cfg:    cfg,
		log:    newLogger(opts, "index-server"),
		pc:     pc,
		sym:    sym,
		tree:   tree,
		mem:    memindex.New(),
		series: seriesStore,
		wal:    w,
	}

	if err := s.replayWAL(); err != nil {
		s.Close()
		return nil, errors.WithMessage(err, "tagtree: replay wal")
	}

	return s, nil
}

// CurrentTSID returns the current id counter: the highest TSID allocated so
// far.
func (s *Server) CurrentTSID() uint64 { return s.idCounter.Load() }

// eqMatchers builds an all-EQ matcher slice for a label set, used by
// AddSeries and Exists to probe the mem index for an existing series.
func eqMatchers(labels label.Set) []*label.Matcher {
	m := make([]*label.Matcher, len(labels))
	for i, l := range labels {
		m[i] = &label.Matcher{Op: label.EQ, Name: l.Name, Value: l.Value}
	}
	return m
}

func allEQ(matchers []*label.Matcher) bool {
	for _, m := range matchers {
		if m.Op != label.EQ {
			return false
		}
	}
	return true
}

func eqLabelSet(matchers []*label.Matcher) label.Set {
	lset := make(label.Set, len(matchers))
	for i, m := range matchers {
		lset[i] = label.Label{Name: m.Name, Value: m.Value}
	}
	return label.Canonicalize(lset)
}

// AddSeries returns the TSID for labels observed at timestamp t, allocating
// a fresh one if labels has never been seen before. inserted reports
// whether this call is the one that created the series. Per spec.md §5,
// AddSeries is linearizable with respect to other AddSeries calls: two
// concurrent inserts of the same label set return the same TSID, and
// exactly one reports inserted=true.
func (s *Server) AddSeries(t uint64, labels label.Set) (tsid uint64, inserted bool, err error) {
	if s.closed.Load() {
		return 0, false, ErrClosed
	}

	lset := append(label.Set{}, labels...)
	label.Canonicalize(lset)

	if e, err := s.series.GetByLabelSet(lset); err != nil {
		return 0, false, errors.WithMessage(err, "tagtree: add series: lookup by label set")
	} else if e != nil {
		tsid := e.TSID
		e.Unlock()
		return tsid, false, nil
	}

	for {
		candidate := s.idCounter.Add(1)
		existing, ok := s.mem.Add(lset, candidate, t)
		if !ok {
			// candidate was already superseded by the low watermark
			// (a compaction armed it while we were mid-insert); retry
			// with a freshly drawn tsid, per spec.md §4.H step "if the
			// inner existence check found a collision... loop".
			continue
		}
		if existing != candidate {
			return existing, false, nil
		}
		if err := s.series.Add(candidate, lset, true); err != nil {
			return 0, false, errors.WithMessage(err, "tagtree: add series: persist")
		}
		return candidate, true, nil
	}
}

// Exists reports the set of TSIDs (zero or one, barring a NotUnique data
// invariant violation) resolving to labels, consulting the series store,
// then the mem index, then (unless skipTree) the index tree, per spec.md
// §4.H. A single hit found in the index tree is loaded back into the
// series store's cache for later lookups.
func (s *Server) Exists(labels label.Set, skipTree bool) (*bitmap.Postings, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lset := append(label.Set{}, labels...)
	label.Canonicalize(lset)

	if e, err := s.series.GetByLabelSet(lset); err != nil {
		return nil, err
	} else if e != nil {
		tsid := e.TSID
		e.Unlock()
		out := bitmap.New()
		out.Add(tsid)
		return out, nil
	}

	matchers := eqMatchers(lset)
	result := s.mem.ResolveLabelMatchers(matchers)
	if !result.IsEmpty() || skipTree {
		return result, nil
	}

	treeResult, err := s.tree.ResolveLabelMatchers(matchers, 0, ^uint64(0))
	if err != nil {
		return nil, err
	}
	switch treeResult.Cardinality() {
	case 0:
	case 1:
		if e, err := s.series.Get(treeResult.Minimum()); err == nil && e != nil {
			e.Unlock()
		}
	default:
		return nil, ErrNotUnique
	}
	return treeResult, nil
}

// ResolveLabelMatchers evaluates matchers (ANDed together) over
// [start,end), returning the set of matching TSIDs; the window filters
// index tree pages only, the mem index ignores it. Per spec.md §4.H: an
// all-EQ matcher set first probes the series store for a single-entry fast
// path; otherwise the mem index and index tree are queried concurrently and
// their results unioned. A single surviving result is loaded back into the
// series store's cache.
func (s *Server) ResolveLabelMatchers(matchers []*label.Matcher, start, end uint64) (*bitmap.Postings, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(matchers) == 0 {
		return bitmap.New(), nil
	}

	if allEQ(matchers) {
		if e, err := s.series.GetByLabelSet(eqLabelSet(matchers)); err != nil {
			return nil, err
		} else if e != nil {
			tsid := e.TSID
			e.Unlock()
			out := bitmap.New()
			out.Add(tsid)
			return out, nil
		}
	}

	var memResult, treeResult *bitmap.Postings
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		memResult = s.mem.ResolveLabelMatchers(matchers)
		return nil
	})
	g.Go(func() error {
		r, err := s.tree.ResolveLabelMatchers(matchers, start, end)
		treeResult = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := bitmap.Union(memResult, treeResult)
	if result.Cardinality() == 1 {
		if e, err := s.series.Get(result.Minimum()); err == nil && e != nil {
			e.Unlock()
		}
	}
	return result, nil
}

// GetLabels returns tsid's label set, delegating to the series store.
func (s *Server) GetLabels(tsid uint64) (label.Set, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	return s.series.GetLabels(tsid)
}

// LabelValues returns the union of every distinct value seen for name
// across the mem index and the index tree.
func (s *Server) LabelValues(name string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	seen := make(map[string]bool)
	var out []string
	for _, v := range s.mem.LabelValues(name) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	treeValues, err := s.tree.LabelValues(name)
	if err != nil {
		return nil, err
	}
	for _, v := range treeValues {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// Commit logs batch as one LRT_SERIES write-ahead record (written to the
// segment file, without an fsync), then
// triggers a detached compaction attempt (a no-op unless the watermark
// interval has elapsed). Series entries added via AddSeries are already
// written through to the series store synchronously (see AddSeries), so
// unlike the description in spec.md §4.H there is no separate "mark clean"
// step to perform here — see DESIGN.md's Open Question decision on this
// point.
func (s *Server) Commit(batch []wal.SeriesRef) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}

	rec := wal.SerializeSeries(batch)
	if err := s.wal.LogRecord(rec, true); err != nil {
		return errors.WithMessage(err, "tagtree: commit: log record")
	}

	s.tryCompact(false, true)
	return nil
}

// ManualCompact runs a forced, synchronous compaction round.
func (s *Server) ManualCompact() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.tryCompactSync(true)
}

// tryCompact implements spec.md §4.H's try_compact: a cheap watermark check,
// then (unless another compaction is already running) a compaction round
// either detached onto a goroutine or run inline.
func (s *Server) tryCompact(force, detach bool) bool {
	if !force && s.idCounter.Load() < s.lastCompactionWM.Load()+CompactionWatermarkInterval {
		return false
	}

	s.compactionMu.Lock()
	if !force && s.idCounter.Load() < s.lastCompactionWM.Load()+CompactionWatermarkInterval {
		s.compactionMu.Unlock()
		return false
	}
	if s.compacting.Load() {
		s.compactionMu.Unlock()
		return false
	}
	s.compacting.Store(true)
	id := s.idCounter.Load()
	s.lastCompactionWM.Store(id)
	s.compactionMu.Unlock()

	if detach {
		s.compactionGroup.Add(1)
		go func() {
			defer s.compactionGroup.Done()
			if err := s.compact(id); err != nil {
				s.log.Error("compaction failed", zap.Error(err), zap.Uint64("watermark", id))
			}
			s.compacting.Store(false)
		}()
	} else {
		if err := s.compact(id); err != nil {
			s.compacting.Store(false)
			s.log.Error("compaction failed", zap.Error(err), zap.Uint64("watermark", id))
			return false
		}
		s.compacting.Store(false)
	}
	return true
}

// tryCompactSync runs a compaction round inline, as tryCompact does with
// detach=false, and reports whether the compaction it ran (if any) failed.
// It exists because tryCompact's boolean return only reports "did a
// compaction start", which ManualCompact's callers need distinguished from
// "did it succeed". Unlike tryCompact, it returns an error when another
// compaction is already running.
func (s *Server) tryCompactSync(force bool) error {
	s.compactionMu.Lock()
	if !force && s.idCounter.Load() < s.lastCompactionWM.Load()+CompactionWatermarkInterval {
		s.compactionMu.Unlock()
		return nil
	}
	if s.compacting.Load() {
		s.compactionMu.Unlock()
		return fmt.Errorf("tagtree: compaction already running")
	}
	s.compacting.Store(true)
	id := s.idCounter.Load()
	s.lastCompactionWM.Store(id)
	s.compactionMu.Unlock()

	err := s.compact(id)
	s.compacting.Store(false)
	return err
}

// compact implements spec.md §4.H's compact(id): close the current WAL
// segment, arm the mem index watermark, snapshot it into the index tree,
// flush the series store, garbage-collect the mem index below id, and
// (per the configured checkpoint policy) durably record the new
// (lastSegment, id) checkpoint.
func (s *Server) compact(id uint64) error {
	opLog, done := logger.NewOperation(s.log, "compaction", "compact", zap.Uint64("watermark", id))

	lastSeg, err := s.wal.CloseSegment()
	if err != nil {
		done(err)
		return errors.WithMessage(err, "tagtree: compact: close wal segment")
	}

	s.mem.SetLowWatermark(id, true)

	snapshot, _ := s.mem.Snapshot(id)
	for name, postings := range snapshot {
		ns := indextree.NameSnapshot{Name: name, Postings: make([]indextree.LabeledPostings, len(postings))}
		for i, lp := range postings {
			ns.Postings[i] = indextree.LabeledPostings{
				Value:  lp.Value,
				Bitmap: lp.Bitmap,
				MinTS:  lp.MinTS,
				MaxTS:  lp.MaxTS,
			}
		}
		if err := s.tree.WriteSnapshot(ns, id); err != nil {
			done(err)
			return errors.WithMessage(err, "tagtree: compact: write snapshot")
		}
	}

	if err := s.series.Flush(); err != nil {
		done(err)
		return errors.WithMessage(err, "tagtree: compact: flush series store")
	}

	s.mem.GC()

	switch s.cfg.CheckpointPolicy {
	case CheckpointDisabled:
	case CheckpointPrint:
		opLog.Info("would checkpoint", zap.Uint32("last_segment", lastSeg), zap.Uint64("low_watermark", id))
	default:
		if err := s.wal.WriteCheckpoint(id, lastSeg); err != nil {
			done(err)
			return errors.WithMessage(err, "tagtree: compact: write checkpoint")
		}
	}

	done()
	return nil
}

// Close waits for any in-flight compaction to finish (per spec.md §5's
// "server shutdown waits for a running compaction"), then closes every
// owned resource, aggregating any errors.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.compactionGroup.Wait()

	var result *multierror.Error
	if err := s.wal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.series.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.pc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.sym.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
