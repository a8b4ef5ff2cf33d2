// Package wal implements component G: a page-aligned, chunked-record
// write-ahead log, directly grounded on original_source/src/wal/wal.cpp and
// reader.cpp. Segment files are named by an ever-increasing 8-digit decimal
// number; a checkpoint file records the last segment closed by a compaction
// and the low watermark up to which that compaction indexed series. Unlike pagecache,
// which needs positioned pread/pwrite because pages are fetched out of
// order by pin/evict, the WAL only ever appends and reads sequentially, so
// this package uses plain *os.File I/O (mirroring the original's single
// lseek-to-end-then-write fd), not golang.org/x/sys/unix's positioned calls.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

const (
	// MaxSegmentSize bounds how large one segment file may grow before a
	// new one is opened.
	MaxSegmentSize = 128 * 1024 * 1024
	// PageSize is the WAL's write granularity; every record chunk is
	// confined to a single page. A segment file can end in a partially
	// written page after a flushed LogRecord or a Close.
	PageSize = 4096
	// recordHeaderSize is `type(1) || length_be(2) || crc32(4)`.
	recordHeaderSize = 7
)

// recordType is the chunk-framing tag (distinct from RecordType, which
// tags the payload logged *inside* a reassembled chunk sequence).
type recordType uint8

const (
	lrNone recordType = iota
	lrFull
	lrFirst
	lrMiddle
	lrLast
)

// ErrCapacityExceeded is returned by LogRecord when rec is too large to fit
// in a single segment no matter how it is chunked.
var ErrCapacityExceeded = fmt.Errorf("wal: record exceeds max segment size")

// CheckpointStats is what LastCheckpoint reports: the most recently closed
// segment and the low watermark recorded alongside it.
type CheckpointStats struct {
	LastSegment  uint32
	LowWatermark uint64
}

// WAL is the write-ahead logger: one active segment file, buffered one page
// at a time, plus the checkpoint file recording replay progress.
type WAL struct {
	dir            string
	checkpointPath string

	mu           sync.Mutex
	page         [PageSize]byte
	pageStart    int
	pageEnd      int
	segmentStart int64

	lastSegment uint32
	segmentFile *os.File
}

// Open creates dir if necessary, opens (or creates) the newest segment for
// writing, and returns a ready WAL.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: init log dir: %w", err)
	}

	w := &WAL{
		dir:            dir,
		checkpointPath: filepath.Join(dir, "checkpoint.meta"),
	}

	_, end, err := w.GetSegmentRange()
	if err != nil {
		return nil, err
	}
	if end == 0 {
		if err := w.createSegment(1); err != nil {
			return nil, err
		}
		end = 1
	}

	if err := w.openWriteSegment(end); err != nil {
		return nil, err
	}
	w.lastSegment = end
	return w, nil
}

func (w *WAL) segFilename(seg uint32) string {
	return filepath.Join(w.dir, fmt.Sprintf("%08d", seg))
}

// GetSegmentRange enumerates segment filenames in dir, returning
// (min,max); (0,0) if none exist.
func (w *WAL) GetSegmentRange() (start, end uint32, err error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: read log dir: %w", err)
	}

	var refs []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, convErr := strconv.ParseUint(e.Name(), 10, 32)
		if convErr != nil {
			continue
		}
		refs = append(refs, uint32(n))
	}
	if len(refs) == 0 {
		return 0, 0, nil
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs[0], refs[len(refs)-1], nil
}

func (w *WAL) createSegment(seg uint32) error {
	f, err := os.OpenFile(w.segFilename(seg), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", seg, err)
	}
	return f.Close()
}

func (w *WAL) openWriteSegment(seg uint32) error {
	if w.segmentFile != nil {
		w.segmentFile.Close()
	}

	f, err := os.OpenFile(w.segFilename(seg), os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", seg, err)
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("wal: seek segment %d: %w", seg, err)
	}

	if rem := offset % PageSize; rem != 0 {
		pad := make([]byte, PageSize-rem)
		if _, err := f.Write(pad); err != nil {
			return fmt.Errorf("wal: pad segment %d: %w", seg, err)
		}
		offset += int64(len(pad))
	}

	w.segmentFile = f
	w.segmentStart = offset
	return nil
}

// LogRecord splits rec into page-sized chunks (FIRST/MIDDLE/LAST, or FULL
// if it fits in one), rolling over to a new segment first if rec wouldn't
// fit in the remainder of the current one. flush forces the in-progress
// page to disk immediately even if it isn't full.
func (w *WAL) LogRecord(rec []byte, flush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	length := len(rec)
	if length > MaxSegmentSize-PageSize {
		return ErrCapacityExceeded
	}

	remaining := (PageSize - w.pageEnd) +
		(PageSize-recordHeaderSize)*((MaxSegmentSize-int(w.segmentStart))/PageSize-1)
	if remaining < length {
		if err := w.nextSegmentLocked(); err != nil {
			return err
		}
	}

	typ := lrNone
	for length > 0 {
		if PageSize-w.pageEnd <= recordHeaderSize {
			if err := w.flushPageLocked(true); err != nil {
				return err
			}
		}

		chunk := length
		if max := PageSize - w.pageEnd - recordHeaderSize; chunk > max {
			chunk = max
		}

		switch typ {
		case lrNone:
			if chunk == length {
				typ = lrFull
			} else {
				typ = lrFirst
			}
		case lrFirst, lrMiddle:
			if chunk == length {
				typ = lrLast
			} else {
				typ = lrMiddle
			}
		}

		w.page[w.pageEnd] = byte(typ)
		w.pageEnd++
		binary.BigEndian.PutUint16(w.page[w.pageEnd:], uint16(chunk))
		w.pageEnd += 2
		crc := crc32.ChecksumIEEE(rec[:chunk])
		binary.BigEndian.PutUint32(w.page[w.pageEnd:], crc)
		w.pageEnd += 4
		copy(w.page[w.pageEnd:], rec[:chunk])
		w.pageEnd += chunk

		rec = rec[chunk:]
		length -= chunk

		if flush || PageSize <= w.pageEnd+recordHeaderSize {
			if err := w.flushPageLocked(false); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *WAL) nextSegmentLocked() error {
	if w.pageEnd > 0 {
		if err := w.flushPageLocked(true); err != nil {
			return err
		}
	}

	w.lastSegment++
	if err := w.createSegment(w.lastSegment); err != nil {
		return err
	}
	return w.openWriteSegment(w.lastSegment)
}

func (w *WAL) flushPageLocked(reset bool) error {
	if PageSize <= w.pageEnd+recordHeaderSize {
		reset = true
	}
	if reset {
		w.pageEnd = PageSize
	}

	if _, err := w.segmentFile.Write(w.page[w.pageStart:w.pageEnd]); err != nil {
		return fmt.Errorf("wal: write page: %w", err)
	}
	w.pageStart = w.pageEnd

	if reset {
		w.page = [PageSize]byte{}
		w.pageEnd, w.pageStart = 0, 0
		w.segmentStart += PageSize
	}
	return nil
}

// CloseSegment pads and closes the current segment, opens the next one,
// and returns the number of the segment just closed.
func (w *WAL) CloseSegment() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	closed := w.lastSegment
	if err := w.nextSegmentLocked(); err != nil {
		return 0, err
	}
	return closed, nil
}

// WriteCheckpoint atomically records (segment, watermark) into
// checkpoint.meta via a tmp-file rename.
func (w *WAL) WriteCheckpoint(watermark uint64, segment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmp := w.checkpointPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp: %w", err)
	}

	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], segment)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(watermark))
	crc := crc32.ChecksumIEEE(buf[0:8])
	binary.LittleEndian.PutUint32(buf[8:12], crc)

	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return fmt.Errorf("wal: write checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close checkpoint tmp: %w", err)
	}

	if err := os.Rename(tmp, w.checkpointPath); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

// LastCheckpoint reads checkpoint.meta, returning {LastSegment: 1} if it
// doesn't exist yet.
func (w *WAL) LastCheckpoint() (CheckpointStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.checkpointPath)
	if os.IsNotExist(err) {
		return CheckpointStats{LastSegment: 1}, nil
	}
	if err != nil {
		return CheckpointStats{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	if len(data) != 12 {
		return CheckpointStats{}, fmt.Errorf("wal: checkpoint size mismatch")
	}

	segment := binary.LittleEndian.Uint32(data[0:4])
	watermark := uint64(binary.LittleEndian.Uint32(data[4:8]))
	crc := binary.LittleEndian.Uint32(data[8:12])
	if crc32.ChecksumIEEE(data[0:8]) != crc {
		return CheckpointStats{}, fmt.Errorf("wal: checkpoint checksum mismatch")
	}

	return CheckpointStats{LastSegment: segment, LowWatermark: watermark}, nil
}

// GetSegmentReader opens a Reader over segment seg.
func (w *WAL) GetSegmentReader(seg uint32) (*Reader, error) {
	return NewReader(w.segFilename(seg))
}

// Close flushes the in-progress page and closes the active segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pageEnd > w.pageStart {
		if err := w.flushPageLocked(false); err != nil {
			return err
		}
	}
	if w.segmentFile != nil {
		return w.segmentFile.Close()
	}
	return nil
}
