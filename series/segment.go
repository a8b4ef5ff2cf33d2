// Segment-file series store backend, per spec.md §4.C: TSIDs are
// partitioned into fixed-size segments; each segment file holds a header
// (magic, offset table, CRC32) padded to page size followed by
// variable-length entries appended after the header. Grounded on
// original_source/src/series/series_manager.cpp's on-disk entry framing
// and tsdb/series_segment.go's fixed-slot segment idiom.
package series

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/Jimx-/tagtree/label"
	"github.com/Jimx-/tagtree/symtab"
	"golang.org/x/sys/unix"
)

const segmentMagic uint32 = 0x53455247 // "SERG"

// pageAlign rounds n up to the next multiple of pageSize.
func pageAlign(n, pageSize int) int {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

type segmentFile struct {
	mu      sync.Mutex
	file    *os.File
	offsets []uint32 // absolute file offset per slot; 0 = absent
	end     int64    // current end of file (next append position)
	pending []byte   // buffered entry bytes not yet flushed
	dirty   bool
}

// SegmentBackend implements the series.backend contract over fixed-size
// segment files, one per `tsid / segSize` range.
type SegmentBackend struct {
	mu         sync.Mutex
	dir        string
	segSize    int
	pageSize   int
	headerSize int
	sym        *symtab.Table
	segments   map[uint64]*segmentFile
}

// NewSegmentBackend opens (creating as needed) the series/ directory under
// dir, backed by a symbol table shared with the index tree, with segSize
// TSID slots per segment file.
func NewSegmentBackend(dir string, segSize, pageSize int, sym *symtab.Table) (*SegmentBackend, error) {
	seriesDir := filepath.Join(dir, "series")
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return nil, fmt.Errorf("series: mkdir %s: %w", seriesDir, err)
	}
	headerSize := pageAlign(4+segSize*4+4, pageSize)
	return &SegmentBackend{
		dir:        seriesDir,
		segSize:    segSize,
		pageSize:   pageSize,
		headerSize: headerSize,
		sym:        sym,
		segments:   make(map[uint64]*segmentFile),
	}, nil
}

func (b *SegmentBackend) segPath(seg uint64) string {
	return filepath.Join(b.dir, fmt.Sprintf("%08d", seg))
}

func (b *SegmentBackend) getSegment(seg uint64) (*segmentFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sf, ok := b.segments[seg]; ok {
		return sf, nil
	}

	path := b.segPath(seg)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("series: open segment %d: %w", seg, err)
	}

	sf := &segmentFile{file: f, offsets: make([]uint32, b.segSize)}

	if isNew {
		sf.end = int64(b.headerSize)
		if err := f.Truncate(int64(b.headerSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("series: truncate segment %d: %w", seg, err)
		}
		var magicBuf [4]byte
		binary.LittleEndian.PutUint32(magicBuf[:], segmentMagic)
		if _, err := f.WriteAt(magicBuf[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("series: write magic: %w", err)
		}
	} else {
		if err := b.loadHeader(f, sf); err != nil {
			f.Close()
			return nil, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		sf.end = fi.Size()
	}

	b.segments[seg] = sf
	return sf, nil
}

func (b *SegmentBackend) loadHeader(f *os.File, sf *segmentFile) error {
	hdr := make([]byte, b.headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("series: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[:4]) != segmentMagic {
		return fmt.Errorf("series: corrupt segment header")
	}
	offTableBytes := hdr[4 : 4+b.segSize*4]
	storedCRC := binary.LittleEndian.Uint32(hdr[4+b.segSize*4 : 4+b.segSize*4+4])
	if crc32.ChecksumIEEE(offTableBytes) != storedCRC {
		return fmt.Errorf("series: corrupt segment offset table")
	}
	for i := 0; i < b.segSize; i++ {
		sf.offsets[i] = binary.LittleEndian.Uint32(offTableBytes[i*4 : i*4+4])
	}
	return nil
}

// encodeEntry serializes numLabels(2) || (nameRef(4), valueRef(4))* ||
// CRC32(4) over the preceding bytes.
func (b *SegmentBackend) encodeEntry(labels label.Set) []byte {
	buf := make([]byte, 2+len(labels)*8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(labels)))
	off := 2
	for _, l := range labels {
		nameRef := b.sym.AddSymbol(l.Name)
		valueRef := b.sym.AddSymbol(l.Value)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(nameRef))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(valueRef))
		off += 8
	}
	crc := crc32.ChecksumIEEE(buf)
	out := make([]byte, len(buf)+4)
	copy(out, buf)
	binary.LittleEndian.PutUint32(out[len(buf):], crc)
	return out
}

func (b *SegmentBackend) decodeEntry(buf []byte) (label.Set, error) {
	if len(buf) < 2+4 {
		return nil, fmt.Errorf("series: short entry")
	}
	numLabels := int(binary.LittleEndian.Uint16(buf[0:2]))
	need := 2 + numLabels*8 + 4
	if len(buf) < need {
		return nil, fmt.Errorf("series: truncated entry")
	}
	body := buf[:2+numLabels*8]
	storedCRC := binary.LittleEndian.Uint32(buf[2+numLabels*8 : need])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, fmt.Errorf("series: entry checksum mismatch")
	}

	lset := make(label.Set, numLabels)
	off := 2
	for i := 0; i < numLabels; i++ {
		nameRef := symtab.Ref(binary.LittleEndian.Uint32(buf[off : off+4]))
		valueRef := symtab.Ref(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		name, err := b.sym.GetSymbol(nameRef)
		if err != nil {
			return nil, err
		}
		value, err := b.sym.GetSymbol(valueRef)
		if err != nil {
			return nil, err
		}
		lset[i] = label.Label{Name: name, Value: value}
		off += 8
	}
	return lset, nil
}

func (b *SegmentBackend) writeEntry(tsid uint64, labels label.Set) error {
	seg := tsid / uint64(b.segSize)
	slot := tsid % uint64(b.segSize)

	sf, err := b.getSegment(seg)
	if err != nil {
		return err
	}

	entry := b.encodeEntry(labels)

	sf.mu.Lock()
	defer sf.mu.Unlock()

	offset := sf.end + int64(len(sf.pending))
	sf.offsets[slot] = uint32(offset)
	sf.pending = append(sf.pending, entry...)
	sf.dirty = true
	return nil
}

func (b *SegmentBackend) readEntry(tsid uint64) (label.Set, bool, error) {
	seg := tsid / uint64(b.segSize)
	slot := tsid % uint64(b.segSize)

	sf, err := b.getSegment(seg)
	if err != nil {
		return nil, false, err
	}

	sf.mu.Lock()
	off := sf.offsets[slot]
	pending := sf.pending
	fileEnd := sf.end
	sf.mu.Unlock()

	if off == 0 {
		return nil, false, nil
	}

	// The entry may live in the already-flushed region of the file or in
	// the still-pending in-memory buffer.
	var raw []byte
	if int64(off) < fileEnd {
		raw = make([]byte, 2)
		if _, err := sf.file.ReadAt(raw, int64(off)); err != nil {
			return nil, false, fmt.Errorf("series: read entry header: %w", err)
		}
		numLabels := int(binary.LittleEndian.Uint16(raw))
		full := make([]byte, 2+numLabels*8+4)
		if _, err := sf.file.ReadAt(full, int64(off)); err != nil {
			return nil, false, fmt.Errorf("series: read entry: %w", err)
		}
		raw = full
	} else {
		pendOff := int64(off) - fileEnd
		if pendOff < 0 || pendOff >= int64(len(pending)) {
			return nil, false, fmt.Errorf("series: entry offset out of range")
		}
		raw = pending[pendOff:]
	}

	lset, err := b.decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	return lset, true, nil
}

func (b *SegmentBackend) flush() error {
	if err := b.sym.Flush(); err != nil {
		return err
	}

	b.mu.Lock()
	segs := make([]*segmentFile, 0, len(b.segments))
	for _, sf := range b.segments {
		segs = append(segs, sf)
	}
	b.mu.Unlock()

	for _, sf := range segs {
		if err := b.flushSegment(sf); err != nil {
			return err
		}
	}
	return nil
}

// flushSegment appends the pending entry bytes, then rewrites the offset
// table and its CRC32, fsyncing so the header update is atomic with
// respect to a crash (spec.md §4.C: "replace the header CRC atomically via
// rewrite-and-fsync on flush()").
func (b *SegmentBackend) flushSegment(sf *segmentFile) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.dirty {
		return nil
	}

	if len(sf.pending) > 0 {
		if _, err := unix.Pwrite(int(sf.file.Fd()), sf.pending, sf.end); err != nil {
			return fmt.Errorf("series: write entries: %w", err)
		}
		sf.end += int64(len(sf.pending))
		sf.pending = sf.pending[:0]
	}

	offTable := make([]byte, len(sf.offsets)*4)
	for i, o := range sf.offsets {
		binary.LittleEndian.PutUint32(offTable[i*4:i*4+4], o)
	}
	crc := crc32.ChecksumIEEE(offTable)

	hdr := make([]byte, 4+len(offTable)+4)
	binary.LittleEndian.PutUint32(hdr[:4], segmentMagic)
	copy(hdr[4:4+len(offTable)], offTable)
	binary.LittleEndian.PutUint32(hdr[4+len(offTable):], crc)

	if err := unix.Fsync(int(sf.file.Fd())); err != nil {
		return fmt.Errorf("series: fsync data: %w", err)
	}
	if _, err := unix.Pwrite(int(sf.file.Fd()), hdr, 0); err != nil {
		return fmt.Errorf("series: write header: %w", err)
	}
	if err := unix.Fsync(int(sf.file.Fd())); err != nil {
		return fmt.Errorf("series: fsync header: %w", err)
	}

	sf.dirty = false
	return nil
}

func (b *SegmentBackend) close() error {
	if err := b.flush(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for seg, sf := range b.segments {
		if err := sf.file.Close(); err != nil {
			return fmt.Errorf("series: close segment %d: %w", seg, err)
		}
	}
	return nil
}

// NewSegmentStore builds a Store fronting a SegmentBackend.
func NewSegmentStore(dir string, segSize, pageSize, maxEntries int, sym *symtab.Table) (*Store, error) {
	b, err := NewSegmentBackend(dir, segSize, pageSize, sym)
	if err != nil {
		return nil, err
	}
	return newStore(b, maxEntries), nil
}
