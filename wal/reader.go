package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader replays one WAL segment sequentially, reassembling chunked
// records. Grounded on original_source/src/wal/reader.cpp.
type Reader struct {
	f   *os.File
	buf [PageSize]byte

	pageOffset int
	eof        bool
}

// NewReader opens path for sequential replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}

	r := &Reader{f: f}
	if err := r.readPage(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// readPage fills buf with the next PageSize bytes, zero-padding a short
// final read (a segment ends mid-page after a flushed LogRecord, a Close,
// or a crash that interrupted the writer mid-page).
func (r *Reader) readPage() error {
	r.pageOffset = 0

	n, err := io.ReadFull(r.f, r.buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		for i := n; i < PageSize; i++ {
			r.buf[i] = 0
		}
		r.eof = n == 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: read page: %w", err)
	}
	r.eof = false
	return nil
}

// GetNext reassembles and returns the next logical record, or ok=false at
// EOF. A chunk sequence truncated by a crash (FIRST/MIDDLE with no
// trailing LAST before EOF) is silently dropped, per spec.md §4.G's
// best-effort tail replay.
func (r *Reader) GetNext() (record []byte, ok bool, err error) {
	if r.eof {
		return nil, false, nil
	}

	for {
		if r.pageOffset+recordHeaderSize >= PageSize {
			if err := r.readPage(); err != nil {
				return nil, false, err
			}
			if r.eof {
				return nil, false, nil
			}
		}

		typ := recordType(r.buf[r.pageOffset])
		r.pageOffset++

		if typ == lrNone {
			r.pageOffset = PageSize
			continue
		}

		length := binary.BigEndian.Uint16(r.buf[r.pageOffset:])
		r.pageOffset += 2
		wantCRC := binary.BigEndian.Uint32(r.buf[r.pageOffset:])
		r.pageOffset += 4

		chunk := r.buf[r.pageOffset : r.pageOffset+int(length)]
		r.pageOffset += int(length)

		// A CRC mismatch on a tail chunk is indistinguishable from a torn
		// write interrupted mid-record by a crash, so it is treated the
		// same as the truncated-tail case spec.md §4.G calls out: drop the
		// in-progress record and stop, rather than failing the whole
		// replay.
		if crc32.ChecksumIEEE(chunk) != wantCRC {
			r.eof = true
			return nil, false, nil
		}

		record = append(record, chunk...)

		if typ == lrFull || typ == lrLast {
			return record, true, nil
		}
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
