// Embedded-B+tree series store backend, the second of spec.md §4.C's two
// "interchangeable persistence backends": a standard B+tree mapping TSID
// to an entry-file offset, plus a flat entry file. Rather than hand-roll a
// second B+tree, this backend uses the teacher's own go.etcd.io/bbolt
// dependency directly as the TSID->offset index, which is exactly what
// spec.md asks for here (distinct from component D's bit-exact,
// multi-versioned COW tree, which bbolt cannot stand in for).
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
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

var bboltBucket = []byte("series_offsets")

// BBoltBackend implements the series.backend contract using a bbolt
// database for the TSID->offset index and a flat, append-only file for
// entry bodies, encoded identically to the segment-file backend's entries.
type BBoltBackend struct {
	mu      sync.Mutex
	db      *bolt.DB
	entries *os.File
	end     int64
	sym     *symtab.Table
}

// NewBBoltBackend opens (creating as needed) index.bolt and entries.dat
// under dir.
func NewBBoltBackend(dir string, sym *symtab.Table) (*BBoltBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("series: create dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.bolt"), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("series: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bboltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("series: create bucket: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "entries.dat"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("series: open entries file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		db.Close()
		return nil, err
	}

	return &BBoltBackend{db: db, entries: f, end: fi.Size(), sym: sym}, nil
}

func tsidKey(tsid uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], tsid) // big-endian so bbolt's ordered scan sorts by TSID
	return b[:]
}

func (b *BBoltBackend) encodeEntry(labels label.Set) []byte {
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

func (b *BBoltBackend) decodeEntry(buf []byte) (label.Set, error) {
	if len(buf) < 6 {
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

func (b *BBoltBackend) writeEntry(tsid uint64, labels label.Set) error {
	entry := b.encodeEntry(labels)

	b.mu.Lock()
	defer b.mu.Unlock()

	offset := b.end
	if _, err := unix.Pwrite(int(b.entries.Fd()), entry, offset); err != nil {
		return fmt.Errorf("series: write entry: %w", err)
	}
	b.end += int64(len(entry))

	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], uint64(offset))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bboltBucket).Put(tsidKey(tsid), offBuf[:])
	})
}

func (b *BBoltBackend) readEntry(tsid uint64) (label.Set, bool, error) {
	var offset int64
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bboltBucket).Get(tsidKey(tsid))
		if v == nil {
			return nil
		}
		found = true
		offset = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("series: bbolt get: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	hdr := make([]byte, 2)
	if _, err := b.entries.ReadAt(hdr, offset); err != nil {
		return nil, false, fmt.Errorf("series: read entry header: %w", err)
	}
	numLabels := int(binary.LittleEndian.Uint16(hdr))
	full := make([]byte, 2+numLabels*8+4)
	if _, err := b.entries.ReadAt(full, offset); err != nil {
		return nil, false, fmt.Errorf("series: read entry: %w", err)
	}

	lset, err := b.decodeEntry(full)
	if err != nil {
		return nil, false, err
	}
	return lset, true, nil
}

func (b *BBoltBackend) flush() error {
	if err := b.sym.Flush(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Fsync(int(b.entries.Fd()))
}

func (b *BBoltBackend) close() error {
	if err := b.flush(); err != nil {
		return err
	}
	if err := b.entries.Close(); err != nil {
		return err
	}
	return b.db.Close()
}

// NewBBoltStore builds a Store fronting a BBoltBackend.
func NewBBoltStore(dir string, maxEntries int, sym *symtab.Table) (*Store, error) {
	b, err := NewBBoltBackend(dir, sym)
	if err != nil {
		return nil, err
	}
	return newStore(b, maxEntries), nil
}
