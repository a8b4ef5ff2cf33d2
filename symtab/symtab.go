// Package symtab implements component B: an append-only on-disk dictionary
// assigning a 32-bit reference to each distinct label name/value string.
// Reads are lock-free against the in-memory slice under a shared lock;
// appends are serialized under an exclusive lock. Grounded on
// original_source/src/series/symbol_table.cpp, translated file-I/O-for-
// file-I/O into Go.
package symtab

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Ref is a 32-bit reference into the symbol table.
type Ref uint32

const magic uint32 = 0x5a544142 // "ZTAB"

// ErrCorrupt is returned when the on-disk file or a requested reference is
// invalid.
var ErrCorrupt = fmt.Errorf("symtab: corrupt index")

// Table is the append-only symbol dictionary.
type Table struct {
	mu      sync.RWMutex
	file    *os.File
	symbols []string
	index   map[string]Ref

	lastFlushedRef int // number of symbols already durably written
	fileOff        int64
}

// Open opens or creates the symbol table file at path and loads its
// contents into memory.
func Open(path string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("symtab: open %s: %w", path, err)
	}
	t := &Table{file: f, index: make(map[string]Ref)}
	if err := t.load(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) load() error {
	fi, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("symtab: stat: %w", err)
	}
	if fi.Size() == 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], magic)
		if _, err := t.file.WriteAt(buf[:], 0); err != nil {
			return fmt.Errorf("symtab: write magic: %w", err)
		}
		t.fileOff = 4
		return nil
	}

	data := make([]byte, fi.Size())
	if _, err := t.file.ReadAt(data, 0); err != nil {
		return fmt.Errorf("symtab: read: %w", err)
	}
	if len(data) < 4 || binary.LittleEndian.Uint32(data[:4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	off := 4
	for off < len(data) {
		if off+4 > len(data) {
			return fmt.Errorf("%w: truncated length", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+n > len(data) {
			return fmt.Errorf("%w: truncated symbol", ErrCorrupt)
		}
		sym := string(data[off : off+n])
		off += n

		ref := Ref(len(t.symbols))
		t.symbols = append(t.symbols, sym)
		t.index[sym] = ref
	}
	t.fileOff = int64(off)
	t.lastFlushedRef = len(t.symbols)
	return nil
}

// AddSymbol returns the existing reference for sym if present, otherwise
// appends it under an exclusive lock and returns the new reference.
func (t *Table) AddSymbol(sym string) Ref {
	t.mu.RLock()
	if ref, ok := t.index[sym]; ok {
		t.mu.RUnlock()
		return ref
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if ref, ok := t.index[sym]; ok {
		return ref
	}

	ref := Ref(len(t.symbols))
	t.symbols = append(t.symbols, sym)
	t.index[sym] = ref
	return ref
}

// LookupSymbol returns the existing reference for sym, reporting false
// without interning it if sym has never been added.
func (t *Table) LookupSymbol(sym string) (Ref, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.index[sym]
	return ref, ok
}

// GetSymbol returns the string for ref, failing with ErrCorrupt if
// ref >= the number of known symbols.
func (t *Table) GetSymbol(ref Ref) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(ref) >= len(t.symbols) {
		return "", fmt.Errorf("%w: ref %d >= %d", ErrCorrupt, ref, len(t.symbols))
	}
	return t.symbols[ref], nil
}

// Flush writes every symbol with index >= last_flushed_ref in one or more
// bounded buffers and fsyncs, per spec.md §4.B.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	const maxBuf = 1 << 20 // 1 MiB bounded write buffer
	buf := make([]byte, 0, maxBuf)
	var lenBuf [4]byte

	flushBuf := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := t.file.WriteAt(buf, t.fileOff); err != nil {
			return fmt.Errorf("symtab: write: %w", err)
		}
		t.fileOff += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	for i := t.lastFlushedRef; i < len(t.symbols); i++ {
		sym := t.symbols[i]
		if len(buf)+4+len(sym) > maxBuf {
			if err := flushBuf(); err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sym)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, sym...)
	}
	if err := flushBuf(); err != nil {
		return err
	}
	t.lastFlushedRef = len(t.symbols)

	return unix.Fsync(int(t.file.Fd()))
}

// Close flushes and closes the underlying file.
func (t *Table) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	return t.file.Close()
}

// Len returns the number of interned symbols, including ones not yet
// flushed to disk.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.symbols)
}
