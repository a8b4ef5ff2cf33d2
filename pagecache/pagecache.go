// Package pagecache implements component A: a fixed-size page abstraction
// over a single heap file, with an LRU of pinned/unpinned frames and a
// per-page upgradeable reader/writer lock. Page 0 is reserved for whatever
// caller wants a meta page (the COW tree uses it for its double-written
// meta page); pages >= 1 are allocated by NewPage.
package pagecache

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PageID identifies a page within the heap file.
type PageID uint32

// MetaPageID is the reserved page used for tree-level metadata.
const MetaPageID PageID = 0

// LockKind distinguishes a shared (reader) hold from an exclusive (writer)
// hold on a Page.
type LockKind int

const (
	Shared LockKind = iota
	Exclusive
)

// Page is one fixed-size frame of the heap file, resident in memory while
// pinned. Callers obtain a Page together with a Guard from the Cache and
// must release the Guard via Cache.Unpin before the page can be evicted.
type Page struct {
	id   PageID
	data []byte

	mu        sync.RWMutex // the upgradeable lock itself
	upgradeMu sync.Mutex   // serializes upgraders: at most one in flight at a time

	pin int32 // atomic pin count
}

// ID returns the page's identifier.
func (p *Page) ID() PageID { return p.id }

// Data returns the page's backing buffer. The caller must hold at least a
// shared Guard over the page to read it safely, and an exclusive Guard to
// mutate it.
func (p *Page) Data() []byte { return p.data }

// Guard represents a held lock on a Page, either shared or exclusive. It
// refuses a double upgrade at run time: Upgrade on an Exclusive guard
// returns an error, and on a Shared guard turns it into the sole Exclusive
// guard for that hold.
type Guard struct {
	page *Page
	kind LockKind
}

// Kind reports whether the guard currently holds a shared or exclusive
// lock.
func (g *Guard) Kind() LockKind { return g.kind }

// Upgrade converts a shared hold into an exclusive one. Only one upgrader
// may be in flight for a given page at a time (enforced by the page's
// upgradeMu) — a second concurrent Upgrade call blocks until the first
// completes and releases, which is the "writer must be the sole upgrader"
// invariant spec.md §4.A requires.
func (g *Guard) Upgrade() error {
	if g.kind == Exclusive {
		return fmt.Errorf("pagecache: guard already exclusive")
	}
	g.page.upgradeMu.Lock()
	g.page.mu.RUnlock()
	g.page.mu.Lock()
	g.kind = Exclusive
	return nil
}

func (g *Guard) release() {
	if g.kind == Exclusive {
		g.page.mu.Unlock()
		g.page.upgradeMu.Unlock()
	} else {
		g.page.mu.RUnlock()
	}
}

// frame is the cache's bookkeeping record for a resident page.
type frame struct {
	page    *Page
	dirty   bool
	lruElem *list.Element // nil while pinned
}

// Cache is the fixed-size page cache over a single heap file.
type Cache struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	capacity int // max resident frames, pinned or not

	frames  map[PageID]*frame
	lru     *list.List // unpinned frames, front = most recently used
	nextID  uint32
	fileLen int64
}

// Open opens or creates the heap file at path with the given page size and
// frame capacity (in pages).
func Open(path string, pageSize, capacity int) (*Cache, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagecache: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagecache: stat %s: %w", path, err)
	}

	c := &Cache{
		file:     f,
		pageSize: pageSize,
		capacity: capacity,
		frames:   make(map[PageID]*frame),
		lru:      list.New(),
		fileLen:  fi.Size(),
	}
	c.nextID = uint32(fi.Size() / int64(pageSize))
	if c.nextID == 0 {
		c.nextID = 1 // page 0 is reserved
	}
	return c, nil
}

// PageSize returns the configured page size in bytes.
func (c *Cache) PageSize() int { return c.pageSize }

// Close flushes and closes the heap file.
func (c *Cache) Close() error {
	if err := c.FlushAll(); err != nil {
		return err
	}
	return c.file.Close()
}

// NewPage allocates a fresh page, pins it, and returns it with an
// exclusive Guard already held so the caller can initialize its contents
// before anyone else can observe them.
func (c *Cache) NewPage() (*Page, *Guard, error) {
	c.mu.Lock()
	id := PageID(c.nextID)
	c.nextID++
	need := int64(id+1) * int64(c.pageSize)
	if need > c.fileLen {
		if err := c.file.Truncate(need); err != nil {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("pagecache: truncate: %w", err)
		}
		c.fileLen = need
	}

	fr := &frame{page: &Page{id: id, data: make([]byte, c.pageSize), pin: 1}}
	c.frames[id] = fr
	c.evictIfNeededLocked()
	c.mu.Unlock()

	// An Exclusive guard's release unlocks upgradeMu as well as mu, so both
	// are taken here, in Upgrade's order.
	fr.page.upgradeMu.Lock()
	fr.page.mu.Lock()
	return fr.page, &Guard{page: fr.page, kind: Exclusive}, nil
}

// FetchPage returns the page with the given ID, loading it from the heap
// file if not resident, pinned and held with a shared Guard.
func (c *Cache) FetchPage(id PageID) (*Page, *Guard, error) {
	c.mu.Lock()
	fr, ok := c.frames[id]
	if ok {
		if fr.lruElem != nil {
			c.lru.Remove(fr.lruElem)
			fr.lruElem = nil
		}
		atomic.AddInt32(&fr.page.pin, 1)
		c.mu.Unlock()
	} else {
		data := make([]byte, c.pageSize)
		off := int64(id) * int64(c.pageSize)
		if off+int64(c.pageSize) <= c.fileLen {
			if _, err := unix.Pread(int(c.file.Fd()), data, off); err != nil {
				c.mu.Unlock()
				return nil, nil, fmt.Errorf("pagecache: read page %d: %w", id, err)
			}
		}
		fr = &frame{page: &Page{id: id, data: data, pin: 1}}
		c.frames[id] = fr
		c.evictIfNeededLocked()
		c.mu.Unlock()
	}

	fr.page.mu.RLock()
	return fr.page, &Guard{page: fr.page, kind: Shared}, nil
}

// Unpin releases the Guard held over page and decrements its pin count. If
// dirty, the page's content is marked for flush. Once the pin count
// reaches zero the frame becomes eligible for LRU eviction.
func (c *Cache) Unpin(page *Page, dirty bool, g *Guard) {
	g.release()

	c.mu.Lock()
	defer c.mu.Unlock()

	fr, ok := c.frames[page.id]
	if !ok {
		return
	}
	if dirty {
		fr.dirty = true
	}
	if atomic.AddInt32(&fr.page.pin, -1) == 0 {
		fr.lruElem = c.lru.PushFront(fr)
		c.evictIfNeededLocked()
	}
}

// evictIfNeededLocked evicts least-recently-used unpinned frames until the
// cache is back under capacity. Must be called with c.mu held. Dirty
// frames are flushed to the heap file before eviction.
func (c *Cache) evictIfNeededLocked() {
	for len(c.frames) > c.capacity && c.lru.Len() > 0 {
		back := c.lru.Back()
		fr := back.Value.(*frame)
		c.lru.Remove(back)
		if fr.dirty {
			_ = c.flushFrameLocked(fr)
		}
		delete(c.frames, fr.page.id)
	}
}

func (c *Cache) flushFrameLocked(fr *frame) error {
	off := int64(fr.page.id) * int64(c.pageSize)
	if _, err := unix.Pwrite(int(c.file.Fd()), fr.page.data, off); err != nil {
		return fmt.Errorf("pagecache: write page %d: %w", fr.page.id, err)
	}
	fr.dirty = false
	return nil
}

// FlushAll writes every dirty resident frame to the heap file and fsyncs
// it, per spec.md §4.A ("fsync on flush").
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, fr := range c.frames {
		if fr.dirty {
			if err := c.flushFrameLocked(fr); err != nil {
				return err
			}
		}
	}
	return unix.Fsync(int(c.file.Fd()))
}
