package memindex

import (
	"sync/atomic"

	"github.com/Jimx-/tagtree/internal/bitmap"
)

// memPosting is one (name,value)'s TSID set. minTimestamp/nextTimestamp are
// only ever touched under the owning stripe's exclusive lock (set by add),
// so they need no atomics; maxTimestamp is updated by the lock-free touch
// fast path under the stripe's *shared* lock and so is kept atomic, per
// mem_index.cpp's MemStripe::touch taking only a shared_lock while still
// mutating it — the header shipped alongside that source (mem_postings.h)
// predates this and omits max_timestamp/touch entirely; this type is
// reconstructed from the .cpp's actual call sites rather than that header.
type memPosting struct {
	bitmap        *bitmap.Postings
	minTimestamp  uint64
	maxTimestamp  atomic.Uint64
	nextTimestamp uint64
}

func newMemPosting() *memPosting {
	return &memPosting{
		bitmap:        bitmap.New(),
		minTimestamp:  maxUint64,
		nextTimestamp: maxUint64,
	}
}

const maxUint64 = ^uint64(0)

// add records tsid at timestamp, called only under the stripe's exclusive
// lock. setNext routes the timestamp into nextTimestamp (a pending min_ts
// for postings that arrived after a compaction watermark was armed)
// instead of minTimestamp.
func (p *memPosting) add(tsid, timestamp uint64, setNext bool) {
	p.bitmap.Add(tsid)
	if setNext {
		if timestamp < p.nextTimestamp {
			p.nextTimestamp = timestamp
		}
	} else if timestamp < p.minTimestamp {
		p.minTimestamp = timestamp
	}
	p.bumpMax(timestamp)
}

// touch lock-free-updates maxTimestamp to timestamp if it is larger,
// callable under only a shared lock on the owning stripe.
func (p *memPosting) touch(timestamp uint64) {
	p.bumpMax(timestamp)
}

func (p *memPosting) bumpMax(timestamp uint64) {
	for {
		cur := p.maxTimestamp.Load()
		if timestamp <= cur {
			return
		}
		if p.maxTimestamp.CompareAndSwap(cur, timestamp) {
			return
		}
	}
}
