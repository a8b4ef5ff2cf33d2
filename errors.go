package tagtree

import (
	"fmt"

	"github.com/Jimx-/tagtree/wal"
)

// ErrCapacityExceeded is returned by Commit when a batch serializes to a
// WAL record too large to fit in a single segment.
var ErrCapacityExceeded = wal.ErrCapacityExceeded

// ErrNotUnique is returned by Exists when the index tree resolves a label
// set to more than one distinct TSID, which signals a broken data invariant
// rather than a normal race.
var ErrNotUnique = fmt.Errorf("tagtree: label set is not unique")

// ErrClosed is returned by any public operation called after Close.
var ErrClosed = fmt.Errorf("tagtree: server is closed")
