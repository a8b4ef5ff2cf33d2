package indextree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jimx-/tagtree/internal/bitmap"
	"github.com/Jimx-/tagtree/label"
	"github.com/Jimx-/tagtree/pagecache"
	"github.com/Jimx-/tagtree/symtab"
)

func openTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()

	sym, err := symtab.Open(filepath.Join(dir, "symbol.tab"))
	require.NoError(t, err)
	t.Cleanup(func() { sym.Close() })

	pc, err := pagecache.Open(filepath.Join(dir, "index.db"), 4096, 64)
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	tree, err := Open(pc, sym, false)
	require.NoError(t, err)
	return tree
}

func postingsOf(tsids ...uint64) *bitmap.Postings {
	bm := bitmap.New()
	for _, id := range tsids {
		bm.Add(id)
	}
	return bm
}

func TestWriteSnapshot_ResolvesByEQ(t *testing.T) {
	tree := openTestTree(t)

	ns := NameSnapshot{
		Name: "__name__",
		Postings: []LabeledPostings{
			{Value: "cpu", Bitmap: postingsOf(1, 2, 3), MinTS: 100, MaxTS: 300},
		},
	}
	require.NoError(t, tree.WriteSnapshot(ns, 3))

	matchers := []*label.Matcher{{Op: label.EQ, Name: "__name__", Value: "cpu"}}
	result, err := tree.ResolveLabelMatchers(matchers, 0, ^uint64(0))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2, 3}, result.ToArray())
}

func TestWriteSnapshot_BitmapLayoutChosenForOneDenseValue(t *testing.T) {
	tree := openTestTree(t)

	var tsids []uint64
	for i := uint64(1); i <= 1000; i++ {
		tsids = append(tsids, i)
	}
	ns := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(tsids...), MinTS: 0, MaxTS: 1000}},
	}
	require.False(t, tree.chooseSortedList(ns), "one value with 1000 tsids should be cheaper as a bitmap page")
	require.NoError(t, tree.WriteSnapshot(ns, 1000))

	values, err := tree.LabelValues("__name__")
	require.NoError(t, err)
	require.Equal(t, []string{"cpu"}, values)
}

func TestWriteSnapshot_SortedListLayoutChosenForManySparseValues(t *testing.T) {
	tree := openTestTree(t)

	var postings []LabeledPostings
	for i := 0; i < 200; i++ {
		postings = append(postings, LabeledPostings{
			Value:  string(rune('a' + i%26)) + string(rune('0'+i/26)),
			Bitmap: postingsOf(uint64(i) + 1),
			MinTS:  0,
			MaxTS:  100,
		})
	}
	ns := NameSnapshot{Name: "host", Postings: postings}
	require.True(t, tree.chooseSortedList(ns), "200 single-tsid values should be cheaper as a sorted list")
	require.NoError(t, tree.WriteSnapshot(ns, 200))

	values, err := tree.LabelValues("host")
	require.NoError(t, err)
	require.Empty(t, values, "sorted-list pages carry no page-level value and must not surface from LabelValues")
}

// SORTED_LIST pages are keyed under an empty value (see
// buildSortedListEntries), a different valueHashPrefix bucket than an EQ
// matcher's own value would hash to; ResolveLabelMatchers must still find
// postings stored that way.
func TestResolveLabelMatchers_EQFindsSortedListPosting(t *testing.T) {
	tree := openTestTree(t)

	var postings []LabeledPostings
	for i := 0; i < 200; i++ {
		postings = append(postings, LabeledPostings{
			Value:  fmt.Sprintf("host-%d", i),
			Bitmap: postingsOf(uint64(i) + 1),
			MinTS:  0,
			MaxTS:  100,
		})
	}
	ns := NameSnapshot{Name: "instance", Postings: postings}
	require.True(t, tree.chooseSortedList(ns), "200 single-tsid values should be cheaper as a sorted list")
	require.NoError(t, tree.WriteSnapshot(ns, 200))

	matchers := []*label.Matcher{{Op: label.EQ, Name: "instance", Value: "host-42"}}
	result, err := tree.ResolveLabelMatchers(matchers, 0, ^uint64(0))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{43}, result.ToArray())
}

func TestResolveLabelMatchers_ExcludesPageAtOrPastEnd(t *testing.T) {
	tree := openTestTree(t)
	// One posting per round would tie to SORTED_LIST, whose second round
	// continues the first round's page and key; force one bitmap page per
	// round so each round's key carries its own watermark.
	tree.bitmapOnly = true

	ns1 := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(1), MinTS: 0, MaxTS: 10}},
	}
	require.NoError(t, tree.WriteSnapshot(ns1, 10))

	ns2 := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(2), MinTS: 20, MaxTS: 30}},
	}
	require.NoError(t, tree.WriteSnapshot(ns2, 30))

	matchers := []*label.Matcher{{Op: label.EQ, Name: "__name__", Value: "cpu"}}
	result, err := tree.ResolveLabelMatchers(matchers, 0, 20)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1}, result.ToArray())
}

func TestWriteSnapshot_UpdateAppendsToExistingSegment(t *testing.T) {
	tree := openTestTree(t)

	ns1 := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(1), MinTS: 0, MaxTS: 10}},
	}
	require.NoError(t, tree.WriteSnapshot(ns1, 1))

	ns2 := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(2), MinTS: 0, MaxTS: 20}},
	}
	require.NoError(t, tree.WriteSnapshot(ns2, 2))

	matchers := []*label.Matcher{{Op: label.EQ, Name: "__name__", Value: "cpu"}}
	result, err := tree.ResolveLabelMatchers(matchers, 0, ^uint64(0))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, result.ToArray())
}

// A roaring-serialized bitmap page would overflow for a value with
// thousands of scattered TSIDs packed into one segment (an array
// container needs 2 bytes per element, well past the page body's 4080
// bytes); the dense fixed-width layout always fits.
func TestWriteSnapshot_BitmapPageHoldsManyScatteredTSIDsInOneSegment(t *testing.T) {
	tree := openTestTree(t)

	var tsids []uint64
	for i := uint64(0); i < 6000; i++ {
		tsids = append(tsids, i*3+1)
	}
	ns := NameSnapshot{
		Name:     "__name__",
		Postings: []LabeledPostings{{Value: "cpu", Bitmap: postingsOf(tsids...), MinTS: 0, MaxTS: 1000}},
	}
	require.False(t, tree.chooseSortedList(ns))
	require.NoError(t, tree.WriteSnapshot(ns, 1))

	matchers := []*label.Matcher{{Op: label.EQ, Name: "__name__", Value: "cpu"}}
	result, err := tree.ResolveLabelMatchers(matchers, 0, ^uint64(0))
	require.NoError(t, err)
	require.ElementsMatch(t, tsids, result.ToArray())
}

func TestLabelValues_ReadsBitmapPageHeaders(t *testing.T) {
	tree := openTestTree(t)
	// Two single-posting values would tie to SORTED_LIST, which LabelValues
	// skips; force the bitmap layout this test reads.
	tree.bitmapOnly = true

	ns := NameSnapshot{
		Name: "host",
		Postings: []LabeledPostings{
			{Value: "a", Bitmap: postingsOf(1), MinTS: 0, MaxTS: 10},
			{Value: "b", Bitmap: postingsOf(2), MinTS: 0, MaxTS: 10},
		},
	}
	require.NoError(t, tree.WriteSnapshot(ns, 2))

	values, err := tree.LabelValues("host")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, values)
}
