package memindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jimx-/tagtree/label"
)

func mustSet(pairs ...string) label.Set {
	var s label.Set
	for i := 0; i < len(pairs); i += 2 {
		s = append(s, label.Label{Name: pairs[i], Value: pairs[i+1]})
	}
	return s
}

func TestIndex_AddIdempotent(t *testing.T) {
	idx := New()
	labels := mustSet("__name__", "cpu", "host", "a")

	tsid, ok := idx.Add(labels, 1, 100)
	require.True(t, ok)
	require.Equal(t, uint64(1), tsid)

	again, ok := idx.Add(labels, 2, 200)
	require.True(t, ok)
	require.Equal(t, uint64(1), again, "re-adding the same label set must resolve to the original tsid")
}

func TestIndex_AddRejectsBelowWatermark(t *testing.T) {
	idx := New()
	idx.SetLowWatermark(10, false)

	_, ok := idx.Add(mustSet("__name__", "cpu"), 5, 100)
	require.False(t, ok)

	_, ok = idx.Add(mustSet("__name__", "cpu"), 11, 100)
	require.True(t, ok)
}

func TestIndex_TouchUpdatesMaxTimestamp(t *testing.T) {
	idx := New()
	labels := mustSet("__name__", "cpu", "host", "a")

	_, ok := idx.Add(labels, 1, 100)
	require.True(t, ok)

	idx.Touch(labels, 1, 500)

	snap, maxTime := idx.Snapshot(1)
	require.Equal(t, uint64(500), maxTime)
	require.Len(t, snap["__name__"], 1)
	require.Equal(t, uint64(500), snap["__name__"][0].MaxTS)
}

func TestIndex_TouchFallsBackToAdd(t *testing.T) {
	idx := New()
	labels := mustSet("__name__", "cpu", "host", "a")

	// tsid 7 has never been added under these labels, so Touch must add it.
	idx.Touch(labels, 7, 100)

	got := idx.ResolveLabelMatchers([]*label.Matcher{
		{Op: label.EQ, Name: "__name__", Value: "cpu"},
	})
	require.True(t, got.Contains(7))
}

func TestIndex_ResolveLabelMatchers(t *testing.T) {
	idx := New()
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "a"), 1, 100)
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "b"), 2, 100)
	_, _ = idx.Add(mustSet("__name__", "mem", "host", "a"), 3, 100)

	eqHostA := idx.ResolveLabelMatchers([]*label.Matcher{
		{Op: label.EQ, Name: "__name__", Value: "cpu"},
		{Op: label.EQ, Name: "host", Value: "a"},
	})
	require.ElementsMatch(t, []uint64{1}, eqHostA.ToArray())

	neqHostA := idx.ResolveLabelMatchers([]*label.Matcher{
		{Op: label.EQ, Name: "__name__", Value: "cpu"},
		{Op: label.NEQ, Name: "host", Value: "a"},
	})
	require.ElementsMatch(t, []uint64{2}, neqHostA.ToArray())

	pureNeq := idx.ResolveLabelMatchers([]*label.Matcher{
		{Op: label.NEQ, Name: "__name__", Value: "cpu"},
	})
	require.ElementsMatch(t, []uint64{3}, pureNeq.ToArray())
}

func TestIndex_LabelValues(t *testing.T) {
	idx := New()
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "a"), 1, 100)
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "b"), 2, 100)

	values := idx.LabelValues("host")
	require.ElementsMatch(t, []string{"a", "b"}, values)
}

func TestIndex_SnapshotConsistency(t *testing.T) {
	idx := New()
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "a"), 1, 50)
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "a"), 2, 150)

	snap, _ := idx.Snapshot(1)
	require.Len(t, snap["__name__"], 1)
	require.Equal(t, "cpu", snap["__name__"][0].Value)
	require.True(t, snap["__name__"][0].Bitmap.Contains(1))
	require.False(t, snap["__name__"][0].Bitmap.Contains(2), "tsid 2 carries tsid 1's label set, so Add resolves it to tsid 1 and never inserts it")
}

func TestIndex_GCRetainsSuffix(t *testing.T) {
	idx := New()
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "a"), 1, 100)
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "b"), 2, 200)
	_, _ = idx.Add(mustSet("__name__", "cpu", "host", "c"), 3, 300)

	idx.SetLowWatermark(2, false)
	idx.GC()

	got := idx.ResolveLabelMatchers([]*label.Matcher{{Op: label.EQ, Name: "__name__", Value: "cpu"}})
	require.ElementsMatch(t, []uint64{2, 3}, got.ToArray())
}

func TestIndex_GCErasesEmptyNames(t *testing.T) {
	idx := New()
	_, _ = idx.Add(mustSet("__name__", "cpu"), 1, 100)

	idx.SetLowWatermark(100, false)
	idx.GC()

	values := idx.LabelValues("__name__")
	require.Empty(t, values)
}
