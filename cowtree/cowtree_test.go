package cowtree

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jimx-/tagtree/pagecache"
)

func openTestTree(t *testing.T, fanout int) *Tree[uint64, string] {
	t.Helper()
	pc, err := pagecache.Open(filepath.Join(t.TempDir(), "tree.db"), 4096, 32)
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	codec := Codec[uint64, string]{
		Less:      func(a, b uint64) bool { return a < b },
		KeySize:   8,
		ValueSize: 16,
		EncodeKey: func(k uint64, buf []byte) { binary.BigEndian.PutUint64(buf, k) },
		DecodeKey: func(buf []byte) uint64 { return binary.BigEndian.Uint64(buf) },
		EncodeVal: func(v string, buf []byte) { copy(buf, v) },
		DecodeVal: func(buf []byte) string {
			n := 0
			for n < len(buf) && buf[n] != 0 {
				n++
			}
			return string(buf[:n])
		},
	}
	tree, err := Open[uint64, string](pc, fanout, codec)
	require.NoError(t, err)
	return tree
}

func TestTree_InsertAndGetValues(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	require.NoError(t, txn.Insert(10, "ten"))
	require.NoError(t, txn.Insert(20, "twenty"))
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	require.Equal(t, []string{"ten"}, tree.GetValues(10, LatestVersion))
	require.Equal(t, []string{"twenty"}, tree.GetValues(20, LatestVersion))
	require.Nil(t, tree.GetValues(30, LatestVersion))
}

func TestTree_DuplicateKeysPreserveInsertionOrder(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	require.NoError(t, txn.Insert(5, "a"))
	require.NoError(t, txn.Insert(5, "b"))
	require.NoError(t, txn.Insert(5, "c"))
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "c"}, tree.GetValues(5, LatestVersion))
}

func TestTree_SplitAcrossManyKeys(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, txn.Insert(i, "v"))
	}
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	for i := uint64(0); i < 100; i++ {
		require.Equal(t, []string{"v"}, tree.GetValues(i, LatestVersion))
	}
}

func TestTree_UpdateReplacesFirstMatch(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	require.NoError(t, txn.Insert(1, "old"))
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	txn2 := tree.GetWriteTree()
	updated, err := txn2.Update(1, "new")
	require.NoError(t, err)
	require.True(t, updated)
	_, err = tree.Commit(txn2)
	require.NoError(t, err)

	require.Equal(t, []string{"new"}, tree.GetValues(1, LatestVersion))

	txn3 := tree.GetWriteTree()
	updated, err = txn3.Update(999, "x")
	require.NoError(t, err)
	require.False(t, updated)
}

func TestTree_CommitAbortsOnStaleSnapshot(t *testing.T) {
	tree := openTestTree(t, 4)

	txnA := tree.GetWriteTree()
	txnB := tree.GetWriteTree()

	require.NoError(t, txnA.Insert(1, "a"))
	_, err := tree.Commit(txnA)
	require.NoError(t, err)

	require.NoError(t, txnB.Insert(2, "b"))
	_, err = tree.Commit(txnB)
	require.ErrorIs(t, err, ErrTransactionAborted)
}

func TestTree_IteratorWalksAscendingKeys(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	for _, k := range []uint64{30, 10, 20} {
		require.NoError(t, txn.Insert(k, "v"))
	}
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	it := tree.Begin(0, LatestVersion)
	var seen []uint64
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, k)
	}
	require.Equal(t, []uint64{10, 20, 30}, seen)
}

// A fanout of 4 splits a leaf well before 100 keys are inserted, so this
// forces the iterator to cross several leaf boundaries — the case a
// leaf's own next/hasNext can't answer on its own since COW clones carry
// no sibling pointers.
func TestTree_IteratorCrossesLeafBoundaries(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	want := make([]uint64, 0, 100)
	for i := uint64(99); ; i-- {
		require.NoError(t, txn.Insert(i, "v"))
		want = append(want, i)
		if i == 0 {
			break
		}
	}
	for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
		want[i], want[j] = want[j], want[i]
	}
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	it := tree.Begin(0, LatestVersion)
	var seen []uint64
	for {
		k, vals, ok := it.Next()
		if !ok {
			break
		}
		require.Equal(t, []string{"v"}, vals)
		seen = append(seen, k)
	}
	require.Equal(t, want, seen)
}

// Starting mid-range must land on the correct leaf and still cross every
// boundary after it, not just the one it starts in.
func TestTree_IteratorFromMidRangeStart(t *testing.T) {
	tree := openTestTree(t, 4)

	txn := tree.GetWriteTree()
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, txn.Insert(i, "v"))
	}
	_, err := tree.Commit(txn)
	require.NoError(t, err)

	it := tree.Begin(37, LatestVersion)
	var seen []uint64
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, k)
	}
	want := make([]uint64, 0, 63)
	for i := uint64(37); i < 100; i++ {
		want = append(want, i)
	}
	require.Equal(t, want, seen)
}

func TestTree_MetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	pc, err := pagecache.Open(filepath.Join(dir, "tree.db"), 4096, 32)
	require.NoError(t, err)

	codec := Codec[uint64, string]{
		Less:      func(a, b uint64) bool { return a < b },
		KeySize:   8,
		ValueSize: 16,
		EncodeKey: func(k uint64, buf []byte) { binary.BigEndian.PutUint64(buf, k) },
		DecodeKey: func(buf []byte) uint64 { return binary.BigEndian.Uint64(buf) },
		EncodeVal: func(v string, buf []byte) { copy(buf, v) },
		DecodeVal: func(buf []byte) string {
			n := 0
			for n < len(buf) && buf[n] != 0 {
				n++
			}
			return string(buf[:n])
		},
	}

	tree, err := Open[uint64, string](pc, 4, codec)
	require.NoError(t, err)
	txn := tree.GetWriteTree()
	require.NoError(t, txn.Insert(42, "hello"))
	_, err = tree.Commit(txn)
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	pc2, err := pagecache.Open(filepath.Join(dir, "tree.db"), 4096, 32)
	require.NoError(t, err)
	defer pc2.Close()

	tree2, err := Open[uint64, string](pc2, 4, codec)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, tree2.GetValues(42, LatestVersion))
}
