package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jimx-/tagtree/label"
)

func TestWAL_WriteAndReplaySingleRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	rec := SerializeSeries([]SeriesRef{
		{TSID: 42, Timestamp: 1000, Labels: label.Set{{Name: "__name__", Value: "cpu"}}},
	})
	require.NoError(t, w.LogRecord(rec, true))
	require.NoError(t, w.Close())

	r, err := NewReader(dir + "/00000001")
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.GetNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	series, err := DeserializeSeries(got)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, uint64(42), series[0].TSID)
	require.Equal(t, uint64(1000), series[0].Timestamp)
	require.Equal(t, "cpu", series[0].Labels[0].Value)
}

func TestWAL_RecordLargerThanPageSplitsAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	var refs []SeriesRef
	for i := 0; i < 500; i++ {
		refs = append(refs, SeriesRef{
			TSID:      uint64(i),
			Timestamp: uint64(i) * 10,
			Labels:    label.Set{{Name: "__name__", Value: "cpu"}, {Name: "host", Value: "server-with-a-long-name"}},
		})
	}
	rec := SerializeSeries(refs)
	require.Greater(t, len(rec), PageSize, "test record must exceed one page to exercise FIRST/MIDDLE/LAST framing")

	require.NoError(t, w.LogRecord(rec, true))
	require.NoError(t, w.Close())

	r, err := NewReader(dir + "/00000001")
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.GetNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestWAL_CheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	stats, err := w.LastCheckpoint()
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.LastSegment)
	require.Equal(t, uint64(0), stats.LowWatermark)

	require.NoError(t, w.WriteCheckpoint(7, 3))

	stats, err = w.LastCheckpoint()
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.LastSegment)
	require.Equal(t, uint64(7), stats.LowWatermark)
}

func TestWAL_CloseSegmentAdvancesNumbering(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	closed, err := w.CloseSegment()
	require.NoError(t, err)
	require.Equal(t, uint32(1), closed)

	start, end, err := w.GetSegmentRange()
	require.NoError(t, err)
	require.Equal(t, uint32(1), start)
	require.Equal(t, uint32(2), end)
}

func TestWAL_LogRecordRejectsOversizedRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	rec := make([]byte, MaxSegmentSize)
	require.ErrorIs(t, w.LogRecord(rec, true), ErrCapacityExceeded)
}

func TestReader_TruncatedTailIsDroppedSilently(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	rec1 := SerializeSeries([]SeriesRef{{TSID: 1, Timestamp: 10, Labels: label.Set{{Name: "a", Value: "b"}}}})
	require.NoError(t, w.LogRecord(rec1, true))
	require.NoError(t, w.Close())

	path := dir + "/00000001"
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0644))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.GetNext()
	require.NoError(t, err)
	require.False(t, ok, "a record whose trailing bytes were truncated must be silently dropped, not returned partially")
}
