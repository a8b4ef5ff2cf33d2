package tagtree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Jimx-/tagtree/internal/logger"
	"github.com/Jimx-/tagtree/wal"
)

// replayWAL implements spec.md §4.H's replay_wal: replays every LRT_SERIES
// record in the WAL segments the last checkpoint did not cover, re-adding
// each series to the mem index and series store so the server starts back
// up as if those AddSeries calls had just happened.
func (s *Server) replayWAL() error {
	opLog, done := logger.NewOperation(s.log, "wal replay", "replay_wal")

	stats, err := s.wal.LastCheckpoint()
	if err != nil {
		done(err)
		return fmt.Errorf("tagtree: replay: last checkpoint: %w", err)
	}

	start, end, err := s.wal.GetSegmentRange()
	if err != nil {
		done(err)
		return fmt.Errorf("tagtree: replay: segment range: %w", err)
	}
	if start < stats.LastSegment {
		start = stats.LastSegment
	}

	high := stats.LowWatermark
	var replayed int

	for seg := start; seg <= end; seg++ {
		if err := s.replaySegment(seg, stats.LowWatermark, &high, &replayed); err != nil {
			done(err)
			return fmt.Errorf("tagtree: replay: segment %d: %w", seg, err)
		}
	}

	s.lastCompactionWM.Store(high)
	s.mem.SetLowWatermark(high, false)
	s.idCounter.Store(high)

	opLog.Info("wal replay complete",
		zap.Uint32("start_segment", start), zap.Uint32("end_segment", end),
		zap.Uint64("low_watermark", high), zap.Int("series_replayed", replayed))
	done()
	return nil
}

// replaySegment replays one WAL segment's LRT_SERIES records, skipping any
// SeriesRef at or below lowWatermark (already durably persisted into the
// index tree by the compaction the checkpoint records). *high tracks the
// largest tsid seen so replayWAL can restore the id counter.
func (s *Server) replaySegment(seg uint32, lowWatermark uint64, high *uint64, replayed *int) error {
	if seg == 0 {
		return nil
	}
	r, err := s.wal.GetSegmentReader(seg)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		record, ok, err := r.GetNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if wal.GetRecordType(record) != wal.LRTSeries {
			continue
		}

		refs, err := wal.DeserializeSeries(record)
		if err != nil {
			return err
		}

		for _, ref := range refs {
			if ref.TSID <= lowWatermark {
				continue
			}

			found, err := s.Exists(ref.Labels, true)
			if err != nil {
				return err
			}
			if found.IsEmpty() {
				if _, ok := s.mem.Add(ref.Labels, ref.TSID, ref.Timestamp); !ok {
					continue
				}
				if err := s.series.Add(ref.TSID, ref.Labels, false); err != nil {
					return err
				}
				*replayed++
			}
			if ref.TSID > *high {
				*high = ref.TSID
			}
		}
	}
}
