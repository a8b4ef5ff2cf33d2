package tagtree

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Jimx-/tagtree/internal/logger"
)

// CheckpointPolicy controls whether the compaction loop writes
// wal/checkpoint.meta after a successful compaction round, per spec.md
// §4.H/§6.
type CheckpointPolicy string

const (
	// CheckpointNormal writes the checkpoint after every compaction.
	CheckpointNormal CheckpointPolicy = "normal"
	// CheckpointDisabled never writes a checkpoint; every restart replays
	// the WAL from its earliest segment. Mainly useful for tests that want
	// to exercise replay_wal deterministically.
	CheckpointDisabled CheckpointPolicy = "disabled"
	// CheckpointPrint logs the checkpoint that would have been written,
	// without writing it, for diagnosing compaction cadence.
	CheckpointPrint CheckpointPolicy = "print"
)

// SeriesBackend selects one of the two interchangeable series.Store
// persistence backends spec.md §4.C names.
type SeriesBackend string

const (
	// SeriesBackendSegment is the bit-exact fixed-size segment-file backend.
	SeriesBackendSegment SeriesBackend = "segment"
	// SeriesBackendBBolt is the embedded-B+tree backend built on bbolt.
	SeriesBackendBBolt SeriesBackend = "bbolt"
)

// CompactionWatermarkInterval is the number of TSIDs try_compact requires
// between the current id counter and the last compaction watermark before
// it will fire a non-forced compaction, per spec.md §4.H step 1.
const CompactionWatermarkInterval = 50000

// Config bundles every knob spec.md §6 recognizes plus the ambient config
// the Index Server needs to construct its dependencies, following the
// nested-struct, toml-tagged convention of the teacher's tsdb.Config.
type Config struct {
	IndexDir         string           `toml:"index-dir"`
	PageSize         int              `toml:"page-size"`
	CacheSize        int              `toml:"cache-size"`
	SeriesCacheSize  int              `toml:"series-cache-size"`
	SegmentSize      int              `toml:"segment-size"`
	BitmapOnly       bool             `toml:"bitmap-only"`
	FullCache        bool             `toml:"full-cache"`
	CheckpointPolicy CheckpointPolicy `toml:"checkpoint-policy"`
	SeriesBackend    SeriesBackend    `toml:"series-backend"`
}

// NewConfig returns a Config with spec.md §6's named defaults: 4096-byte
// pages, a modest resident cache, segment-file series storage with
// checkpointing enabled.
func NewConfig() Config {
	return Config{
		PageSize:         4096,
		CacheSize:        1024,
		SeriesCacheSize:  4096,
		SegmentSize:      4096,
		BitmapOnly:       false,
		FullCache:        false,
		CheckpointPolicy: CheckpointNormal,
		SeriesBackend:    SeriesBackendSegment,
	}
}

// Validate rejects a Config that cannot be used to open a server.
func (c Config) Validate() error {
	if c.IndexDir == "" {
		return fmt.Errorf("tagtree: config: index-dir is required")
	}
	if c.PageSize <= 16 {
		return fmt.Errorf("tagtree: config: page-size must exceed the 16-byte posting page header")
	}
	switch c.CheckpointPolicy {
	case CheckpointNormal, CheckpointDisabled, CheckpointPrint, "":
	default:
		return fmt.Errorf("tagtree: config: unknown checkpoint-policy %q", c.CheckpointPolicy)
	}
	switch c.SeriesBackend {
	case SeriesBackendSegment, SeriesBackendBBolt, "":
	default:
		return fmt.Errorf("tagtree: config: unknown series-backend %q", c.SeriesBackend)
	}
	return nil
}

// Options carries construction-time dependencies that do not belong in the
// serialized Config: the logger sink. Mirrors the teacher's split between a serializable
// *.Config and a Logger injected at Open/WithLogger time.
type Options struct {
	// Log receives structured logfmt output. Defaults to zap.NewNop() when
	// nil, matching spec.md §9's "no process-wide state" note: nothing in
	// this package reaches for a package-level logger.
	Log io.Writer
}

func newLogger(opts Options, component string) *zap.Logger {
	if opts.Log == nil {
		return zap.NewNop().With(zap.String("component", component))
	}
	return logger.New(opts.Log).With(zap.String("component", component))
}
