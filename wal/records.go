package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/Jimx-/tagtree/label"
)

// RecordType distinguishes the payload kinds logged on top of the raw
// chunked WAL stream, per spec.md §4.G.
type RecordType uint32

const (
	LRTNone   RecordType = 0
	LRTSeries RecordType = 1
)

// SeriesRef is one series addition logged by an LRT_SERIES record: a tsid,
// the sample timestamp that caused it to be added or touched, and its full
// label set. Unlike the original's older on-disk schema, the timestamp is
// always embedded (spec.md §4.G's "newer schema"), since replay_wal (§4.H)
// needs it to re-add postings with correct min/max timestamps rather than
// guessing zero.
type SeriesRef struct {
	TSID      uint64
	Timestamp uint64
	Labels    label.Set
}

// GetRecordType reads the 4-byte type tag at the front of a raw WAL payload,
// returning LRTNone for anything unrecognized or too short.
func GetRecordType(buf []byte) RecordType {
	if len(buf) < 4 {
		return LRTNone
	}
	switch t := RecordType(binary.BigEndian.Uint32(buf[:4])); t {
	case LRTSeries:
		return t
	default:
		return LRTNone
	}
}

// SerializeSeries encodes series as an LRT_SERIES payload:
// `type(4) || [ tsid(8) || timestamp(8) || numLabels(2) ||
// (nameLen(2) || name || valueLen(2) || value)* ]*`.
func SerializeSeries(series []SeriesRef) []byte {
	size := 4
	for _, s := range series {
		size += 8 + 8 + 2
		for _, l := range s.Labels {
			size += 2 + len(l.Name) + 2 + len(l.Value)
		}
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(LRTSeries))
	off += 4

	for _, s := range series {
		binary.BigEndian.PutUint64(buf[off:], s.TSID)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], s.Timestamp)
		off += 8
		binary.BigEndian.PutUint16(buf[off:], uint16(len(s.Labels)))
		off += 2

		for _, l := range s.Labels {
			binary.BigEndian.PutUint16(buf[off:], uint16(len(l.Name)))
			off += 2
			off += copy(buf[off:], l.Name)
			binary.BigEndian.PutUint16(buf[off:], uint16(len(l.Value)))
			off += 2
			off += copy(buf[off:], l.Value)
		}
	}

	return buf
}

// DeserializeSeries decodes an LRT_SERIES payload produced by
// SerializeSeries. It returns an error rather than panicking on a truncated
// buffer, since a tail record in the segment being replayed may have been
// cut short by a crash (spec.md §4.G's "truncated tail... silently
// dropped" applies at the chunk-reassembly level in Reader; this guards
// against a record that reassembled cleanly but whose declared lengths
// still run past the buffer).
func DeserializeSeries(buf []byte) ([]SeriesRef, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wal: series record too short")
	}
	off := 4

	var series []SeriesRef
	for off < len(buf) {
		if off+18 > len(buf) {
			return nil, fmt.Errorf("wal: truncated series record header")
		}
		tsid := binary.BigEndian.Uint64(buf[off:])
		off += 8
		timestamp := binary.BigEndian.Uint64(buf[off:])
		off += 8
		numLabels := binary.BigEndian.Uint16(buf[off:])
		off += 2

		labels := make(label.Set, 0, numLabels)
		for i := uint16(0); i < numLabels; i++ {
			name, newOff, err := readPrefixedString(buf, off)
			if err != nil {
				return nil, err
			}
			off = newOff
			value, newOff, err := readPrefixedString(buf, off)
			if err != nil {
				return nil, err
			}
			off = newOff
			labels = append(labels, label.Label{Name: name, Value: value})
		}

		series = append(series, SeriesRef{TSID: tsid, Timestamp: timestamp, Labels: labels})
	}

	return series, nil
}

func readPrefixedString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, fmt.Errorf("wal: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("wal: truncated string body")
	}
	return string(buf[off : off+n]), off + n, nil
}
