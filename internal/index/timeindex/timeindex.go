// Package timeindex implements the time index: a sort-merge of all active
// Document frames' (timestamp, id) pairs, serialized with a BLAKE3 checksum
// trailer, per spec.md §4.5.
package timeindex

import (
	"encoding/binary"
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/frame"
)

// entrySize is the serialized size of one (timestamp, id) pair: 8+8 bytes.
const entrySize = 16

// checksumSize is the trailing BLAKE3 checksum size.
const checksumSize = 32

// Entry is one (timestamp, frame id) pair.
type Entry struct {
	Timestamp int64
	FrameID   uint64
}

// Index is the in-memory time index: entries sorted ascending by timestamp,
// ties broken by frame id.
type Index struct {
	entries []Entry
}

// Build constructs a time index from the given frames, keeping only active
// Document-role frames (chunks and memories are not independently timelined).
func Build(frames []frame.Frame) *Index {
	idx := &Index{}
	for _, f := range frames {
		if !f.IsActive() || f.Role != frame.RoleDocument {
			continue
		}
		idx.entries = append(idx.entries, Entry{Timestamp: f.Timestamp, FrameID: f.ID})
	}
	sort.Slice(idx.entries, func(i, j int) bool {
		if idx.entries[i].Timestamp != idx.entries[j].Timestamp {
			return idx.entries[i].Timestamp < idx.entries[j].Timestamp
		}
		return idx.entries[i].FrameID < idx.entries[j].FrameID
	})
	return idx
}

// Encode serializes the index to its on-disk segment bytes: a count prefix,
// the sorted entries, then a trailing BLAKE3 checksum over everything
// preceding it.
func Encode(idx *Index) []byte {
	body := make([]byte, 8+len(idx.entries)*entrySize)
	binary.LittleEndian.PutUint64(body[0:], uint64(len(idx.entries)))
	for i, e := range idx.entries {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(body[off:], uint64(e.Timestamp))
		binary.LittleEndian.PutUint64(body[off+8:], e.FrameID)
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...)
}

// Decode parses a time-index segment, verifying its trailing checksum.
func Decode(buf []byte) (*Index, error) {
	if len(buf) < 8+checksumSize {
		return nil, fmt.Errorf("timeindex: buffer too short: %w", errs.ErrInvalidToc)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("timeindex: checksum mismatch: %w", errs.ErrInvalidToc)
		}
	}

	count := binary.LittleEndian.Uint64(body[0:])
	want := 8 + int(count)*entrySize
	if len(body) != want {
		return nil, fmt.Errorf("timeindex: declared count %d inconsistent with buffer length: %w", count, errs.ErrInvalidToc)
	}

	idx := &Index{entries: make([]Entry, count)}
	for i := range idx.entries {
		off := 8 + i*entrySize
		idx.entries[i] = Entry{
			Timestamp: int64(binary.LittleEndian.Uint64(body[off:])),
			FrameID:   binary.LittleEndian.Uint64(body[off+8:]),
		}
	}
	return idx, nil
}

// Range returns the frame IDs of all entries whose timestamp falls within
// [from, to] inclusive (either bound may be nil for unbounded).
func (idx *Index) Range(from, to *int64) []uint64 {
	var ids []uint64
	lo := sort.Search(len(idx.entries), func(i int) bool {
		if from == nil {
			return true
		}
		return idx.entries[i].Timestamp >= *from
	})
	for i := lo; i < len(idx.entries); i++ {
		if to != nil && idx.entries[i].Timestamp > *to {
			break
		}
		ids = append(ids, idx.entries[i].FrameID)
	}
	return ids
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int { return len(idx.entries) }
