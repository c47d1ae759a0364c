// Package temporal implements the optional temporal-mentions track: a set
// of (frame_id, anchor span) mentions extracted from frame content, used to
// narrow search to frames whose temporal anchor satisfies a requested
// window (spec.md §4.5, §5).
package temporal

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
)

// Mention is one temporal anchor attached to a frame: the anchor covers
// [From, To] unix seconds (a point in time has From == To).
type Mention struct {
	FrameID uint64
	From    int64
	To      int64
}

// Track holds all mentions for the optional temporal feature.
type Track struct {
	mentions []Mention
}

// Build constructs a Track from the given mentions.
func Build(mentions []Mention) *Track {
	return &Track{mentions: mentions}
}

// Window returns the frame IDs of all mentions overlapping [from, to].
func (t *Track) Window(from, to int64) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, m := range t.mentions {
		if m.From > to || m.To < from {
			continue
		}
		if !seen[m.FrameID] {
			seen[m.FrameID] = true
			out = append(out, m.FrameID)
		}
	}
	return out
}

// Len returns the number of mentions in the track.
func (t *Track) Len() int { return len(t.mentions) }

const entrySize = 24 // frame_id(8) + from(8) + to(8)

// Encode serializes the track with a trailing BLAKE3 checksum.
func Encode(t *Track) []byte {
	body := make([]byte, 8+len(t.mentions)*entrySize)
	binary.LittleEndian.PutUint64(body[0:], uint64(len(t.mentions)))
	for i, m := range t.mentions {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(body[off:], m.FrameID)
		binary.LittleEndian.PutUint64(body[off+8:], uint64(m.From))
		binary.LittleEndian.PutUint64(body[off+16:], uint64(m.To))
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...)
}

// Decode parses a temporal-track segment, verifying its trailing checksum.
// A malformed track (too short, bad checksum, impossible counts) maps to
// errs.ErrInvalidTemporalTrack rather than the generic ErrInvalidToc, since
// the track is an optional feature the caller can choose to disable instead
// of failing the whole open.
func Decode(buf []byte) (*Track, error) {
	const checksumSize = 32
	if len(buf) < 8+checksumSize {
		return nil, fmt.Errorf("temporal: buffer too short: %w", errs.ErrInvalidTemporalTrack)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("temporal: checksum mismatch: %w", errs.ErrInvalidTemporalTrack)
		}
	}

	count := binary.LittleEndian.Uint64(body[0:])
	want := 8 + int(count)*entrySize
	if len(body) != want {
		return nil, fmt.Errorf("temporal: declared count %d inconsistent with buffer length: %w", count, errs.ErrInvalidTemporalTrack)
	}

	mentions := make([]Mention, count)
	for i := range mentions {
		off := 8 + i*entrySize
		mentions[i] = Mention{
			FrameID: binary.LittleEndian.Uint64(body[off:]),
			From:    int64(binary.LittleEndian.Uint64(body[off+8:])),
			To:      int64(binary.LittleEndian.Uint64(body[off+16:])),
		}
	}
	return &Track{mentions: mentions}, nil
}
