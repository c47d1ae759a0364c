// Package sketch implements the compact similarity sketch track: a 64-bit
// SimHash fingerprint per frame, used as a cheap pre-filter ahead of the
// lexical and vector rankers (spec.md §4.5, §5).
package sketch

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
	"unicode"

	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
)

// DefaultHammingThreshold is the default maximum Hamming distance between a
// query sketch and a candidate frame sketch for the candidate to survive
// the pre-filter (spec.md §5: "default 32 for a 64-bit sketch").
const DefaultHammingThreshold = 32

// Compute returns the 64-bit SimHash fingerprint of text: the text is
// lowercased and split at every rune that is not a letter or digit, each
// token is hashed with BLAKE3, and each of the 64 bits of the
// hash votes +1/-1 into a running per-bit accumulator; the sign of each
// accumulator becomes the corresponding output bit.
func Compute(text string) uint64 {
	var acc [64]int
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	for _, tok := range tokens {
		sum := blake3.Sum256([]byte(tok))
		h := binary.LittleEndian.Uint64(sum[:8])
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				acc[bit]++
			} else {
				acc[bit]--
			}
		}
	}

	var out uint64
	for bit := 0; bit < 64; bit++ {
		if acc[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// HammingDistance returns the number of differing bits between a and b.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Entry pairs a frame id with its sketch.
type Entry struct {
	FrameID uint64
	Sketch  uint64
}

// Track is the in-memory sketch track: one Entry per active frame.
type Track struct {
	entries []Entry
}

// Build constructs a Track from frame-id/sketch pairs.
func Build(entries []Entry) *Track {
	return &Track{entries: entries}
}

// Probe returns the frame IDs whose sketch is within threshold Hamming
// distance of query.
func (t *Track) Probe(query uint64, threshold int) []uint64 {
	var out []uint64
	for _, e := range t.entries {
		if HammingDistance(query, e.Sketch) <= threshold {
			out = append(out, e.FrameID)
		}
	}
	return out
}

// Len returns the number of entries in the track.
func (t *Track) Len() int { return len(t.entries) }

const entrySize = 16 // frame_id(8) + sketch(8)

// Encode serializes the track with a trailing BLAKE3 checksum, matching the
// time index's segment framing.
func Encode(t *Track) []byte {
	body := make([]byte, 8+len(t.entries)*entrySize)
	binary.LittleEndian.PutUint64(body[0:], uint64(len(t.entries)))
	for i, e := range t.entries {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(body[off:], e.FrameID)
		binary.LittleEndian.PutUint64(body[off+8:], e.Sketch)
	}
	sum := blake3.Sum256(body)
	return append(body, sum[:]...)
}

// Decode parses a sketch-track segment, verifying its trailing checksum.
func Decode(buf []byte) (*Track, error) {
	const checksumSize = 32
	if len(buf) < 8+checksumSize {
		return nil, fmt.Errorf("sketch: buffer too short: %w", errs.ErrInvalidToc)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("sketch: checksum mismatch: %w", errs.ErrInvalidToc)
		}
	}

	count := binary.LittleEndian.Uint64(body[0:])
	want := 8 + int(count)*entrySize
	if len(body) != want {
		return nil, fmt.Errorf("sketch: declared count %d inconsistent with buffer length: %w", count, errs.ErrInvalidToc)
	}

	entries := make([]Entry, count)
	for i := range entries {
		off := 8 + i*entrySize
		entries[i] = Entry{
			FrameID: binary.LittleEndian.Uint64(body[off:]),
			Sketch:  binary.LittleEndian.Uint64(body[off+8:]),
		}
	}
	return &Track{entries: entries}, nil
}
