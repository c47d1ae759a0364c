package sketch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute("the quick brown fox jumps over the lazy dog")
	b := Compute("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, a, b)
}

func TestSimilarTextsAreClose(t *testing.T) {
	a := Compute("the quick brown fox jumps over the lazy dog")
	b := Compute("the quick brown fox jumps over the lazy cat")
	assert.LessOrEqual(t, HammingDistance(a, b), DefaultHammingThreshold)
}

func TestEmptyTextYieldsZero(t *testing.T) {
	assert.Equal(t, uint64(0), Compute(""))
}

func TestProbeFiltersByThreshold(t *testing.T) {
	track := Build([]Entry{
		{FrameID: 1, Sketch: 0b1010},
		{FrameID: 2, Sketch: 0b1111},
	})

	hits := track.Probe(0b1010, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(1), hits[0])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	track := Build([]Entry{{FrameID: 1, Sketch: 42}, {FrameID: 2, Sketch: 99}})
	buf := Encode(track)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, track.entries, got.entries)
}

func TestDecodeRejectsTamperedChecksum(t *testing.T) {
	track := Build([]Entry{{FrameID: 1, Sketch: 42}})
	buf := Encode(track)
	buf[len(buf)-1] ^= 0xFF

	_, err := Decode(buf)
	require.Error(t, err)
}
