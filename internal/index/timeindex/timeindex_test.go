package timeindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/frame"
)

func frames() []frame.Frame {
	return []frame.Frame{
		{ID: 1, Timestamp: 300, Status: frame.StatusActive, Role: frame.RoleDocument},
		{ID: 2, Timestamp: 100, Status: frame.StatusActive, Role: frame.RoleDocument},
		{ID: 3, Timestamp: 200, Status: frame.StatusDeleted, Role: frame.RoleDocument},
		{ID: 4, Timestamp: 200, Status: frame.StatusActive, Role: frame.RoleDocumentChunk},
	}
}

func TestBuildSortsByTimestamp(t *testing.T) {
	idx := Build(frames())
	require.Equal(t, 2, idx.Len())
	assert.Equal(t, uint64(2), idx.entries[0].FrameID)
	assert.Equal(t, uint64(1), idx.entries[1].FrameID)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	idx := Build(frames())
	buf := Encode(idx)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, idx.entries, got.entries)
}

func TestDecodeRejectsTamperedChecksum(t *testing.T) {
	idx := Build(frames())
	buf := Encode(idx)
	buf[len(buf)-1] ^= 0xFF

	_, err := Decode(buf)
	require.Error(t, err)
}

func TestRangeBounds(t *testing.T) {
	idx := Build(frames())
	from, to := int64(150), int64(250)
	// only frame 2 (ts=100) and frame 1 (ts=300) exist after filtering actives;
	// neither falls in [150,250], so expect empty.
	assert.Empty(t, idx.Range(&from, &to))

	all := idx.Range(nil, nil)
	assert.Len(t, all, 2)
}
