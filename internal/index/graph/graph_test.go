package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertMergesSlots(t *testing.T) {
	m := NewMesh()
	m.Upsert("alice", map[string]string{"workplace": "Google"}, 1)
	m.Upsert("alice", map[string]string{"role": "engineer"}, 2)

	c := m.Card("alice")
	require.NotNil(t, c)
	assert.Equal(t, "Google", c.Slots["workplace"])
	assert.Equal(t, "engineer", c.Slots["role"])
	assert.ElementsMatch(t, []uint64{1, 2}, c.FrameIDs)
}

func TestMatchPredicateFindsEntity(t *testing.T) {
	m := NewMesh()
	m.Upsert("alice", map[string]string{"workplace": "Google"}, 1)
	m.Upsert("bob", map[string]string{"workplace": "Amazon"}, 2)

	matches := m.MatchPredicate("workplace", "Google")
	require.Len(t, matches, 1)
	assert.Equal(t, "alice", matches[0].Entity)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMesh()
	m.Upsert("alice", map[string]string{"workplace": "Google"}, 1)

	buf, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Len(), got.Len())
	assert.Equal(t, "Google", got.Card("alice").Slots["workplace"])
}

func TestDecodeRejectsTamperedChecksum(t *testing.T) {
	m := NewMesh()
	m.Upsert("alice", map[string]string{"workplace": "Google"}, 1)
	buf, err := Encode(m)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF

	_, err = Decode(buf)
	require.Error(t, err)
}
