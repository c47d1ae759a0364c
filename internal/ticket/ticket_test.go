package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/toc"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	m, err := NewManager("", "")
	require.NoError(t, err)

	signed, err := m.Issue(1, 1<<20, nil)
	require.NoError(t, err)

	claims, err := m.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), claims.SeqNo)
	assert.Equal(t, uint64(1<<20), claims.CapacityBytes)
}

func TestApplyProducesTicket(t *testing.T) {
	m, err := NewManager("", "")
	require.NoError(t, err)

	signed, err := m.Issue(5, 2048, nil)
	require.NoError(t, err)

	applied, err := m.Apply(signed, toc.DefaultTicket())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), applied.SeqNo)
	assert.Equal(t, uint64(2048), applied.CapacityBytes)
	assert.True(t, applied.Verified)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	m1, err := NewManager("", "")
	require.NoError(t, err)
	m2, err := NewManager("", "")
	require.NoError(t, err)

	signed, err := m1.Issue(1, 1024, nil)
	require.NoError(t, err)

	_, err = m2.Verify(signed)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m, err := NewManager("", "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	signed, err := m.Issue(1, 1024, &past)
	require.NoError(t, err)

	_, err = m.Verify(signed)
	require.Error(t, err)
}
