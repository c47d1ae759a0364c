package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupersedeTransitionsStatus(t *testing.T) {
	f := &Frame{ID: 1, Status: StatusActive}
	f.Supersede(2)

	assert.Equal(t, StatusSuperseded, f.Status)
	assert.False(t, f.IsActive())
	assert.NotNil(t, f.SupersededBy)
	assert.Equal(t, uint64(2), *f.SupersededBy)
}

func TestTombstoneTransitionsStatus(t *testing.T) {
	f := &Frame{ID: 1, Status: StatusActive}
	f.Tombstone()

	assert.Equal(t, StatusDeleted, f.Status)
	assert.False(t, f.IsActive())
}

func TestEffectiveTimestampPrefersContentDate(t *testing.T) {
	f := &Frame{Timestamp: 100}
	assert.Equal(t, int64(100), f.EffectiveTimestamp(nil))

	content := int64(50)
	assert.Equal(t, int64(50), f.EffectiveTimestamp(&content))
}
