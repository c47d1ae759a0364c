package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/errs"
)

func TestAcquireExclusiveThenUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.mv2")
	l := New(path)

	require.NoError(t, l.AcquireExclusive(context.Background(), Options{}))
	require.NoError(t, l.Unlock())
}

func TestSecondExclusiveTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.mv2")

	l1 := New(path)
	require.NoError(t, l1.AcquireExclusive(context.Background(), Options{}))
	defer l1.Unlock()

	l2 := New(path)
	err := l2.AcquireExclusive(context.Background(), Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrLock)
}

func TestIsStaleBeforeGraceWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.mv2")
	l := New(path)
	require.NoError(t, l.AcquireExclusive(context.Background(), Options{StaleGrace: time.Hour}))
	defer l.Unlock()

	assert.False(t, l.IsStale())
}
