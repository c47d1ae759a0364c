package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/errs"
	"github.com/ashita-ai/memvid/internal/format/header"
)

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	rio := newMemRegion(4096)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w.Close()

	seq1, err := w.AppendEntry([]byte("first"))
	require.NoError(t, err)
	seq2, err := w.AppendEntry([]byte("second"))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	pending, err := w.PendingRecords()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []byte("first"), pending[0].Payload)
	assert.Equal(t, []byte("second"), pending[1].Payload)
}

func TestReopenReplaysUncheckpointedEntries(t *testing.T) {
	rio := newMemRegion(4096)
	h := header.New(header.Size, uint64(rio.size))

	w1, err := Open(rio, h, Options{})
	require.NoError(t, err)
	_, err = w1.AppendEntry([]byte("uncommitted"))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w2.Close()

	pending, err := w2.PendingRecords()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("uncommitted"), pending[0].Payload)
}

func TestCheckpointClearsPending(t *testing.T) {
	rio := newMemRegion(4096)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendEntry([]byte("payload"))
	require.NoError(t, err)
	assert.Greater(t, w.PendingBytes(), int64(0))

	w.RecordCheckpoint(&h)
	assert.Equal(t, int64(0), w.PendingBytes())

	pending, err := w.PendingRecords()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAppendRejectsOversizeEntry(t *testing.T) {
	rio := newMemRegion(64)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendEntry(make([]byte, 128))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrWalFull)
}

func TestWrapRequiresZeroPending(t *testing.T) {
	const regionSize = HeaderSize*2 + 4
	rio := newMemRegion(regionSize)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendEntry([]byte("aaaa"))
	require.NoError(t, err)

	// Second entry doesn't fit in remaining tail space and pending bytes are
	// nonzero, so wrapping must be refused.
	_, err = w.AppendEntry([]byte("bbbb"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrWalFull)

	// Checkpointing clears pending; now the wrap is legitimate.
	w.RecordCheckpoint(&h)
	_, err = w.AppendEntry([]byte("cccc"))
	require.NoError(t, err)
}

func TestAppendRejectsOnReadOnly(t *testing.T) {
	rio := newMemRegion(4096)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{ReadOnly: true})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendEntry([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrWalReadOnly)
}

func TestRecordsAfterFiltersBySequence(t *testing.T) {
	rio := newMemRegion(4096)
	h := header.New(header.Size, uint64(rio.size))

	w, err := Open(rio, h, Options{})
	require.NoError(t, err)
	defer w.Close()

	seq1, err := w.AppendEntry([]byte("a"))
	require.NoError(t, err)
	_, err = w.AppendEntry([]byte("b"))
	require.NoError(t, err)

	after, err := w.RecordsAfter(seq1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, []byte("b"), after[0].Payload)
}

// memRegion is an in-memory RegionIO used for tests; it behaves like a
// memory-mapped file segment.
type memRegion struct {
	mu   sync.Mutex
	data []byte
	size int64
}

func newMemRegion(size int) *memRegion {
	return &memRegion{data: make([]byte, size), size: int64(size)}
}

func (m *memRegion) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memRegion) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memRegion) Sync() error { return nil }
