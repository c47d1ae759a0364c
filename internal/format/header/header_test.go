package header

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/memvid/internal/errs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := New(80, 1<<20)
	h.WalSequence = 42
	h.WalCheckpointPos = 4096
	h.TocChecksum[0] = 0xAB

	buf := Encode(h)
	require.Len(t, buf, Size)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(New(80, 1<<20))
	buf[0] = 'X'

	_, err := Decode(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidHeader)
}

func TestDecodeDetectsEncryptedCapsule(t *testing.T) {
	buf := Encode(New(80, 1<<20))
	copy(buf[0:4], EncryptedMagic[:])

	_, err := Decode(buf)
	require.Error(t, err)
	var encErr *errs.EncryptedFile
	require.ErrorAs(t, err, &encErr)
	assert.NotEmpty(t, encErr.Hint)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, Size-1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidHeader)
}

func TestReadWriteAt(t *testing.T) {
	var backing bytes.Buffer
	backing.Write(make([]byte, Size))
	f := &sliceReaderWriterAt{data: backing.Bytes()}

	h := New(80, 2048)
	require.NoError(t, WriteAt(f, h))

	got, err := ReadAt(f)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

// sliceReaderWriterAt adapts a byte slice to io.ReaderAt/io.WriterAt for tests.
type sliceReaderWriterAt struct{ data []byte }

func (s *sliceReaderWriterAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, s.data[off:])
	return n, nil
}

func (s *sliceReaderWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(s.data[off:], p)
	return n, nil
}
