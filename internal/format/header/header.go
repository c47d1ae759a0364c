// Package header codecs the fixed file header that opens every memvid file:
// magic, version, and pointers into the WAL and TOC regions.
//
// The codec is a pure function over bytes — no I/O beyond the io.ReaderAt /
// io.WriterAt the caller supplies — mirroring the teacher's codec-style
// files (internal/service/trace/wal.go's segment header encode/decode).
package header

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ashita-ai/memvid/internal/errs"
)

// Size is the fixed on-disk size of the header, in bytes:
// magic(4) + version(2) + reserved(2) + footer_offset(8) + wal_offset(8) +
// wal_size(8) + wal_checkpoint_pos(8) + wal_sequence(8) + toc_checksum(32) = 80.
const Size = 80

// Magic identifies a memvid file. Any file beginning with a different value
// is rejected — unless it matches EncryptedMagic, which gets its own
// distinguishing error instead of a generic parse failure.
var Magic = [4]byte{'M', 'V', '2', 'F'}

// EncryptedMagic identifies a memvid "encrypted capsule" — a file whose body
// has been wrapped by an external encryption layer. Detecting it here, before
// any other parsing, lets Open fail with EncryptedFile instead of InvalidHeader.
var EncryptedMagic = [4]byte{'M', 'V', '2', 'E'}

// CurrentVersion is the header version this codec writes.
const CurrentVersion uint16 = 1

// Header is the fixed file header at offset 0.
type Header struct {
	Magic            [4]byte
	Version          uint16
	FooterOffset     uint64
	WalOffset        uint64
	WalSize          uint64
	WalCheckpointPos uint64
	WalSequence      uint64
	TocChecksum      [32]byte
}

const (
	offMagic            = 0
	offVersion          = 4
	offReserved         = 6
	offFooterOffset     = 8
	offWalOffset        = 16
	offWalSize          = 24
	offWalCheckpointPos = 32
	offWalSequence      = 40
	offTocChecksum      = 48
)

// Encode serializes h into a Size-byte buffer.
func Encode(h Header) []byte {
	buf := make([]byte, Size)
	copy(buf[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint64(buf[offFooterOffset:], h.FooterOffset)
	binary.LittleEndian.PutUint64(buf[offWalOffset:], h.WalOffset)
	binary.LittleEndian.PutUint64(buf[offWalSize:], h.WalSize)
	binary.LittleEndian.PutUint64(buf[offWalCheckpointPos:], h.WalCheckpointPos)
	binary.LittleEndian.PutUint64(buf[offWalSequence:], h.WalSequence)
	copy(buf[offTocChecksum:], h.TocChecksum[:])
	return buf
}

// Decode parses a Size-byte buffer into a Header. It distinguishes an
// encrypted-capsule marker from a structurally invalid header so callers can
// surface EncryptedFile instead of a generic decode error.
func Decode(buf []byte) (Header, error) {
	if len(buf) < Size {
		return Header{}, fmt.Errorf("header: short read: got %d bytes, want %d: %w", len(buf), Size, errs.ErrInvalidHeader)
	}

	var magic [4]byte
	copy(magic[:], buf[offMagic:offMagic+4])
	if magic == EncryptedMagic {
		return Header{}, &errs.EncryptedFile{Hint: "file begins with the memvid encrypted-capsule marker; run unlock before opening"}
	}
	if magic != Magic {
		return Header{}, fmt.Errorf("header: bad magic %q: %w", magic[:], errs.ErrInvalidHeader)
	}

	h := Header{Magic: magic}
	h.Version = binary.LittleEndian.Uint16(buf[offVersion:])
	h.FooterOffset = binary.LittleEndian.Uint64(buf[offFooterOffset:])
	h.WalOffset = binary.LittleEndian.Uint64(buf[offWalOffset:])
	h.WalSize = binary.LittleEndian.Uint64(buf[offWalSize:])
	h.WalCheckpointPos = binary.LittleEndian.Uint64(buf[offWalCheckpointPos:])
	h.WalSequence = binary.LittleEndian.Uint64(buf[offWalSequence:])
	copy(h.TocChecksum[:], buf[offTocChecksum:offTocChecksum+32])
	return h, nil
}

// ReadAt reads and decodes the header from offset 0 of r.
func ReadAt(r io.ReaderAt) (Header, error) {
	buf := make([]byte, Size)
	if _, err := r.ReadAt(buf, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, fmt.Errorf("header: file too short: %w", errs.ErrInvalidHeader)
		}
		return Header{}, fmt.Errorf("header: read: %w", err)
	}
	return Decode(buf)
}

// WriteAt encodes h and writes it to offset 0 of w.
func WriteAt(w io.WriterAt, h Header) error {
	if _, err := w.WriteAt(Encode(h), 0); err != nil {
		return fmt.Errorf("header: write: %w", err)
	}
	return nil
}

// New builds a fresh Header for a brand-new file with the given WAL layout.
func New(walOffset, walSize uint64) Header {
	return Header{
		Magic:        Magic,
		Version:      CurrentVersion,
		FooterOffset: walOffset + walSize,
		WalOffset:    walOffset,
		WalSize:      walSize,
	}
}
