// Package footer codecs the 56-byte commit footer placed immediately after
// the TOC. The footer is the single source of truth for "is there a valid
// TOC here": its hash must match the TOC bytes that precede it.
package footer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ashita-ai/memvid/internal/errs"

	"lukechampine.com/blake3"
)

// Size is the fixed on-disk size of the footer, in bytes:
// magic(8) + toc_len(8) + toc_hash(32) + generation(8) = 56.
const Size = 56

// Magic is the 8-byte marker identifying a valid footer.
var Magic = [8]byte{'M', 'V', '2', 'F', 'O', 'O', 'T', '!'}

// Footer is the fixed trailer written after every successful commit.
type Footer struct {
	TocLen     uint64
	TocHash    [32]byte
	Generation uint64
}

const (
	offMagic      = 0
	offTocLen     = 8
	offTocHash    = 16
	offGeneration = 48
)

// Encode serializes f into a Size-byte buffer.
func Encode(f Footer) []byte {
	buf := make([]byte, Size)
	copy(buf[offMagic:], Magic[:])
	binary.LittleEndian.PutUint64(buf[offTocLen:], f.TocLen)
	copy(buf[offTocHash:], f.TocHash[:])
	binary.LittleEndian.PutUint64(buf[offGeneration:], f.Generation)
	return buf
}

// Decode parses a Size-byte buffer into a Footer.
func Decode(buf []byte) (Footer, error) {
	if len(buf) < Size {
		return Footer{}, fmt.Errorf("footer: short read: got %d bytes, want %d", len(buf), Size)
	}
	var magic [8]byte
	copy(magic[:], buf[offMagic:offMagic+8])
	if magic != Magic {
		return Footer{}, fmt.Errorf("footer: bad magic %q: %w", magic[:], errs.ErrInvalidToc)
	}
	var f Footer
	f.TocLen = binary.LittleEndian.Uint64(buf[offTocLen:])
	copy(f.TocHash[:], buf[offTocHash:offTocHash+32])
	f.Generation = binary.LittleEndian.Uint64(buf[offGeneration:])
	return f, nil
}

// HashTOC computes the BLAKE3 hash of the serialized TOC bytes.
func HashTOC(tocBytes []byte) [32]byte {
	return blake3.Sum256(tocBytes)
}

// HashMatches reports whether f.TocHash equals BLAKE3(tocBytes) and
// f.TocLen equals len(tocBytes).
func (f Footer) HashMatches(tocBytes []byte) bool {
	if f.TocLen != uint64(len(tocBytes)) {
		return false
	}
	return f.TocHash == HashTOC(tocBytes)
}

// New builds a Footer for a freshly-serialized TOC.
func New(tocBytes []byte, generation uint64) Footer {
	return Footer{
		TocLen:     uint64(len(tocBytes)),
		TocHash:    HashTOC(tocBytes),
		Generation: generation,
	}
}

// ReadAt reads and decodes the footer from the last Size bytes available
// through r, given the total file length.
func ReadAt(r io.ReaderAt, fileLen int64) (Footer, error) {
	if fileLen < Size {
		return Footer{}, fmt.Errorf("footer: file too short (%d bytes): %w", fileLen, errs.ErrInvalidToc)
	}
	buf := make([]byte, Size)
	if _, err := r.ReadAt(buf, fileLen-Size); err != nil {
		return Footer{}, fmt.Errorf("footer: read: %w", err)
	}
	return Decode(buf)
}

// WriteAt writes the encoded footer so that it occupies the last Size bytes
// of a file whose new total length is fileLen.
func WriteAt(w io.WriterAt, f Footer, fileLen int64) error {
	if fileLen < Size {
		return fmt.Errorf("footer: target file length %d shorter than footer size %d", fileLen, Size)
	}
	if _, err := w.WriteAt(Encode(f), fileLen-Size); err != nil {
		return fmt.Errorf("footer: write: %w", err)
	}
	return nil
}

// DefaultTailWindow is the initial number of bytes scanned backward from EOF
// when hunting for the latest valid footer magic. It doubles geometrically
// (see ScanForMagic) until either a match is found or the window covers the
// whole file.
const DefaultTailWindow = 64 * 1024

// ScanForMagic scans backward from the end of a region of length fileLen
// (read through r) for the footer magic, starting with a window of
// DefaultTailWindow bytes and doubling until found or the window exceeds
// fileLen. It returns the absolute file offset of the footer's first byte.
func ScanForMagic(r io.ReaderAt, fileLen int64) (int64, error) {
	if fileLen < Size {
		return 0, fmt.Errorf("footer: file too short (%d bytes): %w", fileLen, errs.ErrInvalidToc)
	}

	window := int64(DefaultTailWindow)
	for {
		if window > fileLen {
			window = fileLen
		}
		start := fileLen - window
		buf := make([]byte, window)
		if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
			return 0, fmt.Errorf("footer: scan read: %w", err)
		}

		// Search backward within the window so the most recent (rightmost)
		// footer wins when a stale one happens to also be present.
		for i := len(buf) - Size; i >= 0; i-- {
			if string(buf[i:i+8]) == string(Magic[:]) {
				return start + int64(i), nil
			}
		}

		if window == fileLen {
			return 0, fmt.Errorf("footer: magic not found in %d bytes: %w", fileLen, errs.ErrInvalidToc)
		}
		window *= 2
	}
}
