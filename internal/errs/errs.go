// Package errs defines the tagged-sum error surface for the memvid engine.
//
// Every user-visible failure is one of the kinds below, each carrying the
// fields a caller needs to act on it (an offset, a limit, an expected vs.
// actual dimension). There is no generic "parse error" — a corrupt header
// with an encryption marker gets EncryptedFile, never Decode.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions with no interesting payload.
var (
	ErrLock            = errors.New("memvid: could not acquire file lock")
	ErrInvalidHeader   = errors.New("memvid: invalid header")
	ErrInvalidToc      = errors.New("memvid: invalid table of contents")
	ErrCheckpointFailed = errors.New("memvid: wal checkpoint failed")
	ErrTicketRequired  = errors.New("memvid: ticket required")
	ErrInvalidQuery    = errors.New("memvid: invalid query")
	ErrLexNotEnabled   = errors.New("memvid: lexical index not enabled")
	ErrVecNotEnabled   = errors.New("memvid: vector index not enabled")
	ErrClipNotEnabled  = errors.New("memvid: visual (clip) index not enabled")
	ErrInvalidTemporalTrack = errors.New("memvid: invalid temporal track")
	ErrModelMismatch   = errors.New("memvid: embedding model mismatch")
	ErrMemoryAlreadyBound = errors.New("memvid: memory handle already bound")
	ErrPayloadTooLarge = errors.New("memvid: wal payload exceeds maximum entry size")
	ErrWalFull         = errors.New("memvid: wal region full; growth required")
	ErrWalReadOnly      = errors.New("memvid: wal opened read-only")
)

// InvalidFrame reports a structurally invalid frame record.
type InvalidFrame struct {
	FrameID uint64
	Reason  string
}

func (e *InvalidFrame) Error() string {
	return fmt.Sprintf("memvid: invalid frame %d: %s", e.FrameID, e.Reason)
}

// WalCorruption reports a checksum, length, or sentinel failure in the WAL region.
type WalCorruption struct {
	Offset int64
	Reason string
}

func (e *WalCorruption) Error() string {
	return fmt.Sprintf("memvid: wal corruption at offset %d: %s", e.Offset, e.Reason)
}

// AuxiliaryFileDetected reports a sidecar file coexisting with the memory file.
type AuxiliaryFileDetected struct {
	Path string
}

func (e *AuxiliaryFileDetected) Error() string {
	return fmt.Sprintf("memvid: auxiliary file detected: %s (sidecars are not supported; this file must be self-contained)", e.Path)
}

// EncryptedFile reports an encryption-capsule marker in place of the expected magic.
type EncryptedFile struct {
	Path string
	Hint string
}

func (e *EncryptedFile) Error() string {
	return fmt.Sprintf("memvid: %s is an encrypted capsule: %s", e.Path, e.Hint)
}

// CapacityExceeded reports a mutation that would push the payload region past its ticket.
type CapacityExceeded struct {
	Current  uint64
	Limit    uint64
	Required uint64
}

func (e *CapacityExceeded) Error() string {
	return fmt.Sprintf("memvid: capacity exceeded: current=%d limit=%d required=%d", e.Current, e.Limit, e.Required)
}

// TicketSequence reports a ticket applied with a non-increasing sequence number.
type TicketSequence struct {
	Issuer      string
	Seq         uint64
	CurrentSeq  uint64
}

func (e *TicketSequence) Error() string {
	return fmt.Sprintf("memvid: ticket sequence %d from issuer %q is not greater than current sequence %d", e.Seq, e.Issuer, e.CurrentSeq)
}

// VecDimensionMismatch reports an embedding whose dimension disagrees with the index.
type VecDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *VecDimensionMismatch) Error() string {
	return fmt.Sprintf("memvid: vector dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// DoctorError wraps a failure encountered while planning or applying repair.
type DoctorError struct {
	Phase string
	Err   error
}

func (e *DoctorError) Error() string {
	return fmt.Sprintf("memvid: doctor: phase %q: %v", e.Phase, e.Err)
}

func (e *DoctorError) Unwrap() error { return e.Err }

// ExtractionFailed reports a reader collaborator failure; the caller fell through
// to the passthrough extractor and this is carried only as a diagnostic.
type ExtractionFailed struct {
	URI    string
	Reason string
}

func (e *ExtractionFailed) Error() string {
	return fmt.Sprintf("memvid: extraction failed for %q: %s", e.URI, e.Reason)
}

// Decode reports a generic (de)serialization failure for a named region.
type Decode struct {
	Region string
	Err    error
}

func (e *Decode) Error() string {
	return fmt.Sprintf("memvid: decode %s: %v", e.Region, e.Err)
}

func (e *Decode) Unwrap() error { return e.Err }
