package memvid

import "github.com/ashita-ai/memvid/internal/errs"

// Sentinel errors, re-exported so callers can errors.Is against them
// without importing internal/errs directly.
var (
	ErrLock             = errs.ErrLock
	ErrInvalidHeader    = errs.ErrInvalidHeader
	ErrInvalidToc       = errs.ErrInvalidToc
	ErrCheckpointFailed = errs.ErrCheckpointFailed
	ErrTicketRequired   = errs.ErrTicketRequired
	ErrInvalidQuery     = errs.ErrInvalidQuery
	ErrLexNotEnabled    = errs.ErrLexNotEnabled
	ErrVecNotEnabled    = errs.ErrVecNotEnabled
	ErrClipNotEnabled   = errs.ErrClipNotEnabled
	ErrModelMismatch    = errs.ErrModelMismatch
	ErrMemoryAlreadyBound = errs.ErrMemoryAlreadyBound
	ErrPayloadTooLarge  = errs.ErrPayloadTooLarge
	ErrWalFull          = errs.ErrWalFull
	ErrWalReadOnly      = errs.ErrWalReadOnly
)

// Typed errors are re-exported as true type aliases (not wrapper structs)
// so errors.As(&err, &memvid.VecDimensionMismatch{}) works identically to
// errors.As against the internal type, without the caller ever importing
// internal/errs. See DESIGN.md for why this is the one place the public
// API exposes an internal identity directly.
type (
	InvalidFrame          = errs.InvalidFrame
	WalCorruption         = errs.WalCorruption
	AuxiliaryFileDetected = errs.AuxiliaryFileDetected
	EncryptedFile         = errs.EncryptedFile
	CapacityExceeded      = errs.CapacityExceeded
	TicketSequence        = errs.TicketSequence
	VecDimensionMismatch  = errs.VecDimensionMismatch
	DoctorError           = errs.DoctorError
	ExtractionFailed      = errs.ExtractionFailed
	Decode                = errs.Decode
)
