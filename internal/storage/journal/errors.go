package journal

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrCorrupted marks an entry that cannot be decoded.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch marks an entry whose checksum does not match its content.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("journal: already closed")
)

// ============================================================================
// Detailed errors
// ============================================================================

// ChecksumError reports which entry failed verification.
type ChecksumError struct {
	Seq      uint64 // sequence number of the failed entry
	Expected uint32 // checksum computed from the content
	Actual   uint32 // checksum stored in the file
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq %d: expected %08x, got %08x", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports an undecodable line.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

func (e *CorruptionError) Unwrap() error { return e.Cause }
