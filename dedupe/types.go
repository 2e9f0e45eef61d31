// Package dedupe is the block-level deduplication engine: it indexes
// fixed-size block checksums, confirms duplicates by comparing real bytes,
// extends them to maximal regions and hands those to the filesystem's
// range-dedupe primitive.
package dedupe

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

const (
	// BlockSize is the comparison unit. Offsets and lengths of every region
	// are multiples of it.
	BlockSize = fsops.BlockSize

	// MinDedupeLength is the shortest region ever submitted to the
	// filesystem. Shorter matches would fragment files into tiny shared
	// extents for little gain.
	MinDedupeLength = 64 * 1024
)

var (
	// ErrFileChanged means a file shrank, vanished or was replaced while
	// the run was using it.
	ErrFileChanged = errors.New("file changed during run")

	// ErrCrossDevice means a supplied file lives on a different filesystem
	// than the scan root.
	ErrCrossDevice = errors.New("file is on a different filesystem than the scan root")
)

// FileError records a fatal error and the file and operation that caused it.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// FileID identifies a file within one run. IDs are assigned in supply order.
type FileID uint32

// Location is a block-aligned offset within a file.
type Location struct {
	File   FileID
	Offset int64
}

// Checksum is a 128-bit truncated BLAKE3 digest of one block. Equal
// checksums only nominate candidates; bytes are always compared before a
// match is trusted.
type Checksum [16]byte

// SumBlock computes the checksum of a block.
func SumBlock(b []byte) Checksum {
	full := blake3.Sum256(b)
	var c Checksum
	copy(c[:], full[:len(c)])
	return c
}

// Region is a byte-identical span between two locations. Src is the
// occurrence indexed first and becomes the dedupe source; Dst is the
// occurrence that triggered the match.
type Region struct {
	Src    Location
	Dst    Location
	Length int64
}

// String renders a region for debugging.
func (r Region) String() string {
	return fmt.Sprintf("%d@%d -> %d@%d (%d bytes)", r.Src.File, r.Src.Offset, r.Dst.File, r.Dst.Offset, r.Length)
}

// State is the verdict on a verified region. Candidates that fail byte
// comparison never become regions; they are reported as Collisions.
type State int

const (
	// StateAccepted passed the length and overlap policy
	StateAccepted State = iota
	// StateDeduplicated was fully shared by the filesystem
	StateDeduplicated
	// StatePartial had only a prefix shared
	StatePartial
	// StateRejected failed policy and was never submitted
	StateRejected
	// StateFailed was submitted and nothing was shared
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateDeduplicated:
		return "deduplicated"
	case StatePartial:
		return "partially_deduplicated"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RejectReason explains why a verified region was not submitted.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonTooShort
	ReasonOverlap
	ReasonUnaligned
	ReasonOutOfBounds
)

// String returns the string representation of the reason.
func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTooShort:
		return "below minimum length"
	case ReasonOverlap:
		return "overlapping ranges in one file"
	case ReasonUnaligned:
		return "not block aligned"
	case ReasonOutOfBounds:
		return "beyond end of file"
	default:
		return "unknown"
	}
}

// Validate applies the submission policy. srcSize and dstSize are the current
// sizes of the two files.
func (r Region) Validate(srcSize, dstSize int64) RejectReason {
	if r.Length <= 0 || r.Length%BlockSize != 0 || r.Src.Offset%BlockSize != 0 || r.Dst.Offset%BlockSize != 0 {
		return ReasonUnaligned
	}
	if r.Src.Offset < 0 || r.Dst.Offset < 0 || r.Src.Offset+r.Length > srcSize || r.Dst.Offset+r.Length > dstSize {
		return ReasonOutOfBounds
	}
	if r.Length < MinDedupeLength {
		return ReasonTooShort
	}
	if r.Src.File == r.Dst.File && r.Src.Offset < r.Dst.Offset+r.Length && r.Dst.Offset < r.Src.Offset+r.Length {
		return ReasonOverlap
	}
	return ReasonNone
}
