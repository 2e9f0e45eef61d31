package fsops

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// DedupeTarget is one destination range of a dedupe request. The length
// is shared with the source range.
type DedupeTarget struct {
	File   *os.File
	Offset int64
}

// DedupeStatus is the per-destination status reported by the kernel.
type DedupeStatus int

const (
	// StatusSame means the ranges matched and were (at least partly) shared
	StatusSame DedupeStatus = iota
	// StatusDiffers means the kernel's own comparison found different data
	StatusDiffers
	// StatusError means the kernel refused the destination; see Errno
	StatusError
)

// String returns the string representation of the status.
func (s DedupeStatus) String() string {
	switch s {
	case StatusSame:
		return "same"
	case StatusDiffers:
		return "differs"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DedupeResult is the outcome for one destination.
type DedupeResult struct {
	// BytesDeduped may be smaller than the requested length
	BytesDeduped int64
	Status       DedupeStatus
	// Errno is set when Status is StatusError
	Errno syscall.Errno
}

func (r DedupeResult) String() string {
	if r.Status == StatusError {
		return fmt.Sprintf("error: %v", r.Errno)
	}
	return fmt.Sprintf("%s, %d bytes deduplicated", r.Status, r.BytesDeduped)
}

// DedupeRange asks the filesystem to share the source range
// [srcOffset, srcOffset+length) with each target. The kernel compares the
// data itself before sharing anything. The returned slice has one entry per
// target, in order. A non-nil error means the request as a whole was
// rejected; it wraps ErrNotSupported when the filesystem lacks the ioctl.
func DedupeRange(src *os.File, srcOffset, length int64, targets []DedupeTarget) ([]DedupeResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("dedupe of %s: no destinations", src.Name())
	}
	return dedupeRange(src, srcOffset, length, targets)
}

// ProbeDedupe issues a zero-length dedupe of f onto itself. It changes
// nothing on disk and fails with ErrNotSupported when the filesystem does
// not implement range deduplication, whether the kernel rejects the call
// or the destination. Some filesystems only refuse non-empty ranges, so a
// passing probe is not a guarantee; DedupeRange results still need
// ClassifyDedupeErr.
func ProbeDedupe(f *os.File) error {
	results, err := dedupeRange(f, 0, 0, []DedupeTarget{{File: f, Offset: 0}})
	return probeResult(results, err)
}

func probeResult(results []DedupeResult, err error) error {
	if err != nil {
		return ClassifyDedupeErr(err)
	}
	if len(results) != 1 {
		return fmt.Errorf("dedupe probe: %d results for 1 destination", len(results))
	}
	if results[0].Status == StatusError {
		return ClassifyDedupeErr(results[0].Errno)
	}
	return nil
}

// ClassifyDedupeErr wraps err in ErrNotSupported when it means the
// filesystem has no range dedupe at all (ENOTTY, EOPNOTSUPP). Other errors
// are returned unchanged.
func ClassifyDedupeErr(err error) error {
	if err == nil || errors.Is(err, ErrNotSupported) {
		return err
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.ENOTTY || errno == syscall.EOPNOTSUPP) {
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	}
	return err
}
