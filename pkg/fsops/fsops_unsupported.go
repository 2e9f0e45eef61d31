//go:build !darwin && !linux

package fsops

import "os"

// punchHole returns ErrNotSupported on platforms that don't support hole punching.
func punchHole(fd uintptr, offset, length int64) error {
	return ErrNotSupported
}

func dedupeRange(src *os.File, srcOffset, length int64, targets []DedupeTarget) ([]DedupeResult, error) {
	return nil, ErrNotSupported
}
