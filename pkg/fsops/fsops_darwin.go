//go:build darwin

package fsops

import (
	"os"

	"golang.org/x/sys/unix"
)

// punchHole punches a hole in a file on Darwin systems using F_PUNCHHOLE.
// This deallocates the specified region, freeing disk space while preserving
// the file's apparent size. Reads from the punched region will return zeros.
func punchHole(fd uintptr, offset, length int64) error {
	fstore := unix.Fstore_t{
		Flags:      0,
		Posmode:    0, // absolute offset
		Offset:     offset,
		Length:     length,
		Bytesalloc: 0,
	}
	return unix.FcntlFstore(fd, unix.F_PUNCHHOLE, &fstore)
}

// APFS has clonefile(2) but no range dedupe with kernel-side verification.
func dedupeRange(src *os.File, srcOffset, length int64, targets []DedupeTarget) ([]DedupeResult, error) {
	return nil, ErrNotSupported
}
