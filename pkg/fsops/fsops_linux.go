//go:build linux

package fsops

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// punchHole punches a hole in a file on Linux systems using fallocate.
// This deallocates the specified region, freeing disk space while preserving
// the file's apparent size. Reads from the punched region will return zeros.
func punchHole(fd uintptr, offset, length int64) error {
	return unix.Fallocate(
		int(fd),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		offset,
		length,
	)
}

// dedupeRange issues FIDEDUPERANGE on the source descriptor.
// https://man7.org/linux/man-pages/man2/ioctl_fideduperange.2.html
func dedupeRange(src *os.File, srcOffset, length int64, targets []DedupeTarget) ([]DedupeResult, error) {
	req := unix.FileDedupeRange{
		Src_offset: uint64(srcOffset),
		Src_length: uint64(length),
		Info:       make([]unix.FileDedupeRangeInfo, len(targets)),
	}
	for i, t := range targets {
		req.Info[i].Dest_fd = int64(t.File.Fd())
		req.Info[i].Dest_offset = uint64(t.Offset)
	}

	if err := unix.IoctlFileDedupeRange(int(src.Fd()), &req); err != nil {
		return nil, ClassifyDedupeErr(err)
	}

	results := make([]DedupeResult, len(targets))
	for i, info := range req.Info {
		switch {
		case info.Status == unix.FILE_DEDUPE_RANGE_SAME:
			results[i] = DedupeResult{BytesDeduped: int64(info.Bytes_deduped), Status: StatusSame}
		case info.Status == unix.FILE_DEDUPE_RANGE_DIFFERS:
			results[i] = DedupeResult{BytesDeduped: int64(info.Bytes_deduped), Status: StatusDiffers}
		default:
			// negative errno
			results[i] = DedupeResult{Status: StatusError, Errno: syscall.Errno(-info.Status)}
		}
	}
	return results, nil
}
