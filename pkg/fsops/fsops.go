// Package fsops wraps the filesystem primitives blockdedup relies on:
// range deduplication, hole punching and file identity.
package fsops

import (
	"errors"
	"os"
	"syscall"
)

// BlockSize is the unit of comparison and the alignment the dedupe
// primitive expects for offsets and lengths.
const BlockSize = 4096

// ZeroRegion represents a contiguous region of zero bytes in a file
type ZeroRegion struct {
	Offset int64
	Length int64
}

// ErrNotSupported is returned when the filesystem or platform does not
// implement the requested primitive.
var ErrNotSupported = errors.New("operation not supported on this filesystem")

// Identity is the (device, inode) pair naming a file on one machine.
type Identity struct {
	Dev uint64
	Ino uint64
}

// Identify extracts the device and inode from a FileInfo. ok is false on
// platforms whose FileInfo does not carry a syscall.Stat_t.
func Identify(fi os.FileInfo) (id Identity, ok bool) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}, false
	}
	return Identity{Dev: uint64(stat.Dev), Ino: uint64(stat.Ino)}, true
}

// DeviceOf returns the device id of the filesystem holding path.
func DeviceOf(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	id, ok := Identify(fi)
	if !ok {
		return 0, ErrNotSupported
	}
	return id.Dev, nil
}

// PunchHoles punches holes in a file for the specified zero regions.
// Returns the total number of bytes covered and any error encountered.
func PunchHoles(path string, regions []ZeroRegion) (int64, error) {
	if len(regions) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fd := f.Fd()
	var total int64

	for _, region := range regions {
		if err := punchHole(fd, region.Offset, region.Length); err != nil {
			return total, err
		}
		total += region.Length
	}

	return total, nil
}

// GetActualSize returns the actual disk space used by a file (accounting for sparse regions).
// This differs from the apparent size reported by os.Stat().Size().
func GetActualSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fi.Size(), nil
	}

	// POSIX defines stat.st_blocks as 512-byte blocks
	return int64(stat.Blocks) * 512, nil
}
