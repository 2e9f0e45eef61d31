// Package monitor inspects the volume a dedupe run works on.
package monitor

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Volume describes the filesystem holding a path.
type Volume struct {
	// Path is the inspected path
	Path string
	// Mountpoint is the mount point of the filesystem holding Path
	Mountpoint string
	// Device is the mounted source, e.g. /dev/sda1
	Device string
	// Fstype is the filesystem type, e.g. btrfs
	Fstype string
	// Total bytes on the filesystem
	Total uint64
	// Used bytes on the filesystem
	Used uint64
	// Free bytes on the filesystem
	Free uint64
	// UsedPercent is the percentage of the filesystem used
	UsedPercent float64
}

// Inspect returns the volume holding path. Usage figures come from statfs
// on path itself; the mount table only supplies the type and source, and
// a missing entry leaves them empty.
func Inspect(path string) (*Volume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	usage, err := disk.Usage(abs)
	if err != nil {
		return nil, err
	}
	vol := &Volume{
		Path:        abs,
		Fstype:      usage.Fstype,
		Total:       usage.Total,
		Used:        usage.Used,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}

	partitions, err := disk.Partitions(true)
	if err != nil {
		return vol, nil
	}
	if p, ok := findMount(partitions, abs); ok {
		vol.Mountpoint = p.Mountpoint
		vol.Device = p.Device
		if p.Fstype != "" {
			vol.Fstype = p.Fstype
		}
	}
	return vol, nil
}

// Refresh re-reads the usage figures of v.
func (v *Volume) Refresh() error {
	usage, err := disk.Usage(v.Path)
	if err != nil {
		return err
	}
	v.Total = usage.Total
	v.Used = usage.Used
	v.Free = usage.Free
	v.UsedPercent = usage.UsedPercent
	return nil
}

// findMount returns the partition with the longest mount point containing
// path. Later entries win ties, as the most recent mount shadows the
// earlier ones.
func findMount(partitions []disk.PartitionStat, path string) (disk.PartitionStat, bool) {
	var best disk.PartitionStat
	found := false
	for _, p := range partitions {
		if !within(p.Mountpoint, path) {
			continue
		}
		if !found || len(p.Mountpoint) >= len(best.Mountpoint) {
			best = p
			found = true
		}
	}
	return best, found
}

func within(mountpoint, path string) bool {
	if mountpoint == "" {
		return false
	}
	if mountpoint == "/" || mountpoint == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountpoint, "/")+"/")
}

// dedupeFilesystems implement FIDEDUPERANGE.
var dedupeFilesystems = map[string]bool{
	"bcachefs": true,
	"btrfs":    true,
	"ocfs2":    true,
	"xfs":      true,
}

// DedupeCapable reports whether fstype is known to support range
// deduplication. It is only a hint: XFS needs reflink enabled at mkfs
// time, and the capability probe is authoritative.
func DedupeCapable(fstype string) bool {
	return dedupeFilesystems[strings.ToLower(fstype)]
}
