//go:build linux

package sysmon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskUsage reports filesystem usage the way df does: used percent is
// computed against the space visible to unprivileged users.
func diskUsage(path string) (Disk, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Disk{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(st.Bsize)
	disk := Disk{
		Path:  path,
		Total: st.Blocks * bsize,
		Free:  st.Bfree * bsize,
	}
	disk.Used = disk.Total - disk.Free
	avail := st.Bavail * bsize
	if disk.Used+avail > 0 {
		disk.UsedPercent = float64(disk.Used) / float64(disk.Used+avail) * 100
	}
	return disk, nil
}
