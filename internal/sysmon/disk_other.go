//go:build !linux

package sysmon

import "fmt"

func diskUsage(path string) (Disk, error) {
	return Disk{}, fmt.Errorf("disk stats unsupported on this platform")
}
