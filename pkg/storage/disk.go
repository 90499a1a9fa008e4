// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsage of the filesystem containing a path, in bytes.
type DiskUsage struct {
	Used      uint64 `json:"used"`
	Free      uint64 `json:"free"`
	Total     uint64 `json:"total"`
	Percent   int    `json:"percent"`
	Formatted string `json:"formatted"`
}

// Usage returns the disk usage of the filesystem containing path.
func Usage(path string) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage: %w", err)
	}
	return DiskUsage{
		Used:      usage.Used,
		Free:      usage.Free,
		Total:     usage.Total,
		Percent:   int(usage.UsedPercent),
		Formatted: humanize.Bytes(usage.Used) + " / " + humanize.Bytes(usage.Total),
	}, nil
}

// FreeSpaceFunc is used for mocking.
type FreeSpaceFunc func(path string) (uint64, error)

// FreeSpace returns the available bytes on the filesystem containing path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	return usage.Free, nil
}
