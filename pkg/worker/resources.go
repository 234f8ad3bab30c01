package worker

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskSpace describes the filesystem holding the tool's working directory
type DiskSpace struct {
	Total       uint64
	Free        uint64
	UsedPercent float64
}

// CheckDiskSpace reports usage of the filesystem containing path
func CheckDiskSpace(path string) (*DiskSpace, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to check disk space for %s: %w", path, err)
	}
	return &DiskSpace{Total: usage.Total, Free: usage.Free, UsedPercent: usage.UsedPercent}, nil
}

// EnsureDiskSpace fails when fewer than required bytes are free under path
func EnsureDiskSpace(path string, required uint64) error {
	info, err := CheckDiskSpace(path)
	if err != nil {
		return err
	}
	if info.Free < required {
		return fmt.Errorf("insufficient disk space in %s: need %s, available %s (%.1f%% used)",
			path, humanize.IBytes(required), humanize.IBytes(info.Free), info.UsedPercent)
	}
	return nil
}
