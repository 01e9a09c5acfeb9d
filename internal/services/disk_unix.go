//go:build unix

package services

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// diskUsage measures the volume of path, or of its closest existing parent
func diskUsage(path string) (DiskUsage, error) {
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		Total: int64(st.Blocks) * int64(st.Bsize),
		Free:  int64(st.Bavail) * int64(st.Bsize),
	}, nil
}
