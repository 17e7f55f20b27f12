package downloader

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrInsufficientSpace = errors.New("insufficient disk space")

// diskSpaceMargin keeps a little headroom so a transfer never fills the
// volume to the last byte.
const diskSpaceMargin = 64 << 20 // 64 MiB

// checkDiskSpace verifies the target directory's filesystem can hold the
// remaining bytes. Unknown sizes are not checked.
func checkDiskSpace(dir string, required int64) error {
	if required <= 0 {
		return nil
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < required+diskSpaceMargin {
		return fmt.Errorf("%w: need %d bytes, %d available in %s",
			ErrInsufficientSpace, required, available, dir)
	}
	return nil
}
