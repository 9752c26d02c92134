//go:build linux

package staging

import (
	"fmt"
	"io/fs"
	"syscall"
	"time"
)

// statData holds platform-specific file metadata extracted from fs.FileInfo.
type statData struct {
	UID   int64
	GID   int64
	Ctime time.Time
}

// extractStatData returns an error if the underlying Sys() type is not
// *syscall.Stat_t.
func extractStatData(info fs.FileInfo) (*statData, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return &statData{
		UID:   int64(stat.Uid),
		GID:   int64(stat.Gid),
		Ctime: time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
	}, nil
}
