//go:build !linux

package staging

import (
	"errors"
	"io/fs"
	"time"
)

type statData struct {
	UID   int64
	GID   int64
	Ctime time.Time
}

func extractStatData(fs.FileInfo) (*statData, error) {
	return nil, errors.New("stat data not available on this platform")
}
