package staging

import (
	"fmt"

	"assetsync/internal/config"
)

// DefaultMaxSize is the default maximum spool size (4 GiB).
const DefaultMaxSize int64 = 4 << 30

// NewSpoolFromConfig creates a Spool based on the config type.
func NewSpoolFromConfig(cfg config.StagingConfig) (*Spool, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemorySpool(maxSize), nil
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewFileSystemSpool(cfg.StagingDir, maxSize)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
