package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"assetsync/internal/config"
)

// NewCacheFromConfig opens the cache selected by the config type.
func NewCacheFromConfig(cfg config.CacheConfig, hostID string) (*SQLiteCache, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite cache")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
		return Open(filepath.Join(cfg.DataDir, hostID+".db"))
	case "memory":
		return Open(":memory:")
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
