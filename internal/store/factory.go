package store

import (
	"context"
	"fmt"
	"path/filepath"

	"assetsync/internal/config"
)

// NewStoreFromConfig creates the Store selected by the server config type.
// The caller applies HOST/PROJECT/USER overrides to cfg before calling;
// password is the secret that goes with cfg.User.
func NewStoreFromConfig(ctx context.Context, cfg config.ServerConfig, password string) (Store, error) {
	name := cfg.Project
	if name == "" {
		name = "default"
	}
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem server requires fs_root to be set")
		}
		return NewFileSystemStore(name, filepath.Join(cfg.FSRoot, name))
	case "s3":
		return NewS3Store(ctx, name, S3Options{
			Endpoint:  cfg.Host,
			Insecure:  cfg.S3Insecure,
			Region:    cfg.S3Region,
			Bucket:    cfg.Project,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.User,
			SecretKey: password,
		})
	default:
		return nil, fmt.Errorf("unknown server type: %s", cfg.Type)
	}
}
