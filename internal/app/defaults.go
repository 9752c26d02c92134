package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the locations used before a config file exists.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	Workspace  string
}

// GetDefaults resolves the default locations. Environment variables win:
//   - ASSETSYNC_CONFIG_PATH: config file (default: $XDG_CONFIG_HOME/assetsync/config.toml)
//   - ASSETSYNC_HOME: data directory for cache, staging, downloads and logs
//     (default: $XDG_DATA_HOME/assetsync)
//   - ASSETSYNC_WORKSPACE: working tree (default: the current directory)
//
// Unset XDG variables fall back to ~/.config and ~/.local/share.
func GetDefaults() (Defaults, error) {
	var d Defaults
	var err error

	d.ConfigPath, err = fromEnv("ASSETSYNC_CONFIG_PATH", func() (string, error) {
		dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
		return filepath.Join(dir, "assetsync", "config.toml"), err
	})
	if err != nil {
		return Defaults{}, err
	}

	d.BaseDir, err = fromEnv("ASSETSYNC_HOME", func() (string, error) {
		dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
		return filepath.Join(dir, "assetsync"), err
	})
	if err != nil {
		return Defaults{}, err
	}

	ws, err := fromEnv("ASSETSYNC_WORKSPACE", os.Getwd)
	if err != nil {
		return Defaults{}, fmt.Errorf("getting current directory: %w", err)
	}
	if d.Workspace, err = filepath.Abs(ws); err != nil {
		return Defaults{}, fmt.Errorf("resolving workspace: %w", err)
	}
	return d, nil
}

func fromEnv(name string, fallback func() (string, error)) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return fallback()
}

func xdgDir(env, underHome string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, underHome), nil
}

// downloadDir holds update downloads until they are applied.
func downloadDir(baseDir string) string {
	return filepath.Join(baseDir, "downloads")
}
