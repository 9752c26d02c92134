package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for assetsync.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Cache      CacheConfig      `toml:"cache"`
	Server     ServerConfig     `toml:"server"`
	Encryption EncryptionConfig `toml:"encryption"`
	Merge      MergeConfig      `toml:"merge"`
	Staging    StagingConfig    `toml:"staging"`
	Log        LogConfig        `toml:"log"`
	License    LicenseConfig    `toml:"license"`
}

// WorkspaceConfig describes the working tree.
type WorkspaceConfig struct {
	Root   string   `toml:"root"`
	Ignore []string `toml:"ignore"`
	Watch  bool     `toml:"watch"` // auto-import on file-system events
}

// CacheConfig represents configuration for the local configuration cache.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CacheConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ServerConfig represents the remote changeset store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// HOST, PROJECT and USER given on the command line override the defaults here.
type ServerConfig struct {
	Type    string `toml:"type"` // "memory", "filesystem" or "s3"
	Host    string `toml:"host,omitempty"`
	Project string `toml:"project,omitempty"`
	User    string `toml:"user,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3"). The project names the bucket.
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Insecure bool   `toml:"s3_insecure,omitempty"` // plain http to HOST
}

// EncryptionConfig holds the age key pair used to encrypt stored blobs.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	PassphraseEnv  string `toml:"passphrase_env,omitempty"` // env var holding the key passphrase
}

// MergeConfig selects the three-way merge tool.
type MergeConfig struct {
	Type    string   `toml:"type"`              // "text" (default), "strict-text" or "command"
	Command []string `toml:"command,omitempty"` // argv with {ancestor} {local} {remote} {output}
}

// StagingConfig locates the commit spool.
type StagingConfig struct {
	Type       string `toml:"type"` // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"`
	MaxSize    int64  `toml:"max_size,omitempty"` // bytes; 0 selects the default
}

// LogConfig controls log file rotation.
type LogConfig struct {
	Level      string `toml:"level"`        // "debug", "info", "warn" or "error"
	MaxSizeMB  int    `toml:"max_size_mb"`  // rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // days to keep rotated files
}

// LicenseConfig gates the asset server feature.
type LicenseConfig struct {
	AssetServer bool `toml:"asset_server"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir, workspaceRoot string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Workspace: WorkspaceConfig{
			Root:  workspaceRoot,
			Watch: false,
		},
		Cache: CacheConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "cache"),
		},
		Server: ServerConfig{
			Type:   "filesystem",
			FSRoot: filepath.Join(baseDir, "server"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "assetsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "assetsync.key"),
			PassphraseEnv:  "ASSETSYNC_PASSPHRASE",
		},
		Merge: MergeConfig{Type: "text"},
		Staging: StagingConfig{
			Type:       "filesystem",
			StagingDir: filepath.Join(baseDir, "staging"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		License: LicenseConfig{AssetServer: true},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. An existing file is never overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
