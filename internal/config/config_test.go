package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:  "studio-laptop",
		BaseDir: "/home/user/.local/share/assetsync",
		LogDir:  "/home/user/.local/share/assetsync/log",
		Workspace: WorkspaceConfig{
			Root:   "/home/user/game/Assets",
			Ignore: []string{"*.tmp", "Library"},
			Watch:  true,
		},
		Cache: CacheConfig{Type: "sqlite", DataDir: "/home/user/.local/share/assetsync/cache"},
		Server: ServerConfig{
			Type:     "s3",
			Host:     "minio.local:9000",
			Project:  "game-assets",
			User:     "alice",
			S3Region: "us-east-1",
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/keys/assetsync.pub",
			PrivateKeyPath: "/keys/assetsync.key",
		},
		Merge: MergeConfig{
			Type:    "command",
			Command: []string{"diff3", "-m", "{local}", "{ancestor}", "{remote}"},
		},
		Staging: StagingConfig{Type: "memory"},
		Log:     LogConfig{Level: "debug", MaxSizeMB: 1},
	}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.Workspace.Root != original.Workspace.Root {
		t.Errorf("Workspace.Root = %q, want %q", got.Workspace.Root, original.Workspace.Root)
	}
	if !got.Workspace.Watch {
		t.Error("Workspace.Watch = false, want true")
	}
	if len(got.Workspace.Ignore) != 2 {
		t.Fatalf("len(Workspace.Ignore) = %d, want 2", len(got.Workspace.Ignore))
	}
	if got.Server.Type != "s3" || got.Server.Host != "minio.local:9000" || got.Server.Project != "game-assets" {
		t.Errorf("Server = %+v", got.Server)
	}
	if got.Encryption.Type != "age" {
		t.Errorf("Encryption.Type = %q, want %q", got.Encryption.Type, "age")
	}
	if strings.Join(got.Merge.Command, " ") != "diff3 -m {local} {ancestor} {remote}" {
		t.Errorf("Merge.Command = %v", got.Merge.Command)
	}
	if got.Log.MaxSizeMB != 1 {
		t.Errorf("Log.MaxSizeMB = %d, want 1", got.Log.MaxSizeMB)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/assetsync", "/work")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/assetsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/assetsync/log")
	}
	if cfg.Workspace.Root != "/work" {
		t.Errorf("Workspace.Root = %q, want %q", cfg.Workspace.Root, "/work")
	}
	if cfg.Cache.Type != "sqlite" || cfg.Cache.DataDir != "/data/assetsync/cache" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Server.Type != "filesystem" || cfg.Server.FSRoot != "/data/assetsync/server" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Encryption.Type != "none" {
		t.Errorf("Encryption.Type = %q, want none", cfg.Encryption.Type)
	}
	if cfg.Encryption.PublicKeyPath != "/data/assetsync/keys/assetsync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if !cfg.License.AssetServer {
		t.Error("License.AssetServer = false, want true")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "assetsync.toml")

		if err := Init(path, NewConfig("h1", dir, dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "assetsync.toml")
		cfg := NewConfig("h1", dir, dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "assetsync.toml")
		cfg := NewConfig("read-test", dir, dir)
		cfg.Cache = CacheConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Cache.Type != "memory" {
			t.Errorf("Cache.Type = %q, want memory", got.Cache.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/assetsync.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
