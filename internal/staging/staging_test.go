package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"assetsync/internal/asset"
	"assetsync/internal/config"
)

func spools(t *testing.T) map[string]*Spool {
	t.Helper()
	fsSpool, err := NewFileSystemSpool(t.TempDir(), 10*1024*1024)
	if err != nil {
		t.Fatalf("NewFileSystemSpool() error = %v", err)
	}
	mem := NewMemorySpool(10 * 1024 * 1024)
	t.Cleanup(func() { mem.Clear() })
	return map[string]*Spool{"memory": mem, "filesystem": fsSpool}
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSpool_Stage(t *testing.T) {
	for name, sp := range spools(t) {
		t.Run(name, func(t *testing.T) {
			src := writeSource(t, "hero.png", "pixels")
			fork := writeSource(t, "fork", "resource")

			staged, err := sp.Stage("a1", asset.Streams{asset.Content: src, asset.ResourceFork: fork}, sha("pixels"))
			if err != nil {
				t.Fatalf("Stage() error = %v", err)
			}
			if staged[asset.Content] == src {
				t.Error("Stage() returned the working file instead of a snapshot")
			}

			// Later edits must not reach the snapshot.
			if err := os.WriteFile(src, []byte("edited"), 0644); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(staged[asset.Content])
			if err != nil {
				t.Fatalf("reading snapshot: %v", err)
			}
			if string(data) != "pixels" {
				t.Errorf("snapshot = %q, want pixels", data)
			}
			if !sp.IsStaged("a1") || sp.Count() != 1 {
				t.Errorf("IsStaged() = %v, Count() = %d", sp.IsStaged("a1"), sp.Count())
			}
			size, err := sp.Size()
			if err != nil || size != int64(len("pixels")+len("resource")) {
				t.Errorf("Size() = %d, %v", size, err)
			}
		})
	}
}

func TestSpool_DigestMismatch(t *testing.T) {
	for name, sp := range spools(t) {
		t.Run(name, func(t *testing.T) {
			src := writeSource(t, "a.txt", "changed since import")
			_, err := sp.Stage("a1", asset.Streams{asset.Content: src}, sha("original"))
			if err == nil || !strings.Contains(err.Error(), "file changed during staging") {
				t.Fatalf("Stage() error = %v, want file changed during staging", err)
			}
			if sp.IsStaged("a1") {
				t.Error("failed stage left a snapshot behind")
			}
			if size, _ := sp.Size(); size != 0 {
				t.Errorf("Size() = %d after failed stage, want 0", size)
			}
		})
	}
}

func TestSpool_Deduplicates(t *testing.T) {
	for name, sp := range spools(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b"} {
				src := writeSource(t, id, "same content")
				if _, err := sp.Stage(id, asset.Streams{asset.Content: src}, ""); err != nil {
					t.Fatalf("Stage(%s) error = %v", id, err)
				}
			}
			if sp.Count() != 2 {
				t.Errorf("Count() = %d, want 2", sp.Count())
			}
			if size, _ := sp.Size(); size != int64(len("same content")) {
				t.Errorf("Size() = %d, want deduplicated %d", size, len("same content"))
			}
		})
	}
}

func TestSpool_FailureKeepsSharedContent(t *testing.T) {
	for name, sp := range spools(t) {
		t.Run(name, func(t *testing.T) {
			first := writeSource(t, "a", "shared")
			staged, err := sp.Stage("a", asset.Streams{asset.Content: first}, "")
			if err != nil {
				t.Fatal(err)
			}
			second := writeSource(t, "b", "shared")
			if _, err := sp.Stage("b", asset.Streams{asset.Content: second}, sha("other")); err == nil {
				t.Fatal("Stage() with wrong digest succeeded")
			}
			if _, err := os.Stat(staged[asset.Content]); err != nil {
				t.Errorf("snapshot of a removed by failed stage of b: %v", err)
			}
		})
	}
}

func TestSpool_MaxSize(t *testing.T) {
	sp := NewMemorySpool(4)
	t.Cleanup(func() { sp.Clear() })
	src := writeSource(t, "big", "too large")
	_, err := sp.Stage("big", asset.Streams{asset.Content: src}, "")
	if err == nil || !strings.Contains(err.Error(), "staging area full") {
		t.Fatalf("Stage() error = %v, want staging area full", err)
	}
	if size, _ := sp.Size(); size != 0 {
		t.Errorf("Size() = %d after rejected stage", size)
	}
}

func TestSpool_MissingSource(t *testing.T) {
	sp := NewMemorySpool(1024)
	_, err := sp.Stage("x", asset.Streams{asset.Content: filepath.Join(t.TempDir(), "nope")}, "")
	if err == nil {
		t.Fatal("Stage() of missing file succeeded")
	}
}

func TestSpool_Clear(t *testing.T) {
	for name, sp := range spools(t) {
		t.Run(name, func(t *testing.T) {
			src := writeSource(t, "a", "data")
			staged, err := sp.Stage("a", asset.Streams{asset.Content: src}, "")
			if err != nil {
				t.Fatal(err)
			}
			if err := sp.Clear(); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			if sp.Count() != 0 || sp.IsStaged("a") {
				t.Error("Clear() kept staged assets")
			}
			if _, err := os.Stat(staged[asset.Content]); !os.IsNotExist(err) {
				t.Errorf("snapshot still on disk after Clear(): %v", err)
			}
		})
	}
}

func TestNewSpoolFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{"memory", config.StagingConfig{Type: "memory"}, false},
		{"filesystem", config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir()}, false},
		{"filesystem without dir", config.StagingConfig{Type: "filesystem"}, true},
		{"unknown type", config.StagingConfig{Type: "tape"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp, err := NewSpoolFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSpoolFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && sp.maxSize != DefaultMaxSize {
				t.Errorf("maxSize = %d, want default %d", sp.maxSize, DefaultMaxSize)
			}
		})
	}
}
