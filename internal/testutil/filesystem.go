package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes content to the slash-separated path rel under root,
// creating parent directories as needed.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("creating parent of %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
}

// ReadFile returns the content of rel under root.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return string(data)
}

// Mkdir creates the directory rel under root.
func Mkdir(t *testing.T, root, rel string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0755); err != nil {
		t.Fatalf("creating %s: %v", rel, err)
	}
}

// Remove deletes rel under root along with anything below it.
func Remove(t *testing.T, root, rel string) {
	t.Helper()
	if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
		t.Fatalf("removing %s: %v", rel, err)
	}
}

// Rename moves rel to newRel under root.
func Rename(t *testing.T, root, rel, newRel string) {
	t.Helper()
	dest := filepath.Join(root, filepath.FromSlash(newRel))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatalf("creating parent of %s: %v", newRel, err)
	}
	if err := os.Rename(filepath.Join(root, filepath.FromSlash(rel)), dest); err != nil {
		t.Fatalf("renaming %s: %v", rel, err)
	}
}

// Exists reports whether rel exists under root.
func Exists(root, rel string) bool {
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}
