package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// fileSystemStore keeps snapshots as files named by checksum.
//
// Directory structure:
//
//	<staging_dir>/
//	  files/
//	    <sha256>    (snapshot content)
type fileSystemStore struct {
	filesDir string
}

// NewFileSystemSpool creates a spool under stagingDir.
func NewFileSystemSpool(stagingDir string, maxSize int64) (*Spool, error) {
	filesDir := filepath.Join(stagingDir, "files")
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return newSpool(&fileSystemStore{filesDir: filesDir}, maxSize), nil
}

func (f *fileSystemStore) StoreContent(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(f.filesDir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	dest := filepath.Join(f.filesDir, checksum)
	if _, err := os.Stat(dest); err == nil {
		return checksum, size, nil
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("storing %s: %w", checksum, err)
	}
	return checksum, size, nil
}

func (f *fileSystemStore) RemoveContent(checksum string) {
	os.Remove(filepath.Join(f.filesDir, checksum))
}

func (f *fileSystemStore) Path(checksum string) (string, error) {
	path := filepath.Join(f.filesDir, checksum)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("content not found: %s", checksum)
	}
	return path, nil
}

func (f *fileSystemStore) ContentSize() (int64, error) {
	entries, err := os.ReadDir(f.filesDir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func (f *fileSystemStore) Clear() error {
	entries, err := os.ReadDir(f.filesDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(f.filesDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
