package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// memoryStore keeps snapshots in memory. Path materializes a snapshot into
// a scratch directory because uploads read streams from files.
type memoryStore struct {
	content map[string][]byte
	scratch string
}

// NewMemorySpool creates a spool holding snapshots in memory, mostly useful
// for tests.
func NewMemorySpool(maxSize int64) *Spool {
	return newSpool(&memoryStore{content: make(map[string][]byte)}, maxSize)
}

func (m *memoryStore) StoreContent(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
	}
	return checksum, int64(len(data)), nil
}

func (m *memoryStore) RemoveContent(checksum string) {
	delete(m.content, checksum)
	if m.scratch != "" {
		os.Remove(filepath.Join(m.scratch, checksum))
	}
}

func (m *memoryStore) Path(checksum string) (string, error) {
	data, ok := m.content[checksum]
	if !ok {
		return "", fmt.Errorf("content not found: %s", checksum)
	}
	if m.scratch == "" {
		dir, err := os.MkdirTemp("", "assetsync-spool-*")
		if err != nil {
			return "", fmt.Errorf("creating scratch directory: %w", err)
		}
		m.scratch = dir
	}
	path := filepath.Join(m.scratch, checksum)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("materializing %s: %w", checksum, err)
	}
	return path, nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	var total int64
	for _, data := range m.content {
		total += int64(len(data))
	}
	return total, nil
}

func (m *memoryStore) Clear() error {
	m.content = make(map[string][]byte)
	if m.scratch == "" {
		return nil
	}
	err := os.RemoveAll(m.scratch)
	m.scratch = ""
	return err
}
