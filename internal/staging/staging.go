// Package staging snapshots asset streams before upload. A commit uploads
// the spooled copies, so edits made to the working tree while the transfer
// runs never reach the server half written.
package staging

import (
	"fmt"
	"io/fs"
	"os"
	"sync"

	"assetsync/internal/asset"
)

// Spool implements asset.Stager on top of a pluggable stagingStore.
type Spool struct {
	store   stagingStore
	maxSize int64

	mu     sync.Mutex
	staged map[string]asset.Streams
}

var _ asset.Stager = (*Spool)(nil)

func newSpool(store stagingStore, maxSize int64) *Spool {
	return &Spool{store: store, maxSize: maxSize, staged: make(map[string]asset.Streams)}
}

// Stage copies every stream of id into the spool. The Content snapshot must
// hash to digest when one is given, and no stream may change while it is
// copied.
func (s *Spool) Stage(id string, streams asset.Streams, digest string) (asset.Streams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(asset.Streams, len(streams))
	var stored []string
	fail := func(err error) (asset.Streams, error) {
		for _, checksum := range stored {
			if !s.referenced(checksum) {
				s.store.RemoveContent(checksum)
			}
		}
		return nil, err
	}

	for _, kind := range asset.StreamKinds {
		src, ok := streams[kind]
		if !ok {
			continue
		}
		checksum, err := s.snapshot(src)
		if err != nil {
			return fail(fmt.Errorf("staging %s stream of %s: %w", kind, id, err))
		}
		stored = append(stored, checksum)

		if kind == asset.Content && digest != "" && checksum != digest {
			return fail(fmt.Errorf("staging %s: file changed during staging: digest %s, expected %s", id, checksum, digest))
		}
		path, err := s.store.Path(checksum)
		if err != nil {
			return fail(err)
		}
		out[kind] = path
	}

	size, err := s.store.ContentSize()
	if err != nil {
		return fail(fmt.Errorf("getting current size: %w", err))
	}
	if size > s.maxSize {
		return fail(fmt.Errorf("staging area full: would exceed max size of %d bytes", s.maxSize))
	}

	s.staged[id] = out
	return out, nil
}

// snapshot copies src into the store, failing if the file changed meanwhile.
func (s *Spool) snapshot(src string) (string, error) {
	info1, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	checksum, _, err := s.store.StoreContent(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("storing content: %w", err)
	}

	info2, err := os.Stat(src)
	if err != nil {
		s.dropUnreferenced(checksum)
		return "", fmt.Errorf("re-stat file: %w", err)
	}
	if err := validateStatUnchanged(info1, info2); err != nil {
		s.dropUnreferenced(checksum)
		return "", fmt.Errorf("file changed during staging: %w", err)
	}
	return checksum, nil
}

func (s *Spool) dropUnreferenced(checksum string) {
	if !s.referenced(checksum) {
		s.store.RemoveContent(checksum)
	}
}

// referenced reports whether an earlier staged asset shares checksum.
func (s *Spool) referenced(checksum string) bool {
	path, err := s.store.Path(checksum)
	if err != nil {
		return false
	}
	for _, streams := range s.staged {
		for _, p := range streams {
			if p == path {
				return true
			}
		}
	}
	return false
}

// Clear drops every snapshot.
func (s *Spool) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = make(map[string]asset.Streams)
	return s.store.Clear()
}

// Count returns the number of staged assets.
func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// Size returns the total size of staged content in bytes.
func (s *Spool) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ContentSize()
}

// IsStaged reports whether id has a snapshot in the spool.
func (s *Spool) IsStaged(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.staged[id]
	return ok
}

// validateStatUnchanged checks that file metadata hasn't changed.
// We ignore access time as it may change from our read.
func validateStatUnchanged(info1, info2 fs.FileInfo) error {
	if info1.Size() != info2.Size() {
		return fmt.Errorf("size changed: %d -> %d", info1.Size(), info2.Size())
	}
	if info1.Mode() != info2.Mode() {
		return fmt.Errorf("mode changed: %v -> %v", info1.Mode(), info2.Mode())
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		return fmt.Errorf("mtime changed: %v -> %v", info1.ModTime(), info2.ModTime())
	}
	stat1, err1 := extractStatData(info1)
	stat2, err2 := extractStatData(info2)
	if err1 != nil || err2 != nil {
		return nil
	}
	if !stat1.Ctime.Equal(stat2.Ctime) {
		return fmt.Errorf("ctime changed: %v -> %v", stat1.Ctime, stat2.Ctime)
	}
	if stat1.UID != stat2.UID {
		return fmt.Errorf("uid changed: %d -> %d", stat1.UID, stat2.UID)
	}
	if stat1.GID != stat2.GID {
		return fmt.Errorf("gid changed: %d -> %d", stat1.GID, stat2.GID)
	}
	return nil
}
