package staging

import "io"

// stagingStore abstracts the storage mechanics of a spool. Snapshots are
// content addressed by their SHA-256 checksum. Concurrency is managed by the
// caller (Spool.mu), so stores do not need to be safe for concurrent use.
type stagingStore interface {
	// StoreContent reads from r, computes SHA-256, and stores content.
	// Deduplicates if checksum already exists. Returns checksum and size.
	StoreContent(r io.Reader) (checksum string, size int64, err error)

	// RemoveContent removes stored content by checksum (best-effort).
	RemoveContent(checksum string)

	// Path returns a local file holding the content of checksum.
	Path(checksum string) (string, error)

	// ContentSize returns total bytes of all stored content.
	ContentSize() (int64, error)

	// Clear drops all stored content.
	Clear() error
}
