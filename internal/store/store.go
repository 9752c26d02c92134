// Package store provides the key/value blob storage the changeset backend
// is layered on. Keys are slash separated ("blobs/<digest>",
// "changesets/00000042.toml").
package store

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a flat key/value store. All operations stream through
// io.Reader/io.Writer so large assets are never held in memory.
type Store interface {
	// Put stores size bytes read from r under key, replacing any previous value.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// PutIfAbsent stores the value only if key does not exist yet. It
	// reports false, without error, when another writer got there first.
	PutIfAbsent(ctx context.Context, key string, r io.Reader, size int64) (bool, error)

	// Get writes the value of key to w. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string, w io.Writer) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// ValidateSetup verifies that the store is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts values with the public key only. Decryption needs the
// private key, unlocked with a passphrase into a DecryptionContext.
type Encryptor interface {
	// Setup generates the key pair. Called during `assetsync config init`.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. A wrong passphrase returns an error.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether the key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
