package testutil

import (
	"assetsync/internal/encryption"
	"assetsync/internal/store"
)

// NewTestEncryptor creates a reversible encryptor that needs no key files.
func NewTestEncryptor() store.Encryptor {
	return encryption.NewMaskEncryptor()
}

// NewEncryptedTestStore wraps s so blobs are stored encrypted with the test
// encryptor.
func NewEncryptedTestStore(s store.Store) store.Store {
	return encryption.Wrap(s, NewTestEncryptor(), "")
}
