package encryption

import (
	"fmt"

	"assetsync/internal/config"
	"assetsync/internal/store"
)

// NewEncryptorFromConfig creates the Encryptor selected by the config type.
// Type "none" returns a nil Encryptor: blobs are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (store.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewMaskEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// Wrap decorates s with blob encryption when enc is not nil. Manifests and
// HEAD stay readable so history can be listed without the passphrase.
func Wrap(s store.Store, enc store.Encryptor, passphrase string) store.Store {
	if enc == nil {
		return s
	}
	return store.NewEncryptedStore(s, enc, passphrase, "blobs/")
}
