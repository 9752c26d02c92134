package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// EncryptedStore encrypts values whose key starts with one of the configured
// prefixes before handing them to the inner store. Other keys pass through.
// The private key is unlocked on the first read that needs it.
type EncryptedStore struct {
	inner      Store
	enc        Encryptor
	passphrase string
	prefixes   []string

	mu  sync.Mutex
	dec DecryptionContext
}

var _ Store = (*EncryptedStore)(nil)

// NewEncryptedStore wraps inner. With no prefixes every key is encrypted.
func NewEncryptedStore(inner Store, enc Encryptor, passphrase string, prefixes ...string) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc, passphrase: passphrase, prefixes: prefixes}
}

func (e *EncryptedStore) encrypted(key string) bool {
	if len(e.prefixes) == 0 {
		return true
	}
	for _, p := range e.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// seal encrypts r into a temp file and returns it rewound, with its size.
// The caller closes and removes the file.
func (e *EncryptedStore) seal(r io.Reader) (*os.File, int64, error) {
	tmp, err := os.CreateTemp("", "assetsync-enc-*")
	if err != nil {
		return nil, 0, fmt.Errorf("creating encryption buffer: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if err := e.enc.Encrypt(r, tmp); err != nil {
		cleanup()
		return nil, 0, fmt.Errorf("encrypting: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		cleanup()
		return nil, 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, err
	}
	return tmp, size, nil
}

func (e *EncryptedStore) put(key string, r io.Reader, size int64, fn func(io.Reader, int64) error) error {
	if !e.encrypted(key) {
		return fn(r, size)
	}
	counted := &countingReader{r: r}
	tmp, encSize, err := e.seal(counted)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if size >= 0 && counted.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counted.n)
	}
	return fn(tmp, encSize)
}

func (e *EncryptedStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return e.put(key, r, size, func(r io.Reader, n int64) error {
		return e.inner.Put(ctx, key, r, n)
	})
}

func (e *EncryptedStore) PutIfAbsent(ctx context.Context, key string, r io.Reader, size int64) (bool, error) {
	var claimed bool
	err := e.put(key, r, size, func(r io.Reader, n int64) error {
		var err error
		claimed, err = e.inner.PutIfAbsent(ctx, key, r, n)
		return err
	})
	return claimed, err
}

func (e *EncryptedStore) Get(ctx context.Context, key string, w io.Writer) error {
	if !e.encrypted(key) {
		return e.inner.Get(ctx, key, w)
	}
	dec, err := e.unlock()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := dec.Decrypt(pr, w)
		pr.CloseWithError(err)
		done <- err
	}()
	getErr := e.inner.Get(ctx, key, pw)
	pw.CloseWithError(getErr)
	decErr := <-done
	if errors.Is(getErr, ErrNotFound) {
		return getErr
	}
	if decErr != nil {
		return fmt.Errorf("decrypting %s: %w", key, decErr)
	}
	return getErr
}

func (e *EncryptedStore) unlock() (DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dec != nil {
		return e.dec, nil
	}
	dec, err := e.enc.Unlock(e.passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	e.dec = dec
	return dec, nil
}

func (e *EncryptedStore) Exists(ctx context.Context, key string) (bool, error) {
	return e.inner.Exists(ctx, key)
}

func (e *EncryptedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.List(ctx, prefix)
}

func (e *EncryptedStore) ValidateSetup(ctx context.Context) error {
	if !e.enc.IsConfigured() {
		return fmt.Errorf("encryption keys are not configured")
	}
	return e.inner.ValidateSetup(ctx)
}
