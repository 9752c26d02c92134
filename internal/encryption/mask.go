package encryption

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"assetsync/internal/store"
)

var maskMagic = []byte("ASMASK1\x00")

const fingerprintSize = 8

// ErrWrongPassphrase is returned when a blob was sealed under a different
// passphrase than the one used to open it.
var ErrWrongPassphrase = errors.New("blob was sealed with a different passphrase")

// MaskEncryptor is the key-file-free encryptor behind the "test" encryption
// type. A blob is the magic, a fingerprint of the passphrase and the content
// XORed with the passphrase digest. It is not secure.
type MaskEncryptor struct {
	key [sha256.Size]byte
}

var _ store.Encryptor = (*MaskEncryptor)(nil)

// NewMaskEncryptor seals under the empty passphrase until Setup is called.
func NewMaskEncryptor() *MaskEncryptor {
	return &MaskEncryptor{key: sha256.Sum256(nil)}
}

func (e *MaskEncryptor) Setup(passphrase string) error {
	e.key = sha256.Sum256([]byte(passphrase))
	return nil
}

func (e *MaskEncryptor) IsConfigured() bool { return true }

func (e *MaskEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(maskMagic); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(e.key[:fingerprintSize]); err != nil {
		return fmt.Errorf("writing fingerprint: %w", err)
	}
	return mask(e.key, r, w)
}

// Unlock never fails; a wrong passphrase surfaces on the first Decrypt.
func (e *MaskEncryptor) Unlock(passphrase string) (store.DecryptionContext, error) {
	return &maskDecryptor{key: sha256.Sum256([]byte(passphrase))}, nil
}

type maskDecryptor struct {
	key [sha256.Size]byte
}

func (d *maskDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(maskMagic)+fingerprintSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header[:len(maskMagic)], maskMagic) {
		return fmt.Errorf("not a masked blob")
	}
	if !bytes.Equal(header[len(maskMagic):], d.key[:fingerprintSize]) {
		return ErrWrongPassphrase
	}
	return mask(d.key, r, w)
}

func mask(key [sha256.Size]byte, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for i := 0; ; i++ {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading data: %w", err)
		}
		if err := bw.WriteByte(b ^ key[i%len(key)]); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
	}
	return bw.Flush()
}
