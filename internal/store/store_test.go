package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"assetsync/internal/config"
)

// stores returns one fresh instance of every local implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileSystemStore("test", filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	return map[string]Store{
		"memory":     NewMemoryStore("test"),
		"filesystem": fs,
		"encrypted":  NewEncryptedStore(NewMemoryStore("inner"), &headerEncryptor{}, ""),
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				key  string
				data string
			}{
				{key: "blobs/abc123", data: "hello world"},
				{key: "blobs/empty", data: ""},
				{key: "changesets/00000001.toml", data: strings.Repeat("x", 10000)},
			}
			for _, tt := range tests {
				if err := s.Put(ctx, tt.key, strings.NewReader(tt.data), int64(len(tt.data))); err != nil {
					t.Fatalf("Put(%s) error = %v", tt.key, err)
				}
				var buf bytes.Buffer
				if err := s.Get(ctx, tt.key, &buf); err != nil {
					t.Fatalf("Get(%s) error = %v", tt.key, err)
				}
				if buf.String() != tt.data {
					t.Errorf("Get(%s) returned %d bytes, want %d", tt.key, buf.Len(), len(tt.data))
				}
			}

			// Put replaces.
			s.Put(ctx, "HEAD", strings.NewReader("1"), 1)
			s.Put(ctx, "HEAD", strings.NewReader("22"), 2)
			var buf bytes.Buffer
			s.Get(ctx, "HEAD", &buf)
			if buf.String() != "22" {
				t.Errorf("Get(HEAD) = %q, want %q", buf.String(), "22")
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Get(ctx, "blobs/missing", io.Discard)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
			ok, err := s.Exists(ctx, "blobs/missing")
			if err != nil || ok {
				t.Errorf("Exists() = %v, %v; want false", ok, err)
			}
		})
	}
}

func TestStore_SizeMismatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "blobs/short", strings.NewReader("hello"), 100); err == nil {
				t.Error("Put() with wrong size expected error")
			}
		})
	}
}

func TestStore_InvalidKey(t *testing.T) {
	ctx := context.Background()
	for _, key := range []string{"", "/abs", "../escape", "a//b", "a/./b"} {
		for name, s := range stores(t) {
			t.Run(fmt.Sprintf("%s/%q", name, key), func(t *testing.T) {
				if err := s.Put(ctx, key, strings.NewReader("x"), 1); err == nil {
					t.Errorf("Put(%q) expected error", key)
				}
			})
		}
	}
}

func TestStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.PutIfAbsent(ctx, "changesets/00000001.toml", strings.NewReader("first"), 5)
			if err != nil || !ok {
				t.Fatalf("first PutIfAbsent() = %v, %v; want true", ok, err)
			}
			ok, err = s.PutIfAbsent(ctx, "changesets/00000001.toml", strings.NewReader("second"), 6)
			if err != nil {
				t.Fatalf("second PutIfAbsent() error = %v", err)
			}
			if ok {
				t.Error("second PutIfAbsent() = true, want false")
			}
			var buf bytes.Buffer
			s.Get(ctx, "changesets/00000001.toml", &buf)
			if buf.String() != "first" {
				t.Errorf("value = %q, want the first writer's", buf.String())
			}
		})
	}
}

func TestStore_PutIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					data := fmt.Sprintf("writer-%d", i)
					ok, err := s.PutIfAbsent(ctx, "changesets/00000007.toml", strings.NewReader(data), int64(len(data)))
					if err != nil {
						t.Errorf("PutIfAbsent() error = %v", err)
						return
					}
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			if winners != 1 {
				t.Errorf("winners = %d, want exactly 1", winners)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"changesets/00000002.toml", "blobs/b", "changesets/00000001.toml", "HEAD"} {
				if err := s.Put(ctx, k, strings.NewReader("v"), 1); err != nil {
					t.Fatalf("Put(%s) error = %v", k, err)
				}
			}
			got, err := s.List(ctx, "changesets/")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			want := []string{"changesets/00000001.toml", "changesets/00000002.toml"}
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Errorf("List() = %v, want %v", got, want)
			}
		})
	}
}

func TestFileSystemStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	s, err := NewFileSystemStore("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	s.Put(ctx, "blobs/a", strings.NewReader("a"), 1)
	s.Put(ctx, "blobs/bad", strings.NewReader("a"), 5)
	s.PutIfAbsent(ctx, "blobs/a", strings.NewReader("b"), 1)

	entries, err := os.ReadDir(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("blobs dir = %v, want [a]", names)
	}
}

func TestFileSystemStore_ValidateSetup(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	s, err := NewFileSystemStore("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	if err := s.ValidateSetup(ctx); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
	os.RemoveAll(root)
	if err := s.ValidateSetup(ctx); err == nil {
		t.Error("ValidateSetup() on removed root expected error")
	}
}

func TestEncryptedStore(t *testing.T) {
	ctx := context.Background()

	t.Run("encrypts only prefixed keys", func(t *testing.T) {
		inner := NewMemoryStore("inner")
		s := NewEncryptedStore(inner, &headerEncryptor{}, "", "blobs/")

		s.Put(ctx, "blobs/a", strings.NewReader("secret"), 6)
		s.Put(ctx, "HEAD", strings.NewReader("3"), 1)

		raw, _ := inner.Raw("blobs/a")
		if bytes.Equal(raw, []byte("secret")) {
			t.Error("blob stored in plaintext")
		}
		raw, _ = inner.Raw("HEAD")
		if string(raw) != "3" {
			t.Errorf("HEAD stored as %q, want plaintext", raw)
		}

		var buf bytes.Buffer
		if err := s.Get(ctx, "blobs/a", &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.String() != "secret" {
			t.Errorf("Get() = %q, want %q", buf.String(), "secret")
		}
	})

	t.Run("unlock failure is reported", func(t *testing.T) {
		s := NewEncryptedStore(NewMemoryStore("inner"), &headerEncryptor{unlockErr: errors.New("bad passphrase")}, "x")
		s.Put(ctx, "blobs/a", strings.NewReader("secret"), 6)
		if err := s.Get(ctx, "blobs/a", io.Discard); err == nil {
			t.Error("Get() expected unlock error")
		}
	})

	t.Run("corrupt ciphertext is reported", func(t *testing.T) {
		inner := NewMemoryStore("inner")
		inner.Put(ctx, "blobs/a", strings.NewReader("garbage"), 7)
		s := NewEncryptedStore(inner, &headerEncryptor{}, "")
		if err := s.Get(ctx, "blobs/a", io.Discard); err == nil {
			t.Error("Get() expected decryption error")
		}
	})

	t.Run("validate requires keys", func(t *testing.T) {
		s := NewEncryptedStore(NewMemoryStore("inner"), &headerEncryptor{unconfigured: true}, "")
		if err := s.ValidateSetup(ctx); err == nil {
			t.Error("ValidateSetup() expected error")
		}
	})
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		insecure bool
		want     string
	}{
		{endpoint: "", want: ""},
		{endpoint: "minio.local:9000", want: "https://minio.local:9000"},
		{endpoint: "minio.local:9000", insecure: true, want: "http://minio.local:9000"},
		{endpoint: "http://10.0.0.1:9000", want: "http://10.0.0.1:9000"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.endpoint, tt.insecure); got != tt.want {
			t.Errorf("endpointURL(%q, %v) = %q, want %q", tt.endpoint, tt.insecure, got, tt.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "/": "", "team": "team/", "/team/assets/": "team/assets/"} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewStoreFromConfig(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		cfg     config.ServerConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.ServerConfig{Type: "memory", Project: "p"}},
		{name: "filesystem", cfg: config.ServerConfig{Type: "filesystem", Project: "p", FSRoot: t.TempDir()}},
		{name: "filesystem without root", cfg: config.ServerConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.ServerConfig{Type: "s3"}, wantErr: true},
		{name: "unknown", cfg: config.ServerConfig{Type: "ftp"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStoreFromConfig(ctx, tt.cfg, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s == nil {
				t.Error("NewStoreFromConfig() returned nil store")
			}
		})
	}
}

// headerEncryptor is a reversible stand-in for the age encryptor.
type headerEncryptor struct {
	unlockErr    error
	unconfigured bool
}

var header = []byte("ENC:")

func (h *headerEncryptor) Setup(string) error { return nil }

func (h *headerEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := io.Copy(w, r)
	return err
}

func (h *headerEncryptor) Unlock(string) (DecryptionContext, error) {
	if h.unlockErr != nil {
		return nil, h.unlockErr
	}
	return h, nil
}

func (h *headerEncryptor) IsConfigured() bool { return !h.unconfigured }

func (h *headerEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	got := make([]byte, len(header))
	if _, err := io.ReadFull(r, got); err != nil {
		return err
	}
	if !bytes.Equal(got, header) {
		return errors.New("bad header")
	}
	_, err := io.Copy(w, r)
	return err
}
