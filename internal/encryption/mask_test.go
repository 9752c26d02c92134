package encryption

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"assetsync/internal/asset"
	"assetsync/internal/backend"
	"assetsync/internal/store"
)

func TestMaskEncryptor_OnlyBlobsSealed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := store.NewMemoryStore("inner")
	s := Wrap(inner, NewMaskEncryptor(), "")

	tests := []struct {
		key    string
		sealed bool
	}{
		{key: "blobs/ab/abcdef", sealed: true},
		{key: "manifests/00000001.json", sealed: false},
		{key: "HEAD", sealed: false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			data := "changeset payload for " + tt.key
			if err := s.Put(ctx, tt.key, strings.NewReader(data), int64(len(data))); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			raw, ok := inner.Raw(tt.key)
			if !ok {
				t.Fatalf("%s not stored", tt.key)
			}
			if got := string(raw) != data; got != tt.sealed {
				t.Errorf("stored differs from plaintext = %v, want %v", got, tt.sealed)
			}
			if tt.sealed && !bytes.HasPrefix(raw, maskMagic) {
				t.Error("sealed blob lacks the header")
			}

			var out bytes.Buffer
			if err := s.Get(ctx, tt.key, &out); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if out.String() != data {
				t.Errorf("Get() = %q, want %q", out.String(), data)
			}
		})
	}
}

func TestMaskEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "text", input: []byte("hero v1\n")},
		{name: "longer than the key", input: bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 5000)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewMaskEncryptor()
			if err := e.Setup("s3cret"); err != nil {
				t.Fatalf("Setup() error = %v", err)
			}
			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("sealed blob contains the plaintext")
			}

			dec, err := e.Unlock("s3cret")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var out bytes.Buffer
			if err := dec.Decrypt(&sealed, &out); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(out.Bytes(), tt.input) {
				t.Errorf("round trip lost data: %d bytes, want %d", out.Len(), len(tt.input))
			}
		})
	}
}

func TestMaskEncryptor_DecryptRejects(t *testing.T) {
	t.Parallel()
	dec, _ := NewMaskEncryptor().Unlock("")

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "truncated header", input: maskMagic[:3]},
		{name: "foreign data", input: []byte("PNG\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00 pixels")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := dec.Decrypt(bytes.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() succeeded")
			}
		})
	}
}

// The content digest recorded in a changeset is the plaintext digest, and
// a client holding another passphrase fails on download.
func TestMaskEncryptor_ThroughBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := store.NewMemoryStore("game")
	enc := NewMaskEncryptor()
	if err := enc.Setup("team-pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	src := filepath.Join(t.TempDir(), "hero.txt")
	if err := os.WriteFile(src, []byte("hero sprite\n"), 0644); err != nil {
		t.Fatal(err)
	}
	digest, err := asset.FileDigest(src)
	if err != nil {
		t.Fatalf("FileDigest() error = %v", err)
	}

	connect := func(passphrase string) *backend.Backend {
		b := backend.New(backend.StaticDial(Wrap(inner, enc, passphrase)), clock{}, nil)
		if err := b.Connect(ctx, "alice", asset.ConnectionParams{Host: "local", Project: "game"}); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		return b
	}
	noProgress := asset.ProgressFunc(func(int64, int64, string) {})

	b := connect("team-pass")
	item := &asset.UploadItem{
		Item:    &asset.Item{ID: "f1", Name: "hero.txt", Parent: asset.RootID, Type: asset.File, Digest: digest},
		Streams: asset.Streams{asset.Content: src},
	}
	if _, err := b.UploadChangeset(ctx, []*asset.UploadItem{item}, "add hero", noProgress); err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}

	req := &asset.DownloadRequest{ID: "f1", Changeset: 1}
	if err := b.DownloadItems(ctx, []*asset.DownloadRequest{req}, t.TempDir(), noProgress); err != nil {
		t.Fatalf("DownloadItems() error = %v", err)
	}
	got, err := asset.FileDigest(req.Streams[asset.Content])
	if err != nil || got != digest {
		t.Errorf("downloaded digest = %q, %v; want %q", got, err, digest)
	}

	other := connect("someone-else")
	req = &asset.DownloadRequest{ID: "f1", Changeset: 1}
	err = other.DownloadItems(ctx, []*asset.DownloadRequest{req}, t.TempDir(), noProgress)
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("DownloadItems() with another passphrase error = %v, want ErrWrongPassphrase", err)
	}
}

type clock struct{}

func (clock) Now() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
