package backend

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"assetsync/internal/asset"
	"assetsync/internal/store"
)

type stubClock struct{ t time.Time }

func (c stubClock) Now() time.Time { return c.t }

// memorySink is an in-memory asset.ConfigurationSink.
type memorySink struct {
	mu         sync.Mutex
	changesets []*asset.Changeset
}

func (s *memorySink) KnownChangeset() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changesets) == 0 {
		return 0, nil
	}
	return s.changesets[len(s.changesets)-1].Number, nil
}

func (s *memorySink) AddChangeset(cs *asset.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changesets = append(s.changesets, cs)
	return nil
}

var noProgress = asset.ProgressFunc(func(int64, int64, string) {})

func connected(t *testing.T, s store.Store, user string) *Backend {
	t.Helper()
	b := New(StaticDial(s), stubClock{time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, nil)
	if err := b.Connect(context.Background(), user, asset.ConnectionParams{Host: "local", Project: "game"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return b
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

func digestOf(t *testing.T, path string) string {
	t.Helper()
	d, err := asset.FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest() error = %v", err)
	}
	return d
}

func fileUpload(t *testing.T, id, name, parent, content string) *asset.UploadItem {
	t.Helper()
	p := writeFile(t, t.TempDir(), name, content)
	return &asset.UploadItem{
		Item:    &asset.Item{ID: id, Name: name, Parent: parent, Type: asset.File, Digest: digestOf(t, p)},
		Streams: asset.Streams{asset.Content: p},
	}
}

func TestBackend_Offline(t *testing.T) {
	b := New(StaticDial(store.NewMemoryStore("s")), nil, nil)
	if _, err := b.GetLatestChangeset(context.Background()); !errors.Is(err, asset.ErrOffline) {
		t.Errorf("GetLatestChangeset() error = %v, want ErrOffline", err)
	}
}

func TestBackend_ConnectValidates(t *testing.T) {
	dial := func(context.Context, string, asset.ConnectionParams) (store.Store, error) {
		return nil, errors.New("no route to host")
	}
	b := New(dial, nil, nil)
	if err := b.Connect(context.Background(), "alice", asset.ConnectionParams{}); err == nil {
		t.Error("Connect() expected dial error")
	}
}

func TestBackend_UploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")

	dir := &asset.UploadItem{Item: &asset.Item{ID: "d1", Name: "art", Parent: asset.RootID, Type: asset.Directory}}
	f := fileUpload(t, "f1", "hero.png", "d1", "pixels")
	meta := writeFile(t, t.TempDir(), "meta", "guid: f1")
	f.Streams[asset.TextMeta] = meta

	var last [2]int64
	sink := asset.ProgressFunc(func(done, total int64, _ string) { last = [2]int64{done, total} })
	n, err := b.UploadChangeset(ctx, []*asset.UploadItem{dir, f}, "first", sink)
	if err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}
	if n != 1 {
		t.Errorf("changeset = %d, want 1", n)
	}
	if last != [2]int64{-1, -1} {
		t.Errorf("last progress = %v, want finishing marker", last)
	}

	latest, err := b.GetLatestChangeset(ctx)
	if err != nil || latest != 1 {
		t.Fatalf("GetLatestChangeset() = %d, %v; want 1", latest, err)
	}

	sinkCfg := &memorySink{}
	if err := b.UpdateConfiguration(ctx, sinkCfg); err != nil {
		t.Fatalf("UpdateConfiguration() error = %v", err)
	}
	if len(sinkCfg.changesets) != 1 {
		t.Fatalf("changesets = %d, want 1", len(sinkCfg.changesets))
	}
	cs := sinkCfg.changesets[0]
	if cs.User != "alice" || cs.Description != "first" || len(cs.Items) != 2 {
		t.Errorf("changeset = %+v", cs)
	}
	for _, it := range cs.Items {
		if it.Changeset != 1 {
			t.Errorf("item %s changeset = %d, want 1", it.ID, it.Changeset)
		}
		if it.ID == "f1" && it.Digest != f.Item.Digest {
			t.Errorf("file digest = %q, want %q", it.Digest, f.Item.Digest)
		}
	}

	req := &asset.DownloadRequest{ID: "f1", Changeset: 1}
	dest := t.TempDir()
	if err := b.DownloadItems(ctx, []*asset.DownloadRequest{req}, dest, noProgress); err != nil {
		t.Fatalf("DownloadItems() error = %v", err)
	}
	got, err := os.ReadFile(req.Streams[asset.Content])
	if err != nil || string(got) != "pixels" {
		t.Errorf("content = %q, %v; want pixels", got, err)
	}
	got, _ = os.ReadFile(req.Streams[asset.TextMeta])
	if string(got) != "guid: f1" {
		t.Errorf("meta = %q", got)
	}
	if !strings.HasPrefix(req.Streams[asset.Content], filepath.Join(dest, "f1-1")) {
		t.Errorf("content path = %q, want below %s", req.Streams[asset.Content], dest)
	}
}

func TestBackend_ReusePrevious(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")

	f := fileUpload(t, "f1", "a.txt", asset.RootID, "v1")
	if _, err := b.UploadChangeset(ctx, []*asset.UploadItem{f}, "add", noProgress); err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}
	b.UpdateConfiguration(ctx, &memorySink{})

	renamed := f.Item.Clone()
	renamed.Name = "b.txt"
	n, err := b.UploadChangeset(ctx, []*asset.UploadItem{{Item: renamed, ReusePrevious: true}}, "rename", noProgress)
	if err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}

	req := &asset.DownloadRequest{ID: "f1", Changeset: n}
	if err := b.DownloadItems(ctx, []*asset.DownloadRequest{req}, t.TempDir(), noProgress); err != nil {
		t.Fatalf("DownloadItems() error = %v", err)
	}
	got, _ := os.ReadFile(req.Streams[asset.Content])
	if string(got) != "v1" {
		t.Errorf("content = %q, want v1", got)
	}
}

func TestBackend_ClaimRace(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	alice := connected(t, s, "alice")
	bob := connected(t, s, "bob")

	if _, err := alice.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f1", "a.txt", asset.RootID, "v1")}, "base", noProgress); err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}
	alice.UpdateConfiguration(ctx, &memorySink{})
	bob.UpdateConfiguration(ctx, &memorySink{})

	if _, err := alice.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f1", "a.txt", asset.RootID, "alice")}, "edit", noProgress); err != nil {
		t.Fatalf("alice UploadChangeset() error = %v", err)
	}

	t.Run("same item is rejected", func(t *testing.T) {
		_, err := bob.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f1", "a.txt", asset.RootID, "bob")}, "edit", noProgress)
		if !errors.Is(err, asset.ErrNotUpToDate) {
			t.Errorf("UploadChangeset() error = %v, want ErrNotUpToDate", err)
		}
	})

	t.Run("unrelated item takes the next number", func(t *testing.T) {
		n, err := bob.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f2", "b.txt", asset.RootID, "bob")}, "add", noProgress)
		if err != nil {
			t.Fatalf("UploadChangeset() error = %v", err)
		}
		if n != 3 {
			t.Errorf("changeset = %d, want 3", n)
		}
	})
}

func TestBackend_StaleHead(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")
	for i := 0; i < 3; i++ {
		b.UpdateConfiguration(ctx, &memorySink{})
		if _, err := b.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f1", "a.txt", asset.RootID, strings.Repeat("x", i+1))}, "", noProgress); err != nil {
			t.Fatalf("UploadChangeset() error = %v", err)
		}
	}
	s.Put(ctx, headKey, strings.NewReader("1"), 1)

	latest, err := b.GetLatestChangeset(ctx)
	if err != nil || latest != 3 {
		t.Errorf("GetLatestChangeset() = %d, %v; want 3", latest, err)
	}
}

func TestBackend_UpdateConfigurationIncremental(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")
	sink := &memorySink{}

	b.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f1", "a.txt", asset.RootID, "1")}, "", noProgress)
	if err := b.UpdateConfiguration(ctx, sink); err != nil {
		t.Fatalf("UpdateConfiguration() error = %v", err)
	}
	b.UploadChangeset(ctx, []*asset.UploadItem{fileUpload(t, "f2", "b.txt", asset.RootID, "2")}, "", noProgress)
	if err := b.UpdateConfiguration(ctx, sink); err != nil {
		t.Fatalf("UpdateConfiguration() error = %v", err)
	}
	if len(sink.changesets) != 2 || sink.changesets[1].Number != 2 {
		t.Errorf("changesets = %v, want [1 2]", sink.changesets)
	}
}

func TestBackend_DownloadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")
	f := fileUpload(t, "f1", "a.txt", asset.RootID, "good")
	if _, err := b.UploadChangeset(ctx, []*asset.UploadItem{f}, "", noProgress); err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}
	s.Put(ctx, blobKey(f.Item.Digest), strings.NewReader("evil"), 4)

	req := &asset.DownloadRequest{ID: "f1", Changeset: 1}
	err := b.DownloadItems(ctx, []*asset.DownloadRequest{req}, t.TempDir(), noProgress)
	if !errors.Is(err, asset.ErrContentIntegrity) {
		t.Errorf("DownloadItems() error = %v, want ErrContentIntegrity", err)
	}
}

func TestBackend_UploadRejectsChangedContent(t *testing.T) {
	ctx := context.Background()
	b := connected(t, store.NewMemoryStore("game"), "alice")
	f := fileUpload(t, "f1", "a.txt", asset.RootID, "scanned")
	os.WriteFile(f.Streams[asset.Content], []byte("edited since"), 0644)

	_, err := b.UploadChangeset(ctx, []*asset.UploadItem{f}, "", noProgress)
	if !errors.Is(err, asset.ErrContentIntegrity) {
		t.Errorf("UploadChangeset() error = %v, want ErrContentIntegrity", err)
	}
}

func TestBackend_BlobsAreShared(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("game")
	b := connected(t, s, "alice")

	items := []*asset.UploadItem{
		fileUpload(t, "f1", "a.txt", asset.RootID, "same"),
		fileUpload(t, "f2", "b.txt", asset.RootID, "same"),
	}
	if _, err := b.UploadChangeset(ctx, items, "", noProgress); err != nil {
		t.Fatalf("UploadChangeset() error = %v", err)
	}
	blobs, _ := s.List(ctx, "blobs/")
	if len(blobs) != 1 {
		t.Errorf("blobs = %v, want one shared blob", blobs)
	}
}

func TestManifestCodec(t *testing.T) {
	m := &manifest{
		Number: 4, Description: "multi\nline", User: "bob",
		Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Items: []manifestItem{
			{ID: "d", Name: "art", Parent: asset.RootID, Type: "directory"},
			{ID: "f", Name: "a.png", Parent: "d", Type: "file", Digest: "ab",
				Streams: []manifestStream{{Kind: "asset", Digest: "ab", Size: 2}}},
		},
	}
	data, err := encodeManifest(m)
	if err != nil {
		t.Fatalf("encodeManifest() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`number = 4`)) {
		t.Errorf("manifest missing number:\n%s", data)
	}
	got, err := decodeManifest(data)
	if err != nil {
		t.Fatalf("decodeManifest() error = %v", err)
	}
	cs, err := got.changeset()
	if err != nil {
		t.Fatalf("changeset() error = %v", err)
	}
	if cs.Description != "multi\nline" || !cs.Date.Equal(m.Time) || len(cs.Items) != 2 || !cs.Items[0].IsDir() {
		t.Errorf("changeset = %+v", cs)
	}
	if got.item("f").stream(asset.Content) == nil {
		t.Error("content stream lost")
	}
}
