package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"assetsync/internal/asset"
)

func newTestImporter(t *testing.T, patterns ...string) (*Importer, *Workspace, itemReader) {
	t.Helper()
	ws, c := newTestWorkspace(t)
	return NewImporter(ws, NewIgnoreMatcher(patterns), &seqIDs{}, nil), ws, c
}

type itemReader interface {
	WorkingItem(id string) (*asset.Item, error)
	IsPendingDeletion(id string) (bool, error)
	PutWorkingItem(it *asset.Item) error
}

func mustImport(t *testing.T, im *Importer, flags asset.ImportFlags, paths ...string) {
	t.Helper()
	if err := im.Import(context.Background(), paths, flags); err != nil {
		t.Fatalf("Import(%v) error = %v", paths, err)
	}
}

func mustID(t *testing.T, ws *Workspace, p string) string {
	t.Helper()
	id, err := ws.IDFromPath(p)
	if err != nil {
		t.Fatalf("IDFromPath(%q) error = %v", p, err)
	}
	if id == "" {
		t.Fatalf("IDFromPath(%q) found nothing", p)
	}
	return id
}

func TestImporter_NewFile(t *testing.T) {
	t.Parallel()
	im, ws, c := newTestImporter(t)
	writeFile(t, ws, "art/hero.png", "pixels")

	mustImport(t, im, asset.ImportDefault, "art/hero.png")

	dirID := mustID(t, ws, "art")
	id := mustID(t, ws, "art/hero.png")
	it, _ := c.WorkingItem(id)
	want, _ := asset.FileDigest(ws.Abs("art/hero.png"))
	if it.Parent != dirID || it.Digest != want || it.Type != asset.File {
		t.Errorf("working item = %+v", it)
	}
	if it.Changeset != asset.ProvisionalChangeset || it.Origin != asset.LocalOnly {
		t.Errorf("new item should be provisional and local, got %+v", it)
	}
	if guid, _ := readGUID(ws.Abs("art/hero.png")); guid != id {
		t.Errorf("sidecar guid = %q, want %q", guid, id)
	}
	if d, _ := c.WorkingItem(dirID); d == nil || !d.IsDir() {
		t.Errorf("parent directory not imported: %v", d)
	}
}

func TestImporter_KeepsServerBookkeeping(t *testing.T) {
	t.Parallel()
	im, ws, c := newTestImporter(t)
	writeFile(t, ws, "a.txt", "v1")
	digest, _ := asset.FileDigest(ws.Abs("a.txt"))
	if err := c.PutWorkingItem(&asset.Item{ID: "srv", Name: "a.txt", Parent: asset.RootID, Changeset: 4, Digest: digest, Type: asset.File, Origin: asset.FromServer}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, ws, "a.txt", "v2")
	mustImport(t, im, asset.ImportForceUpdate, "a.txt")

	it, _ := c.WorkingItem("srv")
	if it.Changeset != 4 || it.Origin != asset.FromServer {
		t.Errorf("import changed server bookkeeping: %+v", it)
	}
	if it.Digest == digest {
		t.Error("digest not refreshed")
	}
}

func TestImporter_ExternalMove(t *testing.T) {
	t.Parallel()
	im, ws, c := newTestImporter(t)
	writeFile(t, ws, "a.txt", "hello")
	mustImport(t, im, asset.ImportDefault)
	id := mustID(t, ws, "a.txt")

	if err := os.MkdirAll(ws.Abs("sub"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, suffix := range []string{"", MetaSuffix} {
		if err := os.Rename(ws.Abs("a.txt")+suffix, ws.Abs("sub/b.txt")+suffix); err != nil {
			t.Fatal(err)
		}
	}
	mustImport(t, im, asset.ImportDefault)

	if got := mustID(t, ws, "sub/b.txt"); got != id {
		t.Errorf("moved file got id %q, want %q", got, id)
	}
	it, _ := c.WorkingItem(id)
	if it.IsDeleted() {
		t.Error("moved file was marked deleted")
	}
}

func TestImporter_CopyGetsNewID(t *testing.T) {
	t.Parallel()
	im, ws, _ := newTestImporter(t)
	writeFile(t, ws, "a.txt", "hello")
	mustImport(t, im, asset.ImportDefault)
	original := mustID(t, ws, "a.txt")

	for _, suffix := range []string{"", MetaSuffix} {
		data, err := os.ReadFile(ws.Abs("a.txt") + suffix)
		if err != nil {
			t.Fatal(err)
		}
		writeFile(t, ws, "copy.txt"+suffix, string(data))
	}
	mustImport(t, im, asset.ImportDefault)

	if copied := mustID(t, ws, "copy.txt"); copied == original {
		t.Errorf("copy reused id %q", original)
	}
	if guid, _ := readGUID(ws.Abs("copy.txt")); guid == original {
		t.Error("copy sidecar still carries the original guid")
	}
}

func TestImporter_MissingAndRestored(t *testing.T) {
	t.Parallel()
	im, ws, c := newTestImporter(t)
	writeFile(t, ws, "dir/a.txt", "hello")
	mustImport(t, im, asset.ImportDefault)
	dirID := mustID(t, ws, "dir")
	fileID := mustID(t, ws, "dir/a.txt")
	for _, id := range []string{dirID, fileID} {
		it, _ := c.WorkingItem(id)
		it.Changeset = 2
		if err := c.PutWorkingItem(it); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.Rename(ws.Abs("dir"), filepath.Join(t.TempDir(), "dir")); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(ws.Abs("dir")+MetaSuffix, filepath.Join(t.TempDir(), "dir.meta")); err != nil {
		t.Fatal(err)
	}
	mustImport(t, im, asset.ImportDefault, "dir/a.txt")

	for _, id := range []string{dirID, fileID} {
		it, _ := c.WorkingItem(id)
		if !it.IsDeleted() {
			t.Errorf("%s not trashed: %+v", id, it)
		}
		if pending, _ := c.IsPendingDeletion(id); pending {
			continue
		}
		t.Errorf("%s not pending deletion", id)
	}

	writeFile(t, ws, "a.txt", "hello")
	if err := os.WriteFile(ws.Abs("a.txt")+MetaSuffix, []byte("guid = \""+fileID+"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mustImport(t, im, asset.ImportDefault, "a.txt")

	it, _ := c.WorkingItem(fileID)
	if it.IsDeleted() || it.Parent != asset.RootID {
		t.Errorf("restored item = %+v", it)
	}
	if pending, _ := c.IsPendingDeletion(fileID); pending {
		t.Error("restored item still pending deletion")
	}
}

func TestImporter_Recursive(t *testing.T) {
	t.Parallel()
	im, ws, c := newTestImporter(t, "*.tmp")
	writeFile(t, ws, "levels/one/map.bin", "1")
	writeFile(t, ws, "levels/two/map.bin", "2")
	writeFile(t, ws, "levels/scratch.tmp", "x")

	mustImport(t, im, asset.ImportRecursive, "levels")

	for _, p := range []string{"levels/one/map.bin", "levels/two/map.bin"} {
		mustID(t, ws, p)
	}
	if id, _ := ws.IDFromPath("levels/scratch.tmp"); id != "" {
		t.Errorf("ignored file imported as %q", id)
	}

	removed := mustID(t, ws, "levels/two")
	if err := os.RemoveAll(ws.Abs("levels/two")); err != nil {
		t.Fatal(err)
	}
	mustImport(t, im, asset.ImportRecursive, "levels")
	if it, _ := c.WorkingItem(removed); !it.IsDeleted() {
		t.Errorf("removed directory not trashed: %+v", it)
	}
}

func TestImporter_Thumbnail(t *testing.T) {
	t.Parallel()
	im, ws, _ := newTestImporter(t)
	writeFile(t, ws, "a.png", "pixels")
	mustImport(t, im, asset.ImportDefault, "a.png")
	id := mustID(t, ws, "a.png")

	if got := im.Thumbnail("a.png"); got != "" {
		t.Errorf("Thumbnail() = %q before generation", got)
	}
	thumb := filepath.Join(ws.Root(), StateDir, "thumbnails", id+".png")
	if err := os.WriteFile(thumb, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := im.Thumbnail("a.png"); got != thumb {
		t.Errorf("Thumbnail() = %q, want %q", got, thumb)
	}
}

func TestImporter_AutoImportFlag(t *testing.T) {
	t.Parallel()
	im, _, _ := newTestImporter(t)
	if !im.AutoImport() {
		t.Error("auto import should start enabled")
	}
	im.SetAutoImport(false)
	if im.AutoImport() {
		t.Error("SetAutoImport(false) had no effect")
	}
}

func TestImporter_Cancelled(t *testing.T) {
	t.Parallel()
	im, ws, _ := newTestImporter(t)
	writeFile(t, ws, "a.txt", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := im.Import(ctx, nil, asset.ImportDefault); err == nil {
		t.Error("Import() with cancelled context succeeded")
	}
}
