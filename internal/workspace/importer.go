package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"assetsync/internal/asset"
)

type stamp struct {
	size    int64
	modTime time.Time
}

// Importer records on-disk changes as working items.
type Importer struct {
	ws     *Workspace
	items  ItemStore
	ignore asset.IgnoreMatcher
	ids    asset.IDGenerator
	logger asset.Logger

	mu     sync.Mutex
	stamps map[string]stamp
	auto   atomic.Bool
}

var _ asset.Importer = (*Importer)(nil)

func NewImporter(ws *Workspace, ignore asset.IgnoreMatcher, ids asset.IDGenerator, logger asset.Logger) *Importer {
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	if ids == nil {
		ids = asset.UUIDGenerator{}
	}
	if logger == nil {
		logger = asset.NewNopLogger()
	}
	im := &Importer{ws: ws, items: ws.items, ignore: ignore, ids: ids, logger: logger, stamps: make(map[string]stamp)}
	im.auto.Store(true)
	return im
}

func (im *Importer) SetAutoImport(enabled bool) { im.auto.Store(enabled) }

// AutoImport reports whether background imports are enabled.
func (im *Importer) AutoImport() bool { return im.auto.Load() }

// Import rescans paths. With no paths the whole tree is walked and tracked
// items missing from disk are moved to the trash.
func (im *Importer) Import(ctx context.Context, paths []string, flags asset.ImportFlags) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if len(paths) == 0 {
		return im.importTree(ctx, flags)
	}
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		p = cleanPath(p)
		if p == "" || im.ignore.Ignored(p) {
			continue
		}
		if err := im.importPath(ctx, p, flags); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (im *Importer) importTree(ctx context.Context, flags asset.ImportFlags) error {
	var errs []error
	err := filepath.WalkDir(im.ws.root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := im.ws.Rel(abs)
		if err != nil || rel == "" {
			return err
		}
		if im.ignore.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		parent, err := im.ws.IDFromPath(parentPath(rel))
		if err != nil {
			return err
		}
		if parent == "" {
			// parent failed to import
			return nil
		}
		if _, err := im.importEntry(rel, parent, flags); err != nil {
			errs = append(errs, err)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning workspace: %w", err)
	}

	items, err := im.items.WorkingItems()
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.IsDeleted() || it.ID == asset.RootID {
			continue
		}
		p, err := im.ws.PathFromID(it.ID)
		if err != nil || im.ws.Exists(p) {
			continue
		}
		if err := im.markMissing(it.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (im *Importer) importPath(ctx context.Context, p string, flags asset.ImportFlags) error {
	parent := asset.RootID
	dir := parentPath(p)
	if dir != "" {
		parts := strings.Split(dir, "/")
		for i := range parts {
			prefix := strings.Join(parts[:i+1], "/")
			if !im.ws.Exists(prefix) {
				return im.markMissingPath(prefix)
			}
			id, err := im.ws.IDFromPath(prefix)
			if err != nil {
				return err
			}
			if id == "" {
				if id, err = im.importEntry(prefix, parent, asset.ImportDefault); err != nil {
					return err
				}
			}
			parent = id
		}
	}

	if !im.ws.Exists(p) {
		return im.markMissingPath(p)
	}
	id, err := im.importEntry(p, parent, flags)
	if err != nil {
		return err
	}
	if flags&asset.ImportRecursive == 0 {
		return nil
	}
	it, err := im.items.WorkingItem(id)
	if err != nil || it == nil || !it.IsDir() {
		return err
	}
	return im.importChildren(ctx, p, id, flags)
}

func (im *Importer) importChildren(ctx context.Context, dir, dirID string, flags asset.ImportFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names, err := im.ws.Names(dir)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(names))
	var errs []error
	for _, name := range names {
		p := joinPath(dir, name)
		if im.ignore.Ignored(p) {
			continue
		}
		present[name] = true
		id, err := im.importEntry(p, dirID, flags)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info, err := os.Stat(im.ws.Abs(p)); err == nil && info.IsDir() {
			if err := im.importChildren(ctx, p, id, flags); err != nil {
				errs = append(errs, err)
			}
		}
	}

	children, err := im.items.WorkingChildren(dirID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if !present[c.Name] {
			if err := im.markMissing(c.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// importEntry records the entry at p, a child of parent, and returns its
// identifier. Entries carrying the sidecar guid of an item that is gone from
// its old location are treated as moves; a guid still in use elsewhere marks
// a copy, which gets a fresh identifier.
func (im *Importer) importEntry(p, parent string, flags asset.ImportFlags) (string, error) {
	abs := im.ws.Abs(p)
	info, err := os.Lstat(abs)
	if err != nil {
		return "", fmt.Errorf("importing %s: %w", p, err)
	}
	var typ asset.ItemType
	switch {
	case info.Mode().IsRegular():
		typ = asset.File
	case info.IsDir():
		typ = asset.Directory
	default:
		return "", fmt.Errorf("importing %s: unsupported file type %s", p, info.Mode().Type())
	}

	id, err := im.ws.IDFromPath(p)
	if err != nil {
		return "", err
	}
	if id == "" {
		if id, err = im.claimGUID(p, abs); err != nil {
			return "", err
		}
	}

	var existing *asset.Item
	if id != "" {
		if existing, err = im.items.WorkingItem(id); err != nil {
			return "", err
		}
	}
	var it *asset.Item
	if existing == nil {
		if id == "" {
			id = im.ids.New()
		}
		it = &asset.Item{ID: id, Changeset: asset.ProvisionalChangeset, Origin: asset.LocalOnly}
	} else {
		it = existing.Clone()
	}
	it.Name, it.Parent, it.Type = path.Base(p), parent, typ

	if typ == asset.File {
		st := stamp{size: info.Size(), modTime: info.ModTime()}
		if flags&asset.ImportForceUpdate != 0 || existing == nil || it.Digest == "" || im.stamps[id] != st {
			digest, err := asset.FileDigest(abs)
			if err != nil {
				return "", err
			}
			it.Digest = digest
			im.stamps[id] = st
		}
	} else {
		it.Digest = ""
	}

	if existing == nil || !existing.SameLocation(it) || !existing.SameContent(it) {
		if err := im.items.PutWorkingItem(it); err != nil {
			return "", err
		}
		im.logger.Debug("imported", "path", p, "id", id)
	}
	if existing != nil && existing.IsDeleted() {
		if err := im.items.ClearPendingDeletion(id); err != nil {
			return "", err
		}
		im.logger.Info("restored", "path", p, "id", id)
	}
	if err := im.ws.DefinePath(p, id); err != nil {
		return "", err
	}
	return id, nil
}

func (im *Importer) claimGUID(p, abs string) (string, error) {
	guid, err := readGUID(abs)
	if err != nil {
		im.logger.Warn("ignoring unreadable sidecar", "path", p, "error", err)
		return "", nil
	}
	if guid == "" || guid == asset.RootID || guid == asset.TrashID {
		return "", nil
	}
	known, err := im.items.WorkingItem(guid)
	if err != nil {
		return "", err
	}
	if known == nil || known.IsDeleted() {
		return guid, nil
	}
	old, err := im.ws.PathFromID(guid)
	if err != nil || !im.ws.Exists(old) {
		return guid, nil
	}
	im.logger.Debug("copy detected", "path", p, "source", old)
	return "", nil
}

func (im *Importer) markMissingPath(p string) error {
	id, err := im.ws.IDFromPath(p)
	if err != nil || id == "" {
		return err
	}
	return im.markMissing(id)
}

// markMissing moves id and everything below it to the trash, children first.
func (im *Importer) markMissing(id string) error {
	children, err := im.items.WorkingChildren(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := im.markMissing(c.ID); err != nil {
			return err
		}
	}
	it, err := im.items.WorkingItem(id)
	if err != nil || it == nil || it.IsDeleted() {
		return err
	}
	if err := im.items.RecordDeleted(it); err != nil {
		return err
	}
	if it.Changeset > 0 {
		if err := im.items.AddPendingDeletion(id); err != nil {
			return err
		}
	}
	gone := it.Clone()
	gone.Parent = asset.TrashID
	delete(im.stamps, id)
	im.logger.Info("missing from disk", "id", id, "name", it.Name)
	return im.items.PutWorkingItem(gone)
}

// Thumbnail returns the cached preview of p, if one was generated.
func (im *Importer) Thumbnail(p string) string {
	id, err := im.ws.IDFromPath(cleanPath(p))
	if err != nil || id == "" {
		return ""
	}
	thumb := im.ws.stateDir("thumbnails", id+".png")
	if _, err := os.Stat(thumb); err != nil {
		return ""
	}
	return thumb
}

func parentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}
