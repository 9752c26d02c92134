// Package workspace maps the engine's working items onto a directory tree.
//
// Paths handed across the asset interfaces are slash separated and relative
// to the workspace root; stream paths are absolute OS paths. The Content
// stream is the file itself, the TextMeta stream is its ".meta" sidecar, and
// the remaining streams live under .assetsync/library/<id>/.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"assetsync/internal/asset"
)

// StateDir holds tool state inside the workspace root.
const StateDir = ".assetsync"

const maxDepth = 4096

// ItemStore is the part of the local cache the workspace keeps in sync.
type ItemStore interface {
	WorkingItem(id string) (*asset.Item, error)
	WorkingChildren(parent string) ([]*asset.Item, error)
	WorkingItems() ([]*asset.Item, error)
	PutWorkingItem(it *asset.Item) error
	RecordDeleted(it *asset.Item) error
	AddPendingDeletion(id string) error
	ClearPendingDeletion(id string) error
}

// Workspace implements asset.Workspace on the local file system.
type Workspace struct {
	root   string
	items  ItemStore
	logger asset.Logger

	mu sync.Mutex
	// extra streams written before the path was bound to an identifier
	incoming map[string]asset.Streams
}

var _ asset.Workspace = (*Workspace)(nil)

// New opens the workspace rooted at root, creating the state directory.
func New(root string, items ItemStore, logger asset.Logger) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	for _, dir := range []string{"library", "trash", "thumbnails", "incoming"} {
		if err := os.MkdirAll(filepath.Join(abs, StateDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("creating workspace state: %w", err)
		}
	}
	if logger == nil {
		logger = asset.NewNopLogger()
	}
	return &Workspace{root: abs, items: items, logger: logger, incoming: make(map[string]asset.Streams)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Abs converts a workspace path to an OS path.
func (w *Workspace) Abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// Rel converts an OS path below the root to a workspace path.
func (w *Workspace) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("%s is outside the workspace", abs)
	}
	return rel, nil
}

func (w *Workspace) stateDir(elem ...string) string {
	return filepath.Join(append([]string{w.root, StateDir}, elem...)...)
}

func (w *Workspace) PathFromID(id string) (string, error) {
	if id == asset.RootID {
		return "", nil
	}
	var parts []string
	for cur := id; cur != asset.RootID; {
		it, err := w.items.WorkingItem(cur)
		if err != nil {
			return "", err
		}
		if it == nil || it.IsDeleted() {
			return "", fmt.Errorf("locating %s: %w", id, asset.ErrNotFound)
		}
		parts = append(parts, it.Name)
		cur = it.Parent
		if len(parts) > maxDepth {
			return "", fmt.Errorf("locating %s: working tree is cyclic", id)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

func (w *Workspace) IDFromPath(p string) (string, error) {
	p = cleanPath(p)
	if p == "" {
		return asset.RootID, nil
	}
	parent := asset.RootID
	for _, name := range strings.Split(p, "/") {
		children, err := w.items.WorkingChildren(parent)
		if err != nil {
			return "", err
		}
		next := ""
		for _, c := range children {
			if c.Name == name {
				next = c.ID
				break
			}
		}
		if next == "" {
			return "", nil
		}
		parent = next
	}
	return parent, nil
}

// DefinePath writes the sidecar binding p to id and files any extra streams
// written for p under id.
func (w *Workspace) DefinePath(p, id string) error {
	abs := w.Abs(p)
	if err := writeGUID(abs, id); err != nil {
		return err
	}

	w.mu.Lock()
	extra, ok := w.incoming[cleanPath(p)]
	delete(w.incoming, cleanPath(p))
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return w.storeExtraStreams(id, extra)
}

func (w *Workspace) storeExtraStreams(id string, streams asset.Streams) error {
	dir := w.stateDir("library", id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating library entry: %w", err)
	}
	for kind, src := range streams {
		dest := filepath.Join(dir, kind.String())
		if err := os.Rename(src, dest); err != nil {
			if err := copyFile(src, dest); err != nil {
				return fmt.Errorf("storing %s stream of %s: %w", kind, id, err)
			}
		}
	}
	return nil
}

// Move relocates id on disk and updates its working item. Moving to the
// trash parks the files under .assetsync/trash and records the deletion.
func (w *Workspace) Move(id, newParent, newName string) error {
	it, err := w.items.WorkingItem(id)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("moving %s: %w", id, asset.ErrNotFound)
	}
	from, err := w.PathFromID(id)
	if err != nil && !errors.Is(err, asset.ErrNotFound) {
		return err
	}
	onDisk := err == nil && w.Exists(from)

	if newParent == asset.TrashID {
		if onDisk {
			if err := w.trash(id, from); err != nil {
				return err
			}
		}
		if !it.IsDeleted() {
			if err := w.items.RecordDeleted(it); err != nil {
				return err
			}
		}
		moved := it.Clone()
		moved.Parent, moved.Name = asset.TrashID, newName
		return w.items.PutWorkingItem(moved)
	}

	parentPath, err := w.PathFromID(newParent)
	if err != nil {
		return fmt.Errorf("moving %s: parent %w", id, err)
	}
	to := joinPath(parentPath, newName)
	if onDisk && to != from {
		if w.Exists(to) && !strings.EqualFold(to, from) {
			return fmt.Errorf("moving %s to %s: %w", from, to, asset.ErrPathCollision)
		}
		if err := os.Rename(w.Abs(from), w.Abs(to)); err != nil {
			return fmt.Errorf("moving %s: %w", from, err)
		}
		if err := os.Rename(w.Abs(from)+MetaSuffix, w.Abs(to)+MetaSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("moving sidecar of %s: %w", from, err)
		}
	}
	moved := it.Clone()
	moved.Parent, moved.Name = newParent, newName
	if err := w.items.PutWorkingItem(moved); err != nil {
		return err
	}
	w.logger.Debug("moved", "id", id, "from", from, "to", to)
	return nil
}

func (w *Workspace) trash(id, from string) error {
	dest := w.stateDir("trash", id)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clearing trash slot of %s: %w", id, err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating trash slot: %w", err)
	}
	name := path.Base(from)
	if err := os.Rename(w.Abs(from), filepath.Join(dest, name)); err != nil {
		return fmt.Errorf("trashing %s: %w", from, err)
	}
	if err := os.Rename(w.Abs(from)+MetaSuffix, filepath.Join(dest, name+MetaSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("trashing sidecar of %s: %w", from, err)
	}
	w.logger.Debug("trashed", "id", id, "path", from)
	return nil
}

func (w *Workspace) Exists(p string) bool {
	_, err := os.Lstat(w.Abs(p))
	return err == nil
}

// IsEmptyDir ignores sidecars and tool state.
func (w *Workspace) IsEmptyDir(p string) (bool, error) {
	names, err := w.Names(p)
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

func (w *Workspace) Mkdir(p string) error {
	if err := os.Mkdir(w.Abs(p), 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("creating %s: %w", p, err)
	}
	return nil
}

// Names lists the versionable entries of dir, sorted.
func (w *Workspace) Names(dir string) ([]string, error) {
	entries, err := os.ReadDir(w.Abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, MetaSuffix) || (dir == "" && n == StateDir) {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// WriteStreams replaces the file at p. Streams without an on-disk home are
// held until DefinePath names the asset.
func (w *Workspace) WriteStreams(p string, streams asset.Streams) error {
	abs := w.Abs(p)
	src, ok := streams[asset.Content]
	if !ok {
		return fmt.Errorf("writing %s: %w", p, asset.ErrContentIntegrity)
	}
	if err := copyFile(src, abs); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if meta, ok := streams[asset.TextMeta]; ok {
		if err := copyFile(meta, abs+MetaSuffix); err != nil {
			return fmt.Errorf("writing sidecar of %s: %w", p, err)
		}
	}

	extra := make(asset.Streams)
	for kind, src := range streams {
		if kind == asset.Content || kind == asset.TextMeta {
			continue
		}
		tmp, err := os.CreateTemp(w.stateDir("incoming"), kind.String()+"-*")
		if err != nil {
			return fmt.Errorf("holding %s stream: %w", kind, err)
		}
		tmp.Close()
		if err := copyFile(src, tmp.Name()); err != nil {
			return fmt.Errorf("holding %s stream: %w", kind, err)
		}
		extra[kind] = tmp.Name()
	}
	if len(extra) == 0 {
		return nil
	}

	if id, err := w.IDFromPath(p); err == nil && id != "" && id != asset.RootID {
		return w.storeExtraStreams(id, extra)
	}
	w.mu.Lock()
	w.incoming[cleanPath(p)] = extra
	w.mu.Unlock()
	return nil
}

// StreamsFor returns the stream files of id that exist on disk.
func (w *Workspace) StreamsFor(id string) (asset.Streams, error) {
	p, err := w.PathFromID(id)
	if err != nil {
		return nil, err
	}
	abs := w.Abs(p)
	streams := make(asset.Streams)
	if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
		streams[asset.Content] = abs
	}
	if _, err := os.Stat(abs + MetaSuffix); err == nil {
		streams[asset.TextMeta] = abs + MetaSuffix
	}
	for _, kind := range []asset.StreamKind{asset.ResourceFork, asset.BinaryMeta} {
		lib := w.stateDir("library", id, kind.String())
		if _, err := os.Stat(lib); err == nil {
			streams[kind] = lib
		}
	}
	return streams, nil
}

func cleanPath(p string) string {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// writeAtomic writes r to dest through a temp file in the same directory.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("renaming into %s: %w", dest, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeAtomic(dest, f)
}
