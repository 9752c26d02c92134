package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
)

var errParentMissing = fmt.Errorf("parent directory is missing: %w", ErrNotFound)

// CreateOptions tune CreateAsset during a batch.
type CreateOptions struct {
	// PendingMoves holds identifiers the batch will still move. An occupant
	// in this set is parked under a temporary name instead of being renamed.
	PendingMoves map[string]*Item

	// NameResolutions are the caller's decisions for name conflicts.
	NameResolutions map[string]NameConflictResolution
}

// CreateAsset materializes item at its parent and name with the given
// streams and records it as the working item. A different asset already at
// the destination is renamed out of the way first.
func (c *Controller) CreateAsset(ctx context.Context, item *Item, streams Streams, opts CreateOptions) error {
	item = item.Clone()

	parentPath, err := c.dirPath(item.Parent)
	if err != nil {
		return fmt.Errorf("creating %s: %w", item.Name, err)
	}
	target := joinPath(parentPath, item.Name)

	current, err := c.currentPath(item.ID)
	if err != nil {
		return err
	}
	if current != target {
		name, err := c.resolveExistingAssetAtDestination(item, parentPath, opts)
		if err != nil {
			return err
		}
		item.Name = name
		target = joinPath(parentPath, item.Name)
		if current != "" && c.workspace.Exists(current) {
			if err := c.workspace.Move(item.ID, item.Parent, item.Name); err != nil {
				return fmt.Errorf("moving %s to %s: %w", current, target, err)
			}
		}
	}

	if item.IsDir() {
		if !c.workspace.Exists(target) {
			if err := c.workspace.Mkdir(target); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		}
	} else {
		if streams[Content] == "" {
			return fmt.Errorf("creating %s: %w", target, ErrContentIntegrity)
		}
		if err := c.workspace.WriteStreams(target, streams); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
	}

	if err := c.workspace.DefinePath(target, item.ID); err != nil {
		return fmt.Errorf("defining path %s: %w", target, err)
	}
	if err := c.cache.PutWorkingItem(item); err != nil {
		return fmt.Errorf("recording %s: %w", target, err)
	}
	c.markDirty(target)
	c.logger.Debug("asset created", "id", item.ID, "path", target, "changeset", item.Changeset)
	return nil
}

// resolveExistingAssetAtDestination clears the way for item under parentPath
// and returns the name item should use.
func (c *Controller) resolveExistingAssetAtDestination(item *Item, parentPath string, opts CreateOptions) (string, error) {
	target := joinPath(parentPath, item.Name)
	occupant, err := c.workspace.IDFromPath(target)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", target, err)
	}
	if occupant == "" {
		if c.workspace.Exists(target) {
			return "", fmt.Errorf("%s: %w", target, ErrPathCollision)
		}
		return item.Name, nil
	}
	if occupant == item.ID {
		return item.Name, nil
	}

	if opts.NameResolutions[item.ID] == RenameServer || opts.NameResolutions[occupant] == RenameServer {
		name, err := c.uniqueNameIn(item.Parent, parentPath, item.Name, item.ID)
		if err != nil {
			return "", err
		}
		c.warn("incoming asset renamed to avoid a collision", "path", target, "name", name)
		return name, nil
	}

	occ, err := c.cache.WorkingItem(occupant)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", occupant, err)
	}
	if occ == nil {
		return "", fmt.Errorf("%s: %w", target, ErrPathCollision)
	}

	if _, moving := opts.PendingMoves[occupant]; moving {
		tmp := fmt.Sprintf("TMP_%s_%s", occupant, occ.Name)
		if err := c.workspace.Move(occupant, occ.Parent, tmp); err != nil {
			return "", fmt.Errorf("parking %s: %w", target, err)
		}
		c.markDirty(joinPath(parentPath, tmp))
		return item.Name, nil
	}

	name, err := c.uniqueNameIn(occ.Parent, parentPath, occ.Name, occupant)
	if err != nil {
		return "", err
	}
	if err := c.workspace.Move(occupant, occ.Parent, name); err != nil {
		return "", fmt.Errorf("renaming %s: %w", target, err)
	}
	c.markDirty(joinPath(parentPath, name))
	c.warn("local asset renamed to avoid a collision", "path", target, "name", name)
	return item.Name, nil
}

// uniqueNameIn generates a name for exceptID that neither the cache nor the
// disk uses in the directory.
func (c *Controller) uniqueNameIn(parent, parentPath, name, exceptID string) (string, error) {
	names, err := c.cache.OtherNamesInDirectory(parent, exceptID)
	if err != nil {
		return "", fmt.Errorf("listing names in %s: %w", parentPath, err)
	}
	onDisk, err := c.workspace.Names(parentPath)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", parentPath, err)
	}
	forbidden := make(map[string]bool, len(names)+len(onDisk))
	for _, n := range names {
		forbidden[n] = true
	}
	for _, n := range onDisk {
		forbidden[n] = true
	}
	// The current name is taken by definition.
	forbidden[name] = true
	return UniqueName(name, forbidden), nil
}

// UniqueName returns the first of "base 1.ext", "base 2.ext", ... that is
// not in forbidden. A trailing number on base is continued rather than
// repeated.
func UniqueName(name string, forbidden map[string]bool) string {
	if !forbidden[name] {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}

	start := 1
	if i := strings.LastIndexByte(base, ' '); i > 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil && n >= 0 {
			base, start = base[:i], n+1
		}
	}
	for n := start; ; n++ {
		candidate := fmt.Sprintf("%s %d%s", base, n, ext)
		if !forbidden[candidate] {
			return candidate
		}
	}
}

// dirPath returns the working path of a directory id; "" for the root.
func (c *Controller) dirPath(id string) (string, error) {
	if id == RootID {
		return "", nil
	}
	p, err := c.workspace.PathFromID(id)
	if errors.Is(err, ErrNotFound) {
		return "", errParentMissing
	}
	if err != nil {
		return "", fmt.Errorf("locating directory %s: %w", id, err)
	}
	if !c.workspace.Exists(p) {
		return "", errParentMissing
	}
	return p, nil
}

// currentPath is the working path of id, or "" when it has none.
func (c *Controller) currentPath(id string) (string, error) {
	p, err := c.workspace.PathFromID(id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("locating %s: %w", id, err)
	}
	return p, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// RevertOptions override where a reverted asset lands.
type RevertOptions struct {
	NewName   string
	NewParent string

	// ForceParent rebuilds a deleted parent chain instead of falling back
	// to the root.
	ForceParent bool
}

// RevertVersion replaces the working copy of id with the server version at
// changeset. The result is based on the latest server version so the next
// commit carries the revert.
func (c *Controller) RevertVersion(ctx context.Context, id string, changeset int, opts RevertOptions) error {
	return c.report("revert", c.revertVersion(ctx, id, changeset, opts))
}

func (c *Controller) revertVersion(ctx context.Context, id string, changeset int, opts RevertOptions) (err error) {
	if err := c.checkReady(); err != nil {
		return err
	}
	version, err := c.cache.ServerItem(id, changeset)
	if err != nil {
		return fmt.Errorf("loading %s@%d: %w", id, changeset, err)
	}
	if version == nil {
		return fmt.Errorf("%s@%d: %w", id, changeset, ErrNotFound)
	}
	if version.IsDeleted() {
		if opts.NewParent == "" {
			return fmt.Errorf("version %d of %s is deleted, choose a destination: %w", changeset, id, ErrNotFound)
		}
		// Trashed versions carry a decorated name.
		version.Name = undecorateTrashName(version.Name, id)
	}
	latest, err := c.cache.ServerItem(id, -1)
	if err != nil {
		return fmt.Errorf("loading latest %s: %w", id, err)
	}

	target := version.Clone()
	target.Changeset = latest.Changeset
	target.Origin = FromServer
	if opts.NewName != "" {
		target.Name = opts.NewName
	}
	if opts.NewParent != "" {
		target.Parent = opts.NewParent
	}

	if err := c.LockAssets(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.UnlockAssets(ctx, ImportForceUpdate))
	}()

	if _, err := c.dirPath(target.Parent); errors.Is(err, errParentMissing) {
		if opts.ForceParent {
			if err := c.restoreDeletedParents(ctx, target.Parent); err != nil {
				return err
			}
		} else {
			c.logger.Info("parent of reverted asset is gone, using root", "id", id, "parent", target.Parent)
			target.Parent = RootID
		}
	}

	var streams Streams
	if !target.IsDir() {
		dir, err := os.MkdirTemp(c.spoolDir, "revert-")
		if err != nil {
			return fmt.Errorf("creating spool dir: %w", err)
		}
		defer os.RemoveAll(dir)

		req := &DownloadRequest{ID: id, Changeset: version.Changeset}
		if err := c.backend.DownloadItems(ctx, []*DownloadRequest{req}, dir, ProgressFunc(func(int64, int64, string) {})); err != nil {
			return fmt.Errorf("downloading %s@%d: %w", id, version.Changeset, errors.Join(ErrTransfer, err))
		}
		streams = req.Streams
	}

	if err := c.CreateAsset(ctx, target, streams, CreateOptions{}); err != nil {
		return err
	}
	c.logger.Info("asset reverted", "id", id, "changeset", changeset)
	return nil
}

// RecoverDeleted brings back a deleted asset at the version of changeset,
// under name in parent. A deleted parent chain is rebuilt.
func (c *Controller) RecoverDeleted(ctx context.Context, id string, changeset int, name, parent string) error {
	if parent == "" {
		parent = RootID
	}
	if err := c.RevertVersion(ctx, id, changeset, RevertOptions{NewName: name, NewParent: parent, ForceParent: true}); err != nil {
		return err
	}
	if err := c.cache.ClearPendingDeletion(id); err != nil {
		return c.report("recover", fmt.Errorf("clearing pending deletion of %s: %w", id, err))
	}
	return nil
}

// restoreDeletedParents walks up the recorded deletion trail from id until it
// reaches a directory that still exists, then recreates the chain top-down.
func (c *Controller) restoreDeletedParents(ctx context.Context, id string) error {
	var chain []*Item
	for p := id; p != RootID; {
		if _, err := c.dirPath(p); err == nil {
			break
		} else if !errors.Is(err, errParentMissing) {
			return err
		}
		d, err := c.cache.DeletedItem(p)
		if err != nil {
			return fmt.Errorf("loading deleted item %s: %w", p, err)
		}
		if d == nil {
			return fmt.Errorf("no deletion record for %s: %w", p, ErrNotFound)
		}
		chain = append(chain, d)
		p = d.Parent
		if len(chain) > 4096 {
			return fmt.Errorf("deletion trail of %s: %w", id, ErrUnboundStructure)
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i].Clone()
		latest, err := c.cache.ServerItem(d.ID, -1)
		if err != nil {
			return fmt.Errorf("loading latest %s: %w", d.ID, err)
		}
		if latest != nil {
			d.Changeset = latest.Changeset
		}
		if err := c.CreateAsset(ctx, d, nil, CreateOptions{}); err != nil {
			return fmt.Errorf("restoring deleted parent %s: %w", d.Name, err)
		}
		if err := c.cache.ClearPendingDeletion(d.ID); err != nil {
			return fmt.Errorf("clearing pending deletion of %s: %w", d.ID, err)
		}
		c.logger.Info("restored deleted parent", "id", d.ID, "name", d.Name)
	}
	return nil
}

// trashName decorates the name of an item headed for the trash so it can not
// collide with a live asset of the same name.
func trashName(name, id string) string {
	return fmt.Sprintf("%s (DEL_%s)", name, id)
}

func undecorateTrashName(name, id string) string {
	return strings.TrimSuffix(name, fmt.Sprintf(" (DEL_%s)", id))
}
