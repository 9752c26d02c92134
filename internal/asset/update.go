package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type handleState int

const (
	stateCreated handleState = iota
	stateInitialized
	stateConflictsDiscovered
	stateTransferring
	stateCompleted
	stateAborted
)

func (s handleState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateInitialized:
		return "initialized"
	case stateConflictsDiscovered:
		return "conflicts-discovered"
	case stateTransferring:
		return "transferring"
	case stateCompleted:
		return "completed"
	case stateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func outOfOrder(op string, s handleState) error {
	return fmt.Errorf("%s in state %s: %w", op, s, ErrOutOfOrder)
}

type mergeJob struct {
	server   *DownloadRequest
	ancestor *DownloadRequest
}

// UpdateHandle is one in-flight pull from the server. The worker goroutine
// only touches the download requests and the transfer progress; everything
// else is read and written on the dispatcher goroutine.
type UpdateHandle struct {
	c           *Controller
	ids         []string
	deleteLocal bool
	isForRevert bool
	revision    int

	state  handleState
	locked bool

	changes  []*Item
	statuses map[string]ItemStatus

	conflicts         []string
	flagged           map[string]bool
	nameConflicts     map[string]string
	deletionConflicts map[string]bool
	resolutions       map[string]DownloadResolution
	nameResolutions   map[string]NameConflictResolution

	downloads []*DownloadRequest
	dirs      map[string]*Item
	moves     map[string]*Item
	files     map[string]*Item
	merges    map[string]*mergeJob
	adopt     map[string]*Item
	itemErrs  []error

	destDir string
	xfer    *transfer
}

func newUpdateHandle(c *Controller, ids []string, deleteLocal, isForRevert bool, revision int) *UpdateHandle {
	return &UpdateHandle{
		c:                 c,
		ids:               ids,
		deleteLocal:       deleteLocal,
		isForRevert:       isForRevert,
		revision:          revision,
		flagged:           make(map[string]bool),
		nameConflicts:     make(map[string]string),
		deletionConflicts: make(map[string]bool),
		resolutions:       make(map[string]DownloadResolution),
		nameResolutions:   make(map[string]NameConflictResolution),
	}
}

// Init locks the working tree, refreshes the configuration cache and
// computes the changed items. Repeated calls are no-ops.
func (h *UpdateHandle) Init(ctx context.Context) error {
	if h.state != stateCreated {
		return nil
	}
	if err := h.c.LockAssets(); err != nil {
		return err
	}
	h.locked = true

	if err := h.c.refreshConfiguration(ctx); err != nil {
		return err
	}
	changes, err := h.c.cache.Changes(h.ids, h.revision)
	if err != nil {
		return fmt.Errorf("computing changes: %w", err)
	}
	h.changes = changes
	h.state = stateInitialized
	h.c.logger.Debug("update initialized", "candidates", len(h.ids), "changes", len(changes))
	return nil
}

// InitConflicts classifies every changed item and flags the ones that need
// a decision from the caller.
func (h *UpdateHandle) InitConflicts() error {
	if h.state != stateInitialized {
		return outOfOrder("discovering conflicts", h.state)
	}
	h.statuses = make(map[string]ItemStatus, len(h.changes))
	for _, item := range h.changes {
		id := item.ID
		st, err := h.c.status.Status(id, h.revision)
		if err != nil {
			return err
		}
		h.statuses[id] = st

		switch st.Overall {
		case BadState:
			h.c.logger.Error("asset in bad state", "id", id, "name", item.Name)
			return fmt.Errorf("asset %s: %w", item.Name, ErrBadState)
		case Ignored:
			continue
		case ClientOnly, RestoredFromTrash, NewLocalVersion:
			other, err := h.c.cache.PathNameConflict(id)
			if err != nil {
				return fmt.Errorf("checking name conflict of %s: %w", id, err)
			}
			if other != "" {
				h.nameConflicts[id] = other
				h.flag(id)
			}
		case Conflict:
			h.flag(id)
		}

		deleted, err := h.c.cache.IsDeleted(id)
		if err != nil {
			return fmt.Errorf("checking deletion of %s: %w", id, err)
		}
		if deleted && !h.deleteLocal {
			dc, err := h.c.cache.HasDeletionConflict(id)
			if err != nil {
				return fmt.Errorf("checking deletion conflict of %s: %w", id, err)
			}
			if dc {
				h.deletionConflicts[id] = true
				h.flag(id)
			}
		}
	}
	h.state = stateConflictsDiscovered
	if len(h.conflicts) > 0 {
		h.c.logger.Info("update conflicts found", "count", len(h.conflicts))
	}
	return nil
}

func (h *UpdateHandle) flag(id string) {
	if h.flagged[id] {
		return
	}
	h.flagged[id] = true
	h.conflicts = append(h.conflicts, id)
}

// Conflicts returns every flagged identifier in discovery order.
func (h *UpdateHandle) Conflicts() []string {
	return append([]string(nil), h.conflicts...)
}

// NameConflicts returns the flagged identifiers that collide by name.
func (h *UpdateHandle) NameConflicts() []string {
	var out []string
	for _, id := range h.conflicts {
		if h.nameConflicts[id] != "" {
			out = append(out, id)
		}
	}
	return out
}

// ConflictInfo describes every flagged asset for a resolution UI.
func (h *UpdateHandle) ConflictInfo() []ConflictInfo {
	out := make([]ConflictInfo, 0, len(h.conflicts))
	for _, id := range h.conflicts {
		ci := ConflictInfo{
			ID:               id,
			Status:           h.statuses[id],
			NameConflictWith: h.nameConflicts[id],
			Deleted:          h.deletionConflicts[id],
		}
		if p, err := h.c.currentPath(id); err == nil {
			ci.Path = p
		}
		for _, it := range h.changes {
			if it.ID == id {
				ci.Directory = it.IsDir()
				if ci.Path == "" {
					ci.Path = it.Name
				}
			}
		}
		out = append(out, ci)
	}
	return out
}

// SetResolutions records download resolutions for flagged assets.
func (h *UpdateHandle) SetResolutions(res map[string]DownloadResolution) error {
	if h.state != stateConflictsDiscovered {
		return outOfOrder("setting resolutions", h.state)
	}
	for id, r := range res {
		if !h.flagged[id] {
			return fmt.Errorf("asset %s has no conflict: %w", id, ErrNotFound)
		}
		h.resolutions[id] = r
	}
	return nil
}

// SetNameConflictResolutions records which side of each name collision is renamed.
func (h *UpdateHandle) SetNameConflictResolutions(res map[string]NameConflictResolution) error {
	if h.state != stateConflictsDiscovered {
		return outOfOrder("setting name resolutions", h.state)
	}
	for id, r := range res {
		if h.nameConflicts[id] == "" {
			return fmt.Errorf("asset %s has no name conflict: %w", id, ErrNotFound)
		}
		h.nameResolutions[id] = r
	}
	return nil
}

// unresolved lists flagged assets still lacking a decision.
func (h *UpdateHandle) unresolved() []string {
	var out []string
	for _, id := range h.conflicts {
		if h.resolutions[id] != Unresolved {
			continue
		}
		nameOnly := h.nameConflicts[id] != "" && h.statuses[id].Overall != Conflict && !h.deletionConflicts[id]
		if nameOnly && h.nameResolutions[id] != NameUnresolved {
			continue
		}
		out = append(out, id)
	}
	return out
}

// StartDownload plans the batch and starts the worker that fetches the bytes.
func (h *UpdateHandle) StartDownload(ctx context.Context) error {
	if h.state != stateConflictsDiscovered {
		return outOfOrder("starting download", h.state)
	}
	if u := h.unresolved(); len(u) > 0 {
		return fmt.Errorf("%d assets unresolved: %w", len(u), ErrConflictUnresolved)
	}
	if err := h.plan(); err != nil {
		return err
	}

	if len(h.downloads) == 0 {
		h.xfer = finishedTransfer()
		h.state = stateTransferring
		return nil
	}

	dir, err := os.MkdirTemp(h.c.spoolDir, "update-")
	if err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	h.destDir = dir
	reqs := h.downloads
	backend := h.c.backend
	h.xfer = startTransfer(ctx, func(ctx context.Context, sink ProgressSink) error {
		return backend.DownloadItems(ctx, reqs, dir, sink)
	})
	h.state = stateTransferring
	h.c.logger.Info("download started", "items", len(reqs))
	return nil
}

// plan applies the per-status decision table to every changed item.
func (h *UpdateHandle) plan() error {
	h.downloads = nil
	h.itemErrs = nil
	h.dirs = make(map[string]*Item)
	h.moves = make(map[string]*Item)
	h.files = make(map[string]*Item)
	h.merges = make(map[string]*mergeJob)
	h.adopt = make(map[string]*Item)

	// Directories first so the download list is ordered parent-first where
	// possible.
	ordered := append([]*Item(nil), h.changes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].IsDir() && !ordered[j].IsDir()
	})

	for _, item := range ordered {
		id := item.ID
		st := h.statuses[id]
		ancestor, working, server, err := h.c.status.Triple(id, h.revision)
		if err != nil {
			return err
		}

		if h.deletionConflicts[id] && st.Overall != Conflict {
			h.planDeletionConflict(working, server)
			continue
		}

		switch st.Overall {
		case ClientOnly, Unchanged, Ignored, NewLocalVersion:
			// keep local
		case ServerOnly:
			h.planServerOnly(server)
		case Same:
			h.adopt[id] = server.Clone()
		case NewVersionAvailable:
			h.planTakeServer(working, server)
		case RestoredFromTrash:
			if server.Changeset > ancestor.Changeset {
				h.itemErrs = append(h.itemErrs, fmt.Errorf("asset %s: %w", working.Name, ErrCommitFirst))
			}
		case Conflict:
			h.planConflict(ancestor, working, server)
		default:
			h.itemErrs = append(h.itemErrs, fmt.Errorf("asset %s status %s: %w", item.Name, st.Overall, ErrBadState))
		}

	}
	return nil
}

func (h *UpdateHandle) planServerOnly(server *Item) {
	if server.IsDeleted() && !h.isForRevert {
		return
	}
	if server.IsDir() {
		h.dirs[server.ID] = server.Clone()
	} else {
		h.download(server.ID, server.Changeset)
		h.files[server.ID] = server.Clone()
	}
	h.adopt[server.ID] = server.Clone()
}

func (h *UpdateHandle) planTakeServer(working, server *Item) {
	id := server.ID
	locationDiffers := !working.SameLocation(server)
	local, _ := h.c.currentPath(id)
	missing := local == "" || !h.c.workspace.Exists(local)

	if server.IsDir() {
		switch {
		case !server.IsDeleted() && missing:
			h.dirs[id] = server.Clone()
		case locationDiffers:
			h.moves[id] = server.Clone()
		}
	} else {
		switch {
		case !server.IsDeleted() && (missing || working.Digest != server.Digest):
			h.download(id, server.Changeset)
			h.files[id] = server.Clone()
		case locationDiffers || server.IsDeleted():
			h.moves[id] = server.Clone()
		}
	}
	h.adopt[id] = server.Clone()
}

func (h *UpdateHandle) planConflict(ancestor, working, server *Item) {
	id := server.ID
	switch h.resolutions[id] {
	case SkipAsset:
	case TrashServerChanges:
		// Advancing only the changeset lets the next commit restore it.
		if server.IsDeleted() {
			adopted := working.Clone()
			adopted.Changeset = server.Changeset
			h.adopt[id] = adopted
		}
	case TrashMyChanges:
		h.planTakeServer(working, server)
	case Merge:
		switch {
		case server.IsDir():
			h.itemErrs = append(h.itemErrs, fmt.Errorf("asset %s: can not merge a directory", server.Name))
		case server.IsDeleted() || working.IsDeleted():
			h.itemErrs = append(h.itemErrs, fmt.Errorf("asset %s: can not merge a deleted asset", server.Name))
		default:
			job := &mergeJob{server: h.download(id, server.Changeset)}
			if ancestor != nil {
				job.ancestor = h.download(id, ancestor.Changeset)
			}
			h.merges[id] = job
			target := server.Clone()
			target.Name, target.Parent = working.Name, working.Parent
			h.files[id] = target
			h.adopt[id] = target.Clone()
		}
	default:
		h.itemErrs = append(h.itemErrs, fmt.Errorf("asset %s: %w", server.Name, ErrConflictUnresolved))
	}
}

// planDeletionConflict handles a server-deleted directory that still holds
// live local items.
func (h *UpdateHandle) planDeletionConflict(working, server *Item) {
	switch h.resolutions[server.ID] {
	case TrashMyChanges:
		h.planTakeServer(working, server)
	case TrashServerChanges:
		adopted := working.Clone()
		adopted.Changeset = server.Changeset
		h.adopt[server.ID] = adopted
	}
}

func (h *UpdateHandle) download(id string, changeset int) *DownloadRequest {
	for _, r := range h.downloads {
		if r.ID == id && r.Changeset == changeset {
			return r
		}
	}
	r := &DownloadRequest{ID: id, Changeset: changeset}
	h.downloads = append(h.downloads, r)
	return r
}

func (h *UpdateHandle) downloaded(id string, changeset int) *DownloadRequest {
	for _, r := range h.downloads {
		if r.ID == id && r.Changeset == changeset {
			return r
		}
	}
	return nil
}

// Progress returns the transfer percentage and label.
func (h *UpdateHandle) Progress() (float64, string, error) {
	if h.state != stateTransferring {
		return 0, "", outOfOrder("reading download progress", h.state)
	}
	pct, text := h.xfer.progress()
	return pct, text, nil
}

// Poll reports the state of the download without blocking.
func (h *UpdateHandle) Poll() Poll {
	switch h.state {
	case stateTransferring:
		return h.xfer.poll()
	case stateCompleted:
		return Poll{State: Done, Percent: 100}
	default:
		return Poll{State: Failed, Err: outOfOrder("polling download", h.state)}
	}
}

// Complete joins the worker and applies the batch to the working tree.
func (h *UpdateHandle) Complete(ctx context.Context) error {
	if h.state != stateTransferring {
		return outOfOrder("completing update", h.state)
	}
	if err := h.xfer.wait(); err != nil {
		h.state = stateAborted
		return fmt.Errorf("downloading assets: %w", errors.Join(ErrTransfer, err))
	}

	if err := h.apply(ctx); err != nil {
		h.state = stateAborted
		return err
	}
	h.state = stateCompleted
	h.c.logger.Info("update applied", "adopted", len(h.adopt), "errors", len(h.itemErrs))
	return errors.Join(h.itemErrs...)
}

func (h *UpdateHandle) apply(ctx context.Context) error {
	dirs, err := h.orderDirectories()
	if err != nil {
		return err
	}

	pending := make(map[string]*Item, len(h.moves))
	for id, it := range h.moves {
		pending[id] = it
	}
	opts := CreateOptions{PendingMoves: pending, NameResolutions: h.nameResolutions}

	if err := h.materializeDirectories(ctx, dirs, opts); err != nil {
		return err
	}
	merged, err := h.runMerges(ctx)
	if err != nil {
		return err
	}
	if err := h.applyMoves(opts); err != nil {
		return err
	}
	opts.PendingMoves = nil
	if err := h.materializeFiles(ctx, merged, opts); err != nil {
		return err
	}

	ids := make([]string, 0, len(h.adopt))
	for id := range h.adopt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		it := h.adopt[id].Clone()
		it.Origin = FromServer
		if it.IsDeleted() {
			if w, err := h.c.cache.WorkingItem(id); err == nil && w != nil && !w.IsDeleted() {
				if err := h.c.cache.RecordDeleted(w); err != nil {
					return fmt.Errorf("recording deletion of %s: %w", id, err)
				}
			}
		} else if err := h.c.cache.ClearPendingDeletion(id); err != nil {
			return fmt.Errorf("clearing pending deletion of %s: %w", id, err)
		}
		if err := h.c.cache.PutWorkingItem(it); err != nil {
			return fmt.Errorf("adopting %s: %w", id, err)
		}
	}
	return nil
}

// orderDirectories returns the pending directories parent-first without
// touching the working tree or the cache. A pass that places nothing means
// the remaining parents never arrive, and the update fails before anything
// is created.
func (h *UpdateHandle) orderDirectories() ([]*Item, error) {
	pending := make(map[string]*Item, len(h.dirs))
	for id, it := range h.dirs {
		pending[id] = it
	}
	placed := make(map[string]bool, len(h.dirs))
	order := make([]*Item, 0, len(h.dirs))
	for len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		progress := false
		for _, id := range ids {
			dir := pending[id]
			if _, waiting := pending[dir.Parent]; waiting {
				continue
			}
			if !placed[dir.Parent] {
				_, err := h.c.dirPath(dir.Parent)
				if errors.Is(err, errParentMissing) {
					continue
				}
				if err != nil {
					return nil, err
				}
			}
			order = append(order, dir)
			placed[id] = true
			delete(pending, id)
			progress = true
		}
		if !progress {
			names := make([]string, 0, len(pending))
			for _, dir := range pending {
				names = append(names, dir.Name)
			}
			sort.Strings(names)
			h.c.logger.Error("directories without a parent", "names", names)
			return nil, fmt.Errorf("%d directories left: %w", len(pending), ErrUnboundStructure)
		}
	}
	return order, nil
}

// materializeDirectories creates dirs in the order orderDirectories gave.
func (h *UpdateHandle) materializeDirectories(ctx context.Context, dirs []*Item, opts CreateOptions) error {
	for _, dir := range dirs {
		if err := h.c.CreateAsset(ctx, dir, nil, opts); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir.Name, err)
		}
		if p, err := h.c.currentPath(dir.ID); err == nil && p != "" {
			if err := h.c.importer.Import(ctx, []string{p}, ImportForceUpdate); err != nil {
				return fmt.Errorf("importing directory %s: %w", p, err)
			}
		}
		if w, err := h.c.cache.WorkingItem(dir.ID); err == nil && w != nil && w.Name != dir.Name {
			h.adopt[dir.ID].Name = w.Name
		}
	}
	return nil
}

// runMerges three-way merges every Merge-resolved file and returns the
// merged content path per identifier.
func (h *UpdateHandle) runMerges(ctx context.Context) (map[string]string, error) {
	merged := make(map[string]string, len(h.merges))
	if len(h.merges) == 0 {
		return merged, nil
	}
	if h.c.merger == nil {
		return nil, errors.New("merging assets: no merge tool configured")
	}
	ids := make([]string, 0, len(h.merges))
	for id := range h.merges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := h.merges[id]
		remote := job.server.Streams[Content]
		if remote == "" {
			return nil, fmt.Errorf("merging %s: %w", id, ErrContentIntegrity)
		}
		ancestor := ""
		if job.ancestor != nil {
			ancestor = job.ancestor.Streams[Content]
		}
		if ancestor == "" {
			// No common base: merge against an empty ancestor.
			empty := filepath.Join(h.destDir, id+"-base")
			if err := os.WriteFile(empty, nil, 0o600); err != nil {
				return nil, fmt.Errorf("writing empty ancestor: %w", err)
			}
			ancestor = empty
		}
		local, err := h.c.workspace.StreamsFor(id)
		if err != nil {
			return nil, fmt.Errorf("reading local %s: %w", id, err)
		}
		if local[Content] == "" {
			return nil, fmt.Errorf("merging %s: local %w", id, ErrContentIntegrity)
		}

		out := filepath.Join(h.destDir, id+"-merged")
		if err := h.c.merger.Merge(ctx, ancestor, local[Content], remote, out); err != nil {
			return nil, fmt.Errorf("merging %s: %w", id, err)
		}
		digest, err := FileDigest(out)
		if err != nil {
			return nil, err
		}
		h.files[id].Digest = digest
		h.adopt[id].Digest = digest
		merged[id] = out
		h.c.logger.Info("asset merged", "id", id)
	}
	return merged, nil
}

// applyMoves relocates items deepest path first so that a parent never moves
// before a child that depends on its old location.
func (h *UpdateHandle) applyMoves(opts CreateOptions) error {
	type move struct {
		id   string
		path string
	}
	moves := make([]move, 0, len(h.moves))
	for id := range h.moves {
		p, err := h.c.currentPath(id)
		if err != nil {
			return err
		}
		moves = append(moves, move{id: id, path: p})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].path > moves[j].path })

	for _, m := range moves {
		target := h.moves[m.id]
		delete(opts.PendingMoves, m.id)
		if m.path == "" {
			// Already gone locally.
			continue
		}

		if target.IsDeleted() {
			if target.IsDir() && !h.deleteLocal {
				empty, err := h.c.workspace.IsEmptyDir(m.path)
				if err != nil {
					return fmt.Errorf("checking %s: %w", m.path, err)
				}
				if !empty {
					h.c.warn("directory contains uncommitted changes, not deleted", "path", m.path)
					delete(h.adopt, m.id)
					continue
				}
			}
			if err := h.c.workspace.Move(m.id, TrashID, target.Name); err != nil {
				return fmt.Errorf("deleting %s: %w", m.path, err)
			}
			h.c.logger.Debug("asset deleted by server", "path", m.path)
			continue
		}

		parentPath, err := h.c.dirPath(target.Parent)
		if err != nil {
			return fmt.Errorf("moving %s: %w", m.path, err)
		}
		name, err := h.c.resolveExistingAssetAtDestination(target, parentPath, opts)
		if err != nil {
			return err
		}
		if err := h.c.workspace.Move(m.id, target.Parent, name); err != nil {
			return fmt.Errorf("moving %s: %w", m.path, err)
		}
		if name != target.Name {
			h.adopt[m.id].Name = name
		}
		h.c.markDirty(joinPath(parentPath, name))
	}
	return nil
}

func (h *UpdateHandle) materializeFiles(ctx context.Context, merged map[string]string, opts CreateOptions) error {
	ids := make([]string, 0, len(h.files))
	for id := range h.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		target := h.files[id]
		var streams Streams
		if job := h.merges[id]; job != nil {
			streams = copyStreams(job.server.Streams)
			streams[Content] = merged[id]
		} else if req := h.downloaded(id, target.Changeset); req != nil {
			streams = req.Streams
		}

		err := h.c.CreateAsset(ctx, target, streams, opts)
		if errors.Is(err, errParentMissing) {
			if rerr := h.c.restoreDeletedParents(ctx, target.Parent); rerr != nil {
				return fmt.Errorf("restoring parents of %s: %w", target.Name, rerr)
			}
			err = h.c.CreateAsset(ctx, target, streams, opts)
		}
		if err != nil {
			return fmt.Errorf("materializing %s: %w", target.Name, err)
		}
		if w, err := h.c.cache.WorkingItem(id); err == nil && w != nil && w.Name != target.Name {
			h.adopt[id].Name = w.Name
		}
	}
	return nil
}

func copyStreams(s Streams) Streams {
	out := make(Streams, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Abort stops the worker and skips the apply phase.
func (h *UpdateHandle) Abort() {
	if h.xfer != nil && h.state == stateTransferring {
		h.xfer.abort()
	}
	h.state = stateAborted
}

// Close joins the worker, drops downloaded files and releases the lock.
func (h *UpdateHandle) Close(ctx context.Context) error {
	if h.xfer != nil {
		h.xfer.abort()
	}
	if h.destDir != "" {
		os.RemoveAll(h.destDir)
		h.destDir = ""
	}
	if !h.locked {
		return nil
	}
	h.locked = false
	return h.c.UnlockAssets(ctx, ImportForceUpdate)
}
