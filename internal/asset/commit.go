package asset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// CommitHandle is one in-flight push to the server.
type CommitHandle struct {
	c           *Controller
	ids         []string
	description string

	state  handleState
	locked bool

	uploads      []*UploadItem
	trashed      []string
	newChangeset int

	xfer *transfer
}

func newCommitHandle(c *Controller, ids []string, description string) *CommitHandle {
	return &CommitHandle{c: c, ids: ids, description: description}
}

// Init saves the open document if needed, adds uncommitted parent
// directories, locks the working tree and refreshes the configuration.
// Repeated calls are no-ops.
func (h *CommitHandle) Init(ctx context.Context) error {
	if h.state != stateCreated {
		return nil
	}
	if len(h.ids) == 0 {
		return fmt.Errorf("committing: %w", ErrNothingToDo)
	}

	if doc, dirty := h.c.host.OpenDocument(); dirty && slices.Contains(h.ids, doc) {
		switch h.c.host.PromptSaveOpenDocument(doc) {
		case SaveChanges:
			if err := h.c.host.SaveOpenDocument(doc); err != nil {
				return fmt.Errorf("saving open document: %w", err)
			}
		case CancelCommit:
			return fmt.Errorf("committing: %w", ErrCancelled)
		}
	}

	ids, err := h.withUncommittedParents(h.ids)
	if err != nil {
		return err
	}
	h.ids = ids

	if err := h.c.LockAssets(); err != nil {
		return err
	}
	h.locked = true

	var paths []string
	for _, id := range h.ids {
		if p, err := h.c.currentPath(id); err == nil && p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) > 0 {
		if err := h.c.importer.Import(ctx, paths, ImportForceUpdate); err != nil {
			return fmt.Errorf("importing candidates: %w", err)
		}
	}
	if err := h.c.refreshConfiguration(ctx); err != nil {
		return err
	}
	h.state = stateInitialized
	return nil
}

// withUncommittedParents adds every provisional ancestor directory so the
// server never sees a child before its parent.
func (h *CommitHandle) withUncommittedParents(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	out := append([]string(nil), ids...)
	for _, id := range ids {
		w, err := h.c.cache.WorkingItem(id)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", id, err)
		}
		for w != nil && w.Parent != RootID && w.Parent != TrashID {
			parent, err := h.c.cache.WorkingItem(w.Parent)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", w.Parent, err)
			}
			if parent == nil || parent.Changeset > 0 || seen[parent.ID] {
				break
			}
			seen[parent.ID] = true
			out = append(out, parent.ID)
			h.c.logger.Debug("adding uncommitted parent", "id", parent.ID, "name", parent.Name)
			w = parent
		}
	}
	return out, nil
}

// StartUpload schedules every candidate and starts the worker. Nothing is
// scheduled when any candidate needs an update first.
func (h *CommitHandle) StartUpload(ctx context.Context) error {
	if h.state != stateInitialized {
		return outOfOrder("starting upload", h.state)
	}

	type candidate struct {
		id                       string
		st                       ItemStatus
		ancestor, working, server *Item
	}
	candidates := make([]candidate, 0, len(h.ids))
	for _, id := range h.ids {
		ancestor, working, server, err := h.c.status.Triple(id, -1)
		if err != nil {
			return err
		}
		st, err := h.c.status.Status(id, -1)
		if err != nil {
			return err
		}
		switch st.Overall {
		case NewVersionAvailable, Conflict:
			name := id
			if working != nil {
				name = working.Name
			}
			return fmt.Errorf("asset %s: %w", name, ErrNotUpToDate)
		case BadState:
			h.c.logger.Error("asset in bad state", "id", id)
			return fmt.Errorf("asset %s: %w", id, ErrBadState)
		}
		candidates = append(candidates, candidate{id, st, ancestor, working, server})
	}

	var uploads []*UploadItem
	var trashed []string
	for _, cand := range candidates {
		w := cand.working
		switch cand.st.Overall {
		case ClientOnly:
			if w.IsDeleted() {
				continue
			}
			u, err := h.stage(w)
			if err != nil {
				return err
			}
			uploads = append(uploads, u)

		case NewLocalVersion, RestoredFromTrash:
			item := w.Clone()
			switch {
			case w.IsDeleted():
				item.Name = trashName(w.Name, w.ID)
				uploads = append(uploads, &UploadItem{Item: item, ReusePrevious: true})
				trashed = append(trashed, w.ID)
			case w.IsDir() || (cand.ancestor != nil && w.Digest == cand.ancestor.Digest):
				uploads = append(uploads, &UploadItem{Item: item, ReusePrevious: true})
			default:
				u, err := h.stage(w)
				if err != nil {
					return err
				}
				uploads = append(uploads, u)
			}

		case ServerOnly:
			pending, err := h.c.cache.IsPendingDeletion(cand.id)
			if err != nil {
				return fmt.Errorf("checking pending deletion of %s: %w", cand.id, err)
			}
			if !pending || cand.server.IsDeleted() {
				continue
			}
			item := cand.server.Clone()
			item.Name = trashName(item.Name, item.ID)
			item.Parent = TrashID
			uploads = append(uploads, &UploadItem{Item: item, ReusePrevious: true})
			trashed = append(trashed, cand.id)
		}
	}
	if len(uploads) == 0 {
		return fmt.Errorf("committing: %w", ErrNothingToDo)
	}

	// Parents before children so the server can validate the structure.
	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].Item.IsDir() && !uploads[j].Item.IsDir()
	})

	h.uploads = uploads
	h.trashed = trashed
	backend := h.c.backend
	description := h.description
	h.xfer = startTransfer(ctx, func(ctx context.Context, sink ProgressSink) error {
		n, err := backend.UploadChangeset(ctx, uploads, description, sink)
		if err != nil {
			return err
		}
		h.newChangeset = n
		return nil
	})
	h.state = stateTransferring
	h.c.logger.Info("upload started", "items", len(uploads), "deletions", len(trashed))
	return nil
}

func (h *CommitHandle) stage(w *Item) (*UploadItem, error) {
	item := w.Clone()
	if w.IsDir() {
		return &UploadItem{Item: item}, nil
	}
	streams, err := h.c.workspace.StreamsFor(w.ID)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", w.Name, err)
	}
	if streams[Content] == "" {
		return nil, fmt.Errorf("uploading %s: %w", w.Name, ErrContentIntegrity)
	}
	if h.c.stager != nil {
		if streams, err = h.c.stager.Stage(w.ID, streams, w.Digest); err != nil {
			return nil, fmt.Errorf("staging %s: %w", w.Name, err)
		}
	}
	return &UploadItem{Item: item, Streams: streams}, nil
}

// Progress returns the transfer percentage and label.
func (h *CommitHandle) Progress() (float64, string, error) {
	if h.state != stateTransferring {
		return 0, "", outOfOrder("reading upload progress", h.state)
	}
	pct, text := h.xfer.progress()
	return pct, text, nil
}

// Poll reports the state of the upload without blocking.
func (h *CommitHandle) Poll() Poll {
	switch h.state {
	case stateTransferring:
		return h.xfer.poll()
	case stateCompleted:
		return Poll{State: Done, Percent: 100}
	default:
		return Poll{State: Failed, Err: outOfOrder("polling upload", h.state)}
	}
}

// Complete joins the worker and adopts the uploaded versions.
func (h *CommitHandle) Complete(ctx context.Context) error {
	if h.state != stateTransferring {
		return outOfOrder("completing commit", h.state)
	}
	if err := h.xfer.wait(); err != nil {
		h.state = stateAborted
		if errors.Is(err, ErrNotUpToDate) {
			return fmt.Errorf("uploading changeset: %w", err)
		}
		return fmt.Errorf("uploading changeset: %w", errors.Join(ErrTransfer, err))
	}

	for _, u := range h.uploads {
		it := u.Item.Clone()
		it.Changeset = h.newChangeset
		it.Origin = FromServer
		if err := h.c.cache.PutWorkingItem(it); err != nil {
			return fmt.Errorf("adopting %s: %w", it.ID, err)
		}
	}
	if err := h.c.refreshConfiguration(ctx); err != nil {
		return err
	}
	h.state = stateCompleted
	h.c.logger.Info("changeset committed", "changeset", h.newChangeset, "items", len(h.uploads))
	return nil
}

// Changeset is the number assigned by the server once Complete succeeded.
func (h *CommitHandle) Changeset() int { return h.newChangeset }

// ClearDeleted drops the pending deletion record of every item the commit
// sent to the trash. It is safe to run more than once.
func (h *CommitHandle) ClearDeleted() error {
	if h.state != stateCompleted {
		return outOfOrder("clearing deletions", h.state)
	}
	for _, id := range h.trashed {
		if err := h.c.cache.ClearPendingDeletion(id); err != nil {
			return fmt.Errorf("clearing pending deletion of %s: %w", id, err)
		}
	}
	return nil
}

// Abort stops the worker; nothing is adopted.
func (h *CommitHandle) Abort() {
	if h.xfer != nil && h.state == stateTransferring {
		h.xfer.abort()
	}
	h.state = stateAborted
}

// Close joins the worker, drops staged snapshots and releases the lock.
func (h *CommitHandle) Close(ctx context.Context) error {
	if h.xfer != nil {
		h.xfer.abort()
	}
	var errs []error
	if h.c.stager != nil {
		if err := h.c.stager.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clearing staged files: %w", err))
		}
	}
	if h.locked {
		h.locked = false
		errs = append(errs, h.c.UnlockAssets(ctx, ImportDefault))
	}
	return errors.Join(errs...)
}
