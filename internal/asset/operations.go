package asset

import (
	"context"
	"errors"
	"fmt"
)

// UpdateBegin starts a pull of ids against the latest server changeset.
func (c *Controller) UpdateBegin(ctx context.Context, ids []string, deleteLocalIfServerDeleted, isForRevert bool) error {
	return c.UpdateBeginAt(ctx, ids, deleteLocalIfServerDeleted, isForRevert, -1)
}

// UpdateBeginAt starts a pull of ids against the server state at revision.
// A negative revision selects the latest changeset.
func (c *Controller) UpdateBeginAt(ctx context.Context, ids []string, deleteLocalIfServerDeleted, isForRevert bool, revision int) error {
	return c.report("update", c.updateBegin(ctx, ids, deleteLocalIfServerDeleted, isForRevert, revision))
}

func (c *Controller) updateBegin(ctx context.Context, ids []string, deleteLocal, isForRevert bool, revision int) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if c.update != nil {
		return fmt.Errorf("an update is already in progress: %w", ErrOutOfOrder)
	}

	if deleteLocal {
		filtered := make([]string, 0, len(ids))
		for _, id := range ids {
			if id == RootID {
				continue
			}
			_, working, server, err := c.status.Triple(id, revision)
			if err != nil {
				return err
			}
			if working != nil && server == nil {
				continue
			}
			filtered = append(filtered, id)
		}
		ids = filtered
	}
	if len(ids) == 0 {
		return fmt.Errorf("updating: %w", ErrNothingToDo)
	}

	h := newUpdateHandle(c, ids, deleteLocal, isForRevert, revision)
	if err := h.Init(ctx); err != nil {
		return errors.Join(err, h.Close(ctx))
	}
	if err := h.InitConflicts(); err != nil {
		return errors.Join(err, h.Close(ctx))
	}
	c.update = h
	return nil
}

func (c *Controller) activeUpdate(op string) (*UpdateHandle, error) {
	if c.update == nil {
		return nil, fmt.Errorf("%s without an update: %w", op, ErrOutOfOrder)
	}
	return c.update, nil
}

// UpdateGetConflicts lists every asset that needs a resolution.
func (c *Controller) UpdateGetConflicts() ([]string, error) {
	h, err := c.activeUpdate("getting conflicts")
	if err != nil {
		return nil, c.report("update", err)
	}
	return h.Conflicts(), nil
}

// UpdateGetNameConflicts lists the assets that collide by name.
func (c *Controller) UpdateGetNameConflicts() ([]string, error) {
	h, err := c.activeUpdate("getting name conflicts")
	if err != nil {
		return nil, c.report("update", err)
	}
	return h.NameConflicts(), nil
}

// UpdateConflictInfo describes the flagged assets for a resolution UI.
func (c *Controller) UpdateConflictInfo() ([]ConflictInfo, error) {
	h, err := c.activeUpdate("getting conflict info")
	if err != nil {
		return nil, c.report("update", err)
	}
	return h.ConflictInfo(), nil
}

func (c *Controller) UpdateSetResolutions(res map[string]DownloadResolution) error {
	h, err := c.activeUpdate("setting resolutions")
	if err != nil {
		return c.report("update", err)
	}
	return c.report("update", h.SetResolutions(res))
}

func (c *Controller) UpdateSetNameConflictResolutions(res map[string]NameConflictResolution) error {
	h, err := c.activeUpdate("setting name resolutions")
	if err != nil {
		return c.report("update", err)
	}
	return c.report("update", h.SetNameConflictResolutions(res))
}

func (c *Controller) UpdateStartDownload(ctx context.Context) error {
	h, err := c.activeUpdate("starting download")
	if err != nil {
		return c.report("update", err)
	}
	return c.report("update", h.StartDownload(ctx))
}

func (c *Controller) UpdateGetDownloadProgress() (float64, string, error) {
	h, err := c.activeUpdate("reading download progress")
	if err != nil {
		return 0, "", c.report("update", err)
	}
	return h.Progress()
}

func (c *Controller) UpdatePoll() Poll {
	h, err := c.activeUpdate("polling download")
	if err != nil {
		return Poll{State: Failed, Err: err}
	}
	return h.Poll()
}

// UpdateComplete applies the update and releases the handle.
func (c *Controller) UpdateComplete(ctx context.Context) error {
	h, err := c.activeUpdate("completing update")
	if err != nil {
		return c.report("update", err)
	}
	err = h.Complete(ctx)
	if errors.Is(err, ErrOutOfOrder) {
		// The download was never started; keep the handle.
		return c.report("update", err)
	}
	c.update = nil
	return c.report("update", errors.Join(err, h.Close(ctx)))
}

// UpdateAbort drops the active update without applying anything.
func (c *Controller) UpdateAbort(ctx context.Context) error {
	h, err := c.activeUpdate("aborting update")
	if err != nil {
		return c.report("update", err)
	}
	h.Abort()
	c.update = nil
	c.logger.Info("update aborted")
	return c.report("update", h.Close(ctx))
}

// CommitBegin starts a push of ids with the given description.
func (c *Controller) CommitBegin(ctx context.Context, ids []string, description string) error {
	return c.report("commit", c.commitBegin(ctx, ids, description))
}

func (c *Controller) commitBegin(ctx context.Context, ids []string, description string) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if c.commit != nil {
		return fmt.Errorf("a commit is already in progress: %w", ErrOutOfOrder)
	}
	h := newCommitHandle(c, ids, description)
	if err := h.Init(ctx); err != nil {
		return errors.Join(err, h.Close(ctx))
	}
	c.commit = h
	return nil
}

func (c *Controller) activeCommit(op string) (*CommitHandle, error) {
	if c.commit == nil {
		return nil, fmt.Errorf("%s without a commit: %w", op, ErrOutOfOrder)
	}
	return c.commit, nil
}

func (c *Controller) CommitStartUpload(ctx context.Context) error {
	h, err := c.activeCommit("starting upload")
	if err != nil {
		return c.report("commit", err)
	}
	return c.report("commit", h.StartUpload(ctx))
}

func (c *Controller) CommitGetUploadProgress() (float64, string, error) {
	h, err := c.activeCommit("reading upload progress")
	if err != nil {
		return 0, "", c.report("commit", err)
	}
	return h.Progress()
}

func (c *Controller) CommitPoll() Poll {
	h, err := c.activeCommit("polling upload")
	if err != nil {
		return Poll{State: Failed, Err: err}
	}
	return h.Poll()
}

// CommitComplete adopts the uploaded versions, clears the deletions the
// commit carried and releases the handle. It returns the new changeset.
func (c *Controller) CommitComplete(ctx context.Context) (int, error) {
	h, err := c.activeCommit("completing commit")
	if err != nil {
		return 0, c.report("commit", err)
	}
	err = h.Complete(ctx)
	if errors.Is(err, ErrOutOfOrder) {
		return 0, c.report("commit", err)
	}
	if err == nil {
		err = h.ClearDeleted()
	}
	c.commit = nil
	if err := c.report("commit", errors.Join(err, h.Close(ctx))); err != nil {
		return 0, err
	}
	return h.Changeset(), nil
}

func (c *Controller) CommitAbort(ctx context.Context) error {
	h, err := c.activeCommit("aborting commit")
	if err != nil {
		return c.report("commit", err)
	}
	h.Abort()
	c.commit = nil
	c.logger.Info("commit aborted")
	return c.report("commit", h.Close(ctx))
}
