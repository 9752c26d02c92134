package asset

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type actionKind int

const (
	actionUpdate actionKind = iota
	actionCommit
	actionRevert
	actionRecover
	actionStatusRefresh
	actionDialog
)

func (k actionKind) String() string {
	switch k {
	case actionUpdate:
		return "update"
	case actionCommit:
		return "commit"
	case actionRevert:
		return "revert"
	case actionRecover:
		return "recover"
	case actionStatusRefresh:
		return "status-refresh"
	case actionDialog:
		return "dialog"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

type action struct {
	kind actionKind

	ids         []string
	deleteLocal bool
	revision    int
	description string

	id        string
	changeset int
	name      string
	parent    string
	revert    RevertOptions

	title   string
	message string
}

func (c *Controller) enqueue(a action) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue = append(c.queue, a)
}

func (c *Controller) pop() (action, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return action{}, false
	}
	a := c.queue[0]
	c.queue = c.queue[1:]
	return a, true
}

// Pending returns the number of queued actions.
func (c *Controller) Pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// ScheduleUpdate queues a pull of ids. A negative revision selects the
// latest changeset.
func (c *Controller) ScheduleUpdate(ids []string, deleteLocal bool, revision int) {
	c.enqueue(action{kind: actionUpdate, ids: ids, deleteLocal: deleteLocal, revision: revision})
}

func (c *Controller) ScheduleCommit(ids []string, description string) {
	c.enqueue(action{kind: actionCommit, ids: ids, description: description})
}

// ScheduleRevert queues RevertVersion of id at changeset.
func (c *Controller) ScheduleRevert(id string, changeset int, opts RevertOptions) {
	c.enqueue(action{kind: actionRevert, id: id, changeset: changeset, revert: opts})
}

func (c *Controller) ScheduleRecover(id string, changeset int, name, parent string) {
	c.enqueue(action{kind: actionRecover, id: id, changeset: changeset, name: name, parent: parent})
}

func (c *Controller) ScheduleStatusRefresh() {
	c.enqueue(action{kind: actionStatusRefresh})
}

func (c *Controller) ScheduleDialog(title, message string) {
	c.enqueue(action{kind: actionDialog, title: title, message: message})
}

// Tick runs exactly one queued action to completion. Calling Tick while an
// action is running is a programming error and panics.
func (c *Controller) Tick(ctx context.Context) error {
	if !c.ticking.CompareAndSwap(false, true) {
		panic("asset: Controller.Tick re-entered while an action is running")
	}
	defer c.ticking.Store(false)

	a, ok := c.pop()
	if !ok {
		return nil
	}

	c.suppressPrompts = true
	defer func() { c.suppressPrompts = false }()

	c.logger.Debug("running action", "action", a.kind)
	err := c.run(ctx, a)
	if err != nil && !errors.Is(err, ErrNothingToDo) {
		c.lastErr = err.Error()
		c.logger.Error("action failed", "action", a.kind, "error", err)
		return fmt.Errorf("%s: %w", a.kind, err)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, a action) error {
	switch a.kind {
	case actionUpdate:
		return c.runUpdate(ctx, a)
	case actionCommit:
		return c.runCommit(ctx, a)
	case actionRevert:
		return c.RevertVersion(ctx, a.id, a.changeset, a.revert)
	case actionRecover:
		return c.RecoverDeleted(ctx, a.id, a.changeset, a.name, a.parent)
	case actionStatusRefresh:
		return c.UpdateStatus(ctx)
	case actionDialog:
		c.host.ShowDialog(a.title, a.message)
		return nil
	default:
		return fmt.Errorf("unknown action %s", a.kind)
	}
}

func (c *Controller) runUpdate(ctx context.Context, a action) error {
	if err := c.UpdateStatus(ctx); err != nil {
		return err
	}
	return c.RunUpdate(ctx, UpdateRun{IDs: a.ids, DeleteLocal: a.deleteLocal, Revision: a.revision})
}

// UpdateRun configures RunUpdate.
type UpdateRun struct {
	// IDs to pull; empty pulls every known asset.
	IDs         []string
	DeleteLocal bool

	// Revision selects a changeset; negative means latest.
	Revision int

	// Resolve answers the flagged assets. Nil asks the host, and a declined
	// dialog comes back as ErrCancelled.
	Resolve func([]ConflictInfo) (ConflictResolutions, error)

	// Wait blocks until the transfer worker finishes. Nil shows progress
	// through the host.
	Wait func(ctx context.Context, poll func() Poll) error
}

// RunUpdate drives one update from begin to complete. Failures are
// *StageError naming the step; a failure after begin aborts the update.
func (c *Controller) RunUpdate(ctx context.Context, run UpdateRun) error {
	ids := run.IDs
	if len(ids) == 0 {
		var err error
		if ids, err = c.cache.AllIDs(); err != nil {
			return stageError(StageBegin, fmt.Errorf("listing assets: %w", err))
		}
	}
	if err := c.UpdateBeginAt(ctx, ids, run.DeleteLocal, false, run.Revision); err != nil {
		return stageError(StageBegin, err)
	}
	if err := c.resolveUpdateConflicts(run.Resolve); err != nil {
		return stageError(StageBegin, errors.Join(err, c.UpdateAbort(ctx)))
	}

	wait := run.Wait
	if wait == nil {
		wait = func(ctx context.Context, poll func() Poll) error {
			return c.waitForTransfer(ctx, "Updating assets", poll)
		}
	}
	if err := c.UpdateStartDownload(ctx); err != nil {
		return stageError(StageDownload, errors.Join(err, c.UpdateAbort(ctx)))
	}
	if err := wait(ctx, c.UpdatePoll); err != nil {
		return stageError(StageDownload, errors.Join(err, c.UpdateAbort(ctx)))
	}
	return stageError(StageComplete, c.UpdateComplete(ctx))
}

func (c *Controller) resolveUpdateConflicts(resolve func([]ConflictInfo) (ConflictResolutions, error)) error {
	infos, err := c.UpdateConflictInfo()
	if err != nil || len(infos) == 0 {
		return err
	}
	if resolve == nil {
		resolve = c.askHost
	}
	res, err := resolve(infos)
	if err != nil {
		return err
	}
	if err := c.UpdateSetResolutions(res.Download); err != nil {
		return err
	}
	return c.UpdateSetNameConflictResolutions(res.Names)
}

func (c *Controller) askHost(infos []ConflictInfo) (ConflictResolutions, error) {
	res, ok := c.host.ResolveConflicts(infos)
	if !ok {
		return ConflictResolutions{}, ErrCancelled
	}
	return res, nil
}

func (c *Controller) runCommit(ctx context.Context, a action) error {
	if err := c.CommitBegin(ctx, a.ids, a.description); err != nil {
		return err
	}
	if err := c.CommitStartUpload(ctx); err != nil {
		return errors.Join(err, c.CommitAbort(ctx))
	}
	if err := c.waitForTransfer(ctx, "Committing assets", c.CommitPoll); err != nil {
		return errors.Join(err, c.CommitAbort(ctx))
	}
	n, err := c.CommitComplete(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("commit finished", "changeset", n)
	return nil
}

// waitForTransfer samples progress until the worker finishes. A cancel from
// the host progress display comes back as ErrCancelled. Worker failures are
// left for Complete to report.
func (c *Controller) waitForTransfer(ctx context.Context, title string, poll func() Poll) error {
	defer c.host.ClearProgress()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		p := poll()
		if p.State != InProgress {
			return nil
		}
		if c.host.DisplayProgress(title, p.Text, p.Percent/100) {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
