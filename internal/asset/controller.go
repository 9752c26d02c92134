package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Deps are the collaborators a Controller drives. Backend, Cache, Workspace
// and Importer are required; the rest fall back to defaults.
type Deps struct {
	Backend      Backend
	Cache        Cache
	Workspace    Workspace
	Importer     Importer
	Host         Host
	Merger       Merger
	Stager       Stager
	Entitlements Entitlements
	Ignore       IgnoreMatcher
	Logger       Logger

	// SpoolDir holds downloads while an update is in flight.
	SpoolDir string

	// PollInterval is how often Tick samples transfer progress.
	PollInterval time.Duration
}

// Controller is the single entry point of the sync engine. It serializes
// high-level actions, owns the lock window over the working tree, and holds
// at most one UpdateHandle and one CommitHandle.
//
// All methods except the Schedule* family must be called from the goroutine
// that calls Tick.
type Controller struct {
	backend      Backend
	cache        Cache
	workspace    Workspace
	importer     Importer
	host         Host
	merger       Merger
	stager       Stager
	entitlements Entitlements
	logger       Logger
	status       *StatusModel
	spoolDir     string
	pollInterval time.Duration

	online bool
	user   string
	conn   ConnectionParams

	update *UpdateHandle
	commit *CommitHandle

	lastErr string

	lockDepth int
	dirty     map[string]struct{}

	ticking         atomic.Bool
	suppressPrompts bool

	queueMu sync.Mutex
	queue   []action
}

func NewController(deps Deps) *Controller {
	c := &Controller{
		backend:      deps.Backend,
		cache:        deps.Cache,
		workspace:    deps.Workspace,
		importer:     deps.Importer,
		host:         deps.Host,
		merger:       deps.Merger,
		stager:       deps.Stager,
		entitlements: deps.Entitlements,
		logger:       deps.Logger,
		spoolDir:     deps.SpoolDir,
		pollInterval: deps.PollInterval,
	}
	if c.host == nil {
		c.host = HeadlessHost{}
	}
	if c.entitlements == nil {
		c.entitlements = AlwaysEntitled{}
	}
	if c.logger == nil {
		c.logger = NewNopLogger()
	}
	if c.spoolDir == "" {
		c.spoolDir = os.TempDir()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 100 * time.Millisecond
	}
	c.status = NewStatusModel(deps.Cache, deps.Workspace, deps.Ignore)
	return c
}

// LastError returns the message of the most recent failed operation.
func (c *Controller) LastError() string { return c.lastErr }

// Online reports whether Initialize succeeded.
func (c *Controller) Online() bool { return c.online }

// SuppressDiscardPrompts reports whether a queued action is running. Hosts
// skip their "discard changes?" prompts while it is set.
func (c *Controller) SuppressDiscardPrompts() bool { return c.suppressPrompts }

// report records err as the last error and passes it through.
func (c *Controller) report(op string, err error) error {
	if err == nil {
		return nil
	}
	c.lastErr = err.Error()
	c.logger.Error(op+" failed", "error", err)
	return err
}

// Initialize connects to the server. The connection is only re-established
// when the identity or connection parameters changed.
func (c *Controller) Initialize(ctx context.Context, user string, conn ConnectionParams, timeout time.Duration) error {
	if c.online && c.user == user && c.conn == conn {
		return nil
	}
	c.online = false
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.backend.Connect(ctx, user, conn); err != nil {
		return c.report("connect", fmt.Errorf("connecting to %s: %w", conn.Host, err))
	}
	c.user = user
	c.conn = conn
	c.online = true
	c.logger.Info("connected", "host", conn.Host, "project", conn.Project, "user", user)
	return nil
}

func (c *Controller) checkReady() error {
	if !c.online {
		return ErrOffline
	}
	if !c.entitlements.AssetServerEnabled() {
		return ErrLicense
	}
	return nil
}

// UpdateStatus refreshes the local configuration cache when the server has
// moved past the last downloaded changeset.
func (c *Controller) UpdateStatus(ctx context.Context) error {
	return c.report("update status", c.updateStatus(ctx))
}

func (c *Controller) updateStatus(ctx context.Context) (err error) {
	if err := c.checkReady(); err != nil {
		return err
	}
	latest, err := c.backend.GetLatestChangeset(ctx)
	if err != nil {
		return fmt.Errorf("getting latest changeset: %w", err)
	}
	downloaded, err := c.cache.DownloadedChangeset()
	if err != nil {
		return fmt.Errorf("reading downloaded changeset: %w", err)
	}
	if latest == downloaded {
		return nil
	}

	if err := c.LockAssets(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.UnlockAssets(ctx, ImportDefault))
	}()
	return c.refreshConfiguration(ctx)
}

// refreshConfiguration pulls new changesets into the cache and advances the
// downloaded marker to what the cache now knows.
func (c *Controller) refreshConfiguration(ctx context.Context) error {
	if err := c.backend.UpdateConfiguration(ctx, c.cache); err != nil {
		return fmt.Errorf("updating configuration: %w", err)
	}
	known, err := c.cache.KnownChangeset()
	if err != nil {
		return fmt.Errorf("reading known changeset: %w", err)
	}
	if err := c.cache.SetDownloadedChangeset(known); err != nil {
		return fmt.Errorf("recording downloaded changeset: %w", err)
	}
	return nil
}

// Status classifies ids against the latest server versions. Empty ids
// classifies every known asset.
func (c *Controller) Status(ids []string) (map[string]ItemStatus, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = c.cache.AllIDs(); err != nil {
			return nil, fmt.Errorf("listing assets: %w", err)
		}
	}
	out := make(map[string]ItemStatus, len(ids))
	for _, id := range ids {
		st, err := c.status.Status(id, -1)
		if err != nil {
			return nil, err
		}
		if st.Overall == BadState {
			c.logger.Error("asset in bad state", "id", id)
		}
		out[id] = st
	}
	return out, nil
}

// LockAssets opens the exclusive window over the working tree. Nested calls
// only count.
func (c *Controller) LockAssets() error {
	c.lockDepth++
	if c.lockDepth > 1 {
		return nil
	}
	c.importer.SetAutoImport(false)
	c.dirty = make(map[string]struct{})
	if err := c.cache.BeginBatch(); err != nil {
		c.lockDepth--
		c.importer.SetAutoImport(true)
		return fmt.Errorf("locking assets: %w", err)
	}
	c.logger.Debug("assets locked")
	return nil
}

// UnlockAssets closes the lock window opened by the matching LockAssets.
// The outermost unlock persists the cache and reimports every touched path.
func (c *Controller) UnlockAssets(ctx context.Context, flags ImportFlags) error {
	if c.lockDepth == 0 {
		return fmt.Errorf("unlocking assets: %w", ErrOutOfOrder)
	}
	c.lockDepth--
	if c.lockDepth > 0 {
		return nil
	}

	var errs []error
	if err := c.cache.CommitBatch(); err != nil {
		errs = append(errs, fmt.Errorf("persisting cache: %w", err))
	}
	c.importer.SetAutoImport(true)

	paths := make([]string, 0, len(c.dirty))
	for p := range c.dirty {
		paths = append(paths, p)
	}
	c.dirty = nil
	sort.Strings(paths)
	if len(paths) > 0 {
		if err := c.importer.Import(ctx, paths, flags|ImportForceUpdate); err != nil {
			errs = append(errs, fmt.Errorf("reimporting assets: %w", err))
		}
	}
	c.logger.Debug("assets unlocked", "reimported", len(paths))
	return errors.Join(errs...)
}

// Locked reports whether a lock window is open.
func (c *Controller) Locked() bool { return c.lockDepth > 0 }

func (c *Controller) markDirty(path string) {
	if c.dirty != nil {
		c.dirty[path] = struct{}{}
	}
}

func (c *Controller) warn(msg string, args ...any) {
	c.logger.Warn(msg, args...)
	c.host.Warn(formatWarning(msg, args...))
}

func formatWarning(msg string, args ...any) string {
	for i := 0; i+1 < len(args); i += 2 {
		msg += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return msg
}
