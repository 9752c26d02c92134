package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"assetsync/internal/asset"
	"assetsync/internal/backend"
	"assetsync/internal/cache"
	"assetsync/internal/config"
	"assetsync/internal/encryption"
	"assetsync/internal/merge"
	"assetsync/internal/staging"
	"assetsync/internal/store"
	"assetsync/internal/workspace"
)

const (
	connectTimeout = 30 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// App is the application layer between the CLI and the sync engine. It
// constructs all dependencies from config, exposes the batch operations and
// releases resources on Close.
type App struct {
	cfg        *config.Config
	cache      *cache.SQLiteCache
	ws         *workspace.Workspace
	importer   *workspace.Importer
	ignore     *workspace.IgnoreMatcher
	spool      *staging.Spool
	backend    *backend.Backend
	controller *asset.Controller
	encryptor  store.Encryptor
	console    io.Writer
	logger     *slog.Logger
	log        asset.Logger
	logCloser  io.Closer
	op         *Operation
	opErr      error

	// one memory store per process so reconnects see earlier commits
	memStore store.Store
}

// Connection names the server to talk to. Empty fields fall back to the
// [server] section of the config.
type Connection struct {
	Host     string
	Project  string
	User     string
	Password string
}

// StageError reports the stage of a batch operation that failed.
type StageError = asset.StageError

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

type licenseEntitlements bool

func (l licenseEntitlements) AssetServerEnabled() bool { return bool(l) }

// New creates a fully wired App from the given config. operation names the
// CLI command being run. console receives log output and warnings; nil
// selects stderr. The caller must call Close when done.
func New(cfg *config.Config, operation string, console io.Writer) (a *App, err error) {
	if cfg.Workspace.Root == "" {
		return nil, fmt.Errorf("no workspace root configured")
	}
	if console == nil {
		console = os.Stderr
	}
	a = &App{cfg: cfg, console: console, op: NewOperation(operation, "", time.Now())}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i].Close()
			}
		}
	}()

	logger, logCloser, err := newLogger(cfg.Log, cfg.LogDir, a.op.ID, console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	closers = append(closers, logCloser)
	a.logger, a.logCloser = logger, logCloser
	a.log = &slogAdapter{l: logger}

	c, err := cache.NewCacheFromConfig(cfg.Cache, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	closers = append(closers, c)
	a.cache = c

	if err := os.MkdirAll(cfg.Workspace.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if a.ignore, err = workspace.LoadIgnoreMatcher(cfg.Workspace.Root, cfg.Workspace.Ignore); err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	if a.ws, err = workspace.New(cfg.Workspace.Root, c, a.log); err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	a.importer = workspace.NewImporter(a.ws, a.ignore, asset.UUIDGenerator{}, a.log)

	if a.spool, err = staging.NewSpoolFromConfig(cfg.Staging); err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}
	merger, err := merge.NewMergerFromConfig(cfg.Merge, a.log)
	if err != nil {
		return nil, fmt.Errorf("creating merger: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	a.backend = backend.New(a.dial, asset.RealClock{}, a.log)
	a.controller = asset.NewController(asset.Deps{
		Backend:      a.backend,
		Cache:        c,
		Workspace:    a.ws,
		Importer:     a.importer,
		Host:         asset.HeadlessHost{Out: console},
		Merger:       merger,
		Stager:       a.spool,
		Entitlements: licenseEntitlements(cfg.License.AssetServer),
		Ignore:       a.ignore,
		Logger:       a.log,
		SpoolDir:     downloadDir(cfg.BaseDir),
		PollInterval: pollInterval,
	})

	a.logger.Info("operation started", "operation", operation, "workspace", a.ws.Root())
	return a, nil
}

// dial opens the configured store for a connection and applies blob
// encryption.
func (a *App) dial(ctx context.Context, user string, conn asset.ConnectionParams) (store.Store, error) {
	sc := a.cfg.Server
	if conn.Host != "" {
		sc.Host = conn.Host
	}
	if conn.Project != "" {
		sc.Project = conn.Project
	}
	if user != "" {
		sc.User = user
	}

	var s store.Store
	if sc.Type == "memory" && a.memStore != nil {
		s = a.memStore
	} else {
		var err error
		if s, err = store.NewStoreFromConfig(ctx, sc, conn.Password); err != nil {
			return nil, err
		}
		if sc.Type == "memory" {
			a.memStore = s
		}
	}

	passphrase := ""
	if env := a.cfg.Encryption.PassphraseEnv; env != "" {
		passphrase = os.Getenv(env)
	}
	return encryption.Wrap(s, a.encryptor, passphrase), nil
}

func (a *App) record(err error) error {
	if err != nil {
		a.opErr = err
	}
	return err
}

// connect fills conn from the config and initializes the controller.
func (a *App) connect(ctx context.Context, conn Connection) error {
	if conn.Host == "" {
		conn.Host = a.cfg.Server.Host
	}
	if conn.Project == "" {
		conn.Project = a.cfg.Server.Project
	}
	if conn.User == "" {
		conn.User = a.cfg.Server.User
	}
	params := asset.ConnectionParams{Host: conn.Host, Project: conn.Project, Password: conn.Password}
	return a.controller.Initialize(ctx, conn.User, params, connectTimeout)
}

// prepare connects, scans the working tree and refreshes the configuration.
func (a *App) prepare(ctx context.Context, conn Connection) error {
	if err := a.connect(ctx, conn); err != nil {
		return stageErr("connect", err)
	}
	if err := a.importer.Import(ctx, nil, asset.ImportDefault); err != nil {
		return stageErr("scan", err)
	}
	if err := a.controller.UpdateStatus(ctx); err != nil {
		return stageErr("status", err)
	}
	return nil
}

// UpdateRequest describes a pull from the server.
type UpdateRequest struct {
	Connection
	Paths []string

	// Revision selects a changeset; negative means latest.
	Revision    int
	Resolution  asset.DownloadResolution
	DeleteLocal bool
}

// Update pulls server changes into the workspace. Errors are *StageError
// naming the failed stage.
func (a *App) Update(ctx context.Context, req UpdateRequest) error {
	return a.record(a.update(ctx, req))
}

func (a *App) update(ctx context.Context, req UpdateRequest) error {
	if err := a.prepare(ctx, req.Connection); err != nil {
		return err
	}
	var ids []string
	var err error
	if len(req.Paths) > 0 {
		ids, err = a.resolve(req.Paths, true)
	} else {
		ids, err = a.cache.AllIDs()
	}
	if err != nil {
		return stageErr(asset.StageBegin, err)
	}
	err = a.controller.RunUpdate(ctx, asset.UpdateRun{
		IDs:         ids,
		DeleteLocal: req.DeleteLocal,
		Revision:    req.Revision,
		Resolve: func(infos []asset.ConflictInfo) (asset.ConflictResolutions, error) {
			host := asset.HeadlessHost{Resolution: req.Resolution, Out: a.console}
			res, ok := host.ResolveConflicts(infos)
			if !ok {
				for _, ci := range infos {
					a.logger.Warn("unresolved conflict", "path", ci.Path, "status", ci.Status.Overall)
				}
				return res, asset.ErrConflictUnresolved
			}
			return res, nil
		},
		Wait: func(ctx context.Context, poll func() asset.Poll) error {
			return a.wait(ctx, "download", poll)
		},
	})
	if errors.Is(err, asset.ErrNothingToDo) {
		a.logger.Info("nothing to update")
		return nil
	}
	if err != nil {
		return err
	}
	a.logger.Info("update finished", "assets", len(ids))
	return nil
}

// CommitRequest describes a push to the server.
type CommitRequest struct {
	Connection
	Message string
	Paths   []string
}

// Commit pushes local changes and returns the new changeset number.
func (a *App) Commit(ctx context.Context, req CommitRequest) (int, error) {
	n, err := a.commit(ctx, req)
	return n, a.record(err)
}

func (a *App) commit(ctx context.Context, req CommitRequest) (int, error) {
	if err := a.prepare(ctx, req.Connection); err != nil {
		return 0, err
	}
	var ids []string
	var err error
	if len(req.Paths) > 0 {
		ids, err = a.resolve(req.Paths, false)
	} else {
		ids, err = a.localChanges()
	}
	if err != nil {
		return 0, stageErr("begin", err)
	}
	if err := a.controller.CommitBegin(ctx, ids, req.Message); err != nil {
		return 0, stageErr("begin", err)
	}
	if err := a.controller.CommitStartUpload(ctx); err != nil {
		return 0, stageErr("upload", errors.Join(err, a.controller.CommitAbort(ctx)))
	}
	if err := a.wait(ctx, "upload", a.controller.CommitPoll); err != nil {
		return 0, stageErr("upload", errors.Join(err, a.controller.CommitAbort(ctx)))
	}
	n, err := a.controller.CommitComplete(ctx)
	if err != nil {
		return 0, stageErr("complete", err)
	}
	if err := a.spool.Clear(); err != nil {
		a.logger.Warn("clearing staging area", "error", err)
	}
	a.logger.Info("commit finished", "changeset", n, "assets", len(ids))
	return n, nil
}

// localChanges lists every asset with something to push.
func (a *App) localChanges() ([]string, error) {
	statuses, err := a.controller.Status(nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, st := range statuses {
		if id == asset.RootID {
			continue
		}
		switch st.Overall {
		case asset.NewLocalVersion, asset.RestoredFromTrash:
		case asset.ClientOnly:
			w, err := a.cache.WorkingItem(id)
			if err != nil {
				return nil, err
			}
			if w == nil || w.IsDeleted() {
				continue
			}
		default:
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// wait polls a transfer until its worker finishes.
func (a *App) wait(ctx context.Context, what string, poll func() asset.Poll) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := -10
	for {
		p := poll()
		if p.State != asset.InProgress {
			return nil
		}
		if pct := int(p.Percent); pct/10 != last/10 {
			a.logger.Debug(what+" progress", "percent", pct, "item", p.Text)
			last = pct
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StatusEntry is one line of a status report.
type StatusEntry struct {
	ID     string
	Path   string
	Status asset.ItemStatus
}

// Status classifies paths (everything when empty) against the server.
func (a *App) Status(ctx context.Context, conn Connection, paths []string) ([]StatusEntry, error) {
	entries, err := a.status(ctx, conn, paths)
	return entries, a.record(err)
}

func (a *App) status(ctx context.Context, conn Connection, paths []string) ([]StatusEntry, error) {
	if err := a.prepare(ctx, conn); err != nil {
		return nil, err
	}
	var ids []string
	if len(paths) > 0 {
		var err error
		if ids, err = a.resolve(paths, true); err != nil {
			return nil, err
		}
	}
	statuses, err := a.controller.Status(ids)
	if err != nil {
		return nil, err
	}
	entries := make([]StatusEntry, 0, len(statuses))
	for id, st := range statuses {
		if id == asset.RootID {
			continue
		}
		entries = append(entries, StatusEntry{ID: id, Path: a.displayPath(id), Status: st})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// displayPath prefers the working path and falls back to the server
// location for assets not on disk.
func (a *App) displayPath(id string) string {
	if p, err := a.ws.PathFromID(id); err == nil {
		return p
	}
	var parts []string
	for cur := id; cur != asset.RootID && len(parts) < 256; {
		it, err := a.cache.ServerItem(cur, -1)
		if err != nil || it == nil {
			break
		}
		if it.IsDeleted() {
			parts = append(parts, it.Name)
			parts = append(parts, "[trash]")
			break
		}
		parts = append(parts, it.Name)
		cur = it.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

// Revert replaces the working copy at path with its version at changeset.
func (a *App) Revert(ctx context.Context, conn Connection, path string, changeset int) error {
	return a.record(a.revert(ctx, conn, path, changeset))
}

func (a *App) revert(ctx context.Context, conn Connection, path string, changeset int) error {
	if err := a.prepare(ctx, conn); err != nil {
		return err
	}
	ids, err := a.resolve([]string{path}, false)
	if err != nil {
		return err
	}
	return a.controller.RevertVersion(ctx, ids[0], changeset, asset.RevertOptions{})
}

// Recover brings a deleted asset back as name under parentPath.
func (a *App) Recover(ctx context.Context, conn Connection, id string, changeset int, name, parentPath string) error {
	return a.record(a.recover(ctx, conn, id, changeset, name, parentPath))
}

func (a *App) recover(ctx context.Context, conn Connection, id string, changeset int, name, parentPath string) error {
	if err := a.prepare(ctx, conn); err != nil {
		return err
	}
	parent := asset.RootID
	if parentPath != "" {
		ids, err := a.resolve([]string{parentPath}, false)
		if err != nil {
			return err
		}
		parent = ids[0]
	}
	return a.controller.RecoverDeleted(ctx, id, changeset, name, parent)
}

// History returns the newest limit changesets, newest first.
func (a *App) History(ctx context.Context, conn Connection, limit int) ([]*asset.Changeset, error) {
	if err := a.connect(ctx, conn); err != nil {
		return nil, a.record(stageErr("connect", err))
	}
	if err := a.controller.UpdateStatus(ctx); err != nil {
		return nil, a.record(stageErr("status", err))
	}
	cs, err := a.cache.Changesets(limit)
	return cs, a.record(err)
}

// Watch imports file-system changes in the background until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	if err := a.importer.Import(ctx, nil, asset.ImportDefault); err != nil {
		return a.record(err)
	}
	w, err := workspace.NewWatcher(a.importer, 0, a.log)
	if err != nil {
		return a.record(err)
	}
	if err := w.Start(ctx); err != nil {
		return a.record(err)
	}
	a.logger.Info("watching workspace", "root", a.ws.Root())
	<-ctx.Done()
	return a.record(w.Stop())
}

// resolve maps command-line paths to asset identifiers. With descend set,
// directories expand to everything below them.
func (a *App) resolve(paths []string, descend bool) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, raw := range paths {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil && !filepath.IsAbs(raw) {
			// not in the current directory: treat as workspace relative
			abs = a.ws.Abs(raw)
		}
		rel, err := a.ws.Rel(abs)
		if err != nil {
			return nil, err
		}
		id, err := a.ws.IDFromPath(rel)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%s is not tracked: %w", raw, asset.ErrNotFound)
		}
		if err := a.collect(id, descend, seen, &ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (a *App) collect(id string, descend bool, seen map[string]bool, ids *[]string) error {
	if seen[id] {
		return nil
	}
	seen[id] = true
	if id != asset.RootID {
		*ids = append(*ids, id)
	}
	if !descend {
		return nil
	}
	children, err := a.cache.WorkingChildren(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := a.collect(c.ID, descend, seen, ids); err != nil {
			return err
		}
	}
	return nil
}

// Controller exposes the engine for embedding hosts.
func (a *App) Controller() *asset.Controller { return a.controller }

// Close finalizes the operation record and closes all resources.
func (a *App) Close() error {
	var errs []error
	a.op.Finish(a.opErr, time.Now())
	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration())

	if err := a.spool.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing staging area: %w", err))
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache: %w", err))
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log: %w", err))
		}
	}
	return errors.Join(errs...)
}
