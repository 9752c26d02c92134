package testutil

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"assetsync/internal/asset"
	"assetsync/internal/backend"
	"assetsync/internal/cache"
	"assetsync/internal/merge"
	"assetsync/internal/staging"
	"assetsync/internal/store"
	"assetsync/internal/workspace"
)

// Client is one fully wired sync engine over a temporary workspace. Several
// clients built on the same store act as separate users of one project.
type Client struct {
	User       string
	Root       string
	Cache      *cache.SQLiteCache
	Workspace  *workspace.Workspace
	Importer   *workspace.Importer
	Backend    *backend.Backend
	Spool      *staging.Spool
	Host       *FakeHost
	Controller *asset.Controller
}

// ClientOption adjusts a Client before its controller is built.
type ClientOption func(*asset.Deps)

// WithIgnore installs extra ignore patterns.
func WithIgnore(patterns ...string) ClientOption {
	return func(d *asset.Deps) { d.Ignore = workspace.NewIgnoreMatcher(patterns) }
}

// WithMerger replaces the default text merger.
func WithMerger(m asset.Merger) ClientOption {
	return func(d *asset.Deps) { d.Merger = m }
}

// WithEntitlements replaces the license check.
func WithEntitlements(e asset.Entitlements) ClientOption {
	return func(d *asset.Deps) { d.Entitlements = e }
}

// NewClient builds a client for user against srv and connects it.
func NewClient(t *testing.T, srv store.Store, user string, opts ...ClientOption) *Client {
	t.Helper()
	logger := asset.NewNopLogger()
	c := &Client{
		User:  user,
		Cache: NewTestCache(t),
		Spool: NewTestSpool(t),
		Host:  &FakeHost{HeadlessHost: asset.HeadlessHost{Resolution: asset.SkipAsset}},
	}

	ws, err := workspace.New(t.TempDir(), c.Cache, logger)
	if err != nil {
		t.Fatalf("creating workspace: %v", err)
	}
	c.Workspace = ws
	c.Root = ws.Root()

	deps := asset.Deps{
		Cache:        c.Cache,
		Workspace:    ws,
		Host:         c.Host,
		Merger:       &merge.TextMerger{Logger: logger},
		Stager:       c.Spool,
		Ignore:       workspace.NewIgnoreMatcher(nil),
		Logger:       logger,
		SpoolDir:     t.TempDir(),
		PollInterval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	c.Importer = workspace.NewImporter(ws, deps.Ignore, NewStubIDGenerator(user), logger)
	c.Backend = backend.New(backend.StaticDial(srv), FixedClock(), logger)
	deps.Importer = c.Importer
	deps.Backend = c.Backend
	c.Controller = asset.NewController(deps)

	conn := asset.ConnectionParams{Host: "localhost", Project: "game"}
	if err := c.Controller.Initialize(context.Background(), user, conn, time.Second); err != nil {
		t.Fatalf("connecting %s: %v", user, err)
	}
	return c
}

// Write creates or replaces a file in the workspace.
func (c *Client) Write(t *testing.T, rel, content string) {
	t.Helper()
	WriteFile(t, c.Root, rel, content)
}

// Read returns the content of a workspace file.
func (c *Client) Read(t *testing.T, rel string) string {
	t.Helper()
	return ReadFile(t, c.Root, rel)
}

// Exists reports whether rel is on disk.
func (c *Client) Exists(rel string) bool { return Exists(c.Root, rel) }

// Scan imports the whole working tree and refreshes the configuration cache.
func (c *Client) Scan(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := c.Importer.Import(ctx, nil, asset.ImportDefault); err != nil {
		t.Fatalf("importing %s: %v", c.User, err)
	}
	if err := c.Controller.UpdateStatus(ctx); err != nil {
		t.Fatalf("refreshing %s: %v", c.User, err)
	}
}

// ID returns the identifier bound to rel, failing the test when untracked.
func (c *Client) ID(t *testing.T, rel string) string {
	t.Helper()
	id, err := c.Workspace.IDFromPath(rel)
	if err != nil {
		t.Fatalf("looking up %s: %v", rel, err)
	}
	if id == "" {
		t.Fatalf("%s is not tracked", rel)
	}
	return id
}

// Status classifies one asset against the latest server version.
func (c *Client) Status(t *testing.T, id string) asset.ItemStatus {
	t.Helper()
	st, err := c.Controller.Status([]string{id})
	if err != nil {
		t.Fatalf("status of %s: %v", id, err)
	}
	return st[id]
}

// LocalChanges lists every live asset with something to push.
func (c *Client) LocalChanges(t *testing.T) []string {
	t.Helper()
	st, err := c.Controller.Status(nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var ids []string
	for id, s := range st {
		if id == asset.RootID {
			continue
		}
		switch s.Overall {
		case asset.NewLocalVersion, asset.RestoredFromTrash:
		case asset.ClientOnly:
			w, err := c.Cache.WorkingItem(id)
			if err != nil || w == nil || w.IsDeleted() {
				continue
			}
		default:
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Commit scans, then pushes ids (every local change when none are given)
// and returns the new changeset.
func (c *Client) Commit(t *testing.T, description string, ids ...string) (int, error) {
	t.Helper()
	ctx := context.Background()
	c.Scan(t)
	if len(ids) == 0 {
		ids = c.LocalChanges(t)
	}
	if err := c.Controller.CommitBegin(ctx, ids, description); err != nil {
		return 0, err
	}
	if err := c.Controller.CommitStartUpload(ctx); err != nil {
		return 0, errors.Join(err, c.Controller.CommitAbort(ctx))
	}
	if err := Wait(ctx, c.Controller.CommitPoll); err != nil {
		return 0, errors.Join(err, c.Controller.CommitAbort(ctx))
	}
	return c.Controller.CommitComplete(ctx)
}

// MustCommit is Commit that fails the test on error.
func (c *Client) MustCommit(t *testing.T, description string, ids ...string) int {
	t.Helper()
	n, err := c.Commit(t, description, ids...)
	if err != nil {
		t.Fatalf("%s commit %q: %v", c.User, description, err)
	}
	return n
}

// Update scans and runs a full update of every known asset through the
// action queue, answering conflicts with the host policy.
func (c *Client) Update(t *testing.T) error {
	t.Helper()
	c.Scan(t)
	c.Controller.ScheduleUpdate(nil, false, -1)
	return c.Controller.Tick(context.Background())
}

// MustUpdate is Update that fails the test on error.
func (c *Client) MustUpdate(t *testing.T) {
	t.Helper()
	if err := c.Update(t); err != nil {
		t.Fatalf("%s update: %v", c.User, err)
	}
}

// Wait polls a transfer until its worker finishes.
func Wait(ctx context.Context, poll func() asset.Poll) error {
	for {
		if p := poll(); p.State != asset.InProgress {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
