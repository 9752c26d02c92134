// Package cache persists the local configuration: working items, server item
// versions per changeset, the deletion trail and the sync position.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"assetsync/internal/asset"
	"assetsync/internal/cache/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const downloadedKey = "downloaded_changeset"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteCache implements asset.Cache on SQLite. The connection pool is
// limited to one connection, so every statement inside a batch must go
// through the open transaction.
type SQLiteCache struct {
	db   *sql.DB
	path string

	mu sync.Mutex
	tx *sql.Tx
}

var _ asset.Cache = (*SQLiteCache)(nil)

// Open opens (creating if needed) the cache at path and migrates it.
// path can be ":memory:".
func Open(path string) (*SQLiteCache, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db, path: path}, nil
}

// OpenConnection opens a configured SQLite connection without migrating it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the database file, or ":memory:".
func (c *SQLiteCache) Path() string { return c.path }

func (c *SQLiteCache) Close() error {
	c.mu.Lock()
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	c.mu.Unlock()
	return c.db.Close()
}

func (c *SQLiteCache) conn() querier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// write runs fn inside the open batch, or inside its own transaction.
func (c *SQLiteCache) write(fn func(q querier) error) error {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx != nil {
		return fn(tx)
	}

	own, err := c.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer own.Rollback()
	if err := fn(own); err != nil {
		return err
	}
	return own.Commit()
}

func (c *SQLiteCache) BeginBatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return errors.New("cache batch already open")
	}
	tx, err := c.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("starting batch: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *SQLiteCache) CommitBatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return errors.New("no cache batch open")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Configuration sink

func (c *SQLiteCache) KnownChangeset() (int, error) {
	var n int
	err := c.conn().QueryRowContext(context.Background(),
		"SELECT COALESCE(MAX(number), 0) FROM changesets").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("reading known changeset: %w", err)
	}
	return n, nil
}

func (c *SQLiteCache) AddChangeset(cs *asset.Changeset) error {
	return c.write(func(q querier) error {
		ctx := context.Background()
		_, err := q.ExecContext(ctx,
			`INSERT INTO changesets (number, description, author, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (number) DO UPDATE SET description = excluded.description,
			   author = excluded.author, created_at = excluded.created_at`,
			cs.Number, cs.Description, cs.User, cs.Date.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting changeset %d: %w", cs.Number, err)
		}
		for _, it := range cs.Items {
			_, err := q.ExecContext(ctx,
				`INSERT OR REPLACE INTO server_items (id, changeset, name, parent, digest, type)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				it.ID, cs.Number, it.Name, it.Parent, it.Digest, it.Type.String())
			if err != nil {
				return fmt.Errorf("inserting item %s@%d: %w", it.ID, cs.Number, err)
			}
		}
		return nil
	})
}

// Working items

const workingColumns = "id, name, parent, changeset, digest, type, origin"

func scanWorking(scan func(dest ...any) error) (*asset.Item, error) {
	var it asset.Item
	var typ string
	var origin int
	if err := scan(&it.ID, &it.Name, &it.Parent, &it.Changeset, &it.Digest, &typ, &origin); err != nil {
		return nil, err
	}
	t, err := asset.ParseItemType(typ)
	if err != nil {
		return nil, err
	}
	it.Type = t
	it.Origin = asset.Origin(origin)
	return &it, nil
}

func (c *SQLiteCache) WorkingItem(id string) (*asset.Item, error) {
	row := c.conn().QueryRowContext(context.Background(),
		"SELECT "+workingColumns+" FROM working_items WHERE id = ?", id)
	it, err := scanWorking(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading working item %s: %w", id, err)
	}
	return it, nil
}

func (c *SQLiteCache) WorkingChildren(parent string) ([]*asset.Item, error) {
	return c.queryWorking("SELECT "+workingColumns+" FROM working_items WHERE parent = ? ORDER BY name", parent)
}

// WorkingItems returns every working item that is not in the trash.
func (c *SQLiteCache) WorkingItems() ([]*asset.Item, error) {
	return c.queryWorking("SELECT "+workingColumns+" FROM working_items WHERE parent <> ? ORDER BY id", asset.TrashID)
}

func (c *SQLiteCache) queryWorking(query string, args ...any) ([]*asset.Item, error) {
	rows, err := c.conn().QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying working items: %w", err)
	}
	defer rows.Close()

	var items []*asset.Item
	for rows.Next() {
		it, err := scanWorking(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning working item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (c *SQLiteCache) PutWorkingItem(it *asset.Item) error {
	return c.write(func(q querier) error {
		_, err := q.ExecContext(context.Background(),
			`INSERT INTO working_items (`+workingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, parent = excluded.parent,
			   changeset = excluded.changeset, digest = excluded.digest, type = excluded.type,
			   origin = excluded.origin`,
			it.ID, it.Name, it.Parent, it.Changeset, it.Digest, it.Type.String(), int(it.Origin))
		if err != nil {
			return fmt.Errorf("writing working item %s: %w", it.ID, err)
		}
		return nil
	})
}

// Server items

const serverColumns = "id, name, parent, changeset, digest, type"

func scanServer(scan func(dest ...any) error) (*asset.Item, error) {
	var it asset.Item
	var typ string
	if err := scan(&it.ID, &it.Name, &it.Parent, &it.Changeset, &it.Digest, &typ); err != nil {
		return nil, err
	}
	t, err := asset.ParseItemType(typ)
	if err != nil {
		return nil, err
	}
	it.Type = t
	it.Origin = asset.FromServer
	return &it, nil
}

func (c *SQLiteCache) ServerItem(id string, changeset int) (*asset.Item, error) {
	var row *sql.Row
	if changeset < 0 {
		row = c.conn().QueryRowContext(context.Background(),
			"SELECT "+serverColumns+" FROM server_items WHERE id = ? ORDER BY changeset DESC LIMIT 1", id)
	} else {
		row = c.conn().QueryRowContext(context.Background(),
			"SELECT "+serverColumns+" FROM server_items WHERE id = ? AND changeset <= ? ORDER BY changeset DESC LIMIT 1",
			id, changeset)
	}
	it, err := scanServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading server item %s: %w", id, err)
	}
	return it, nil
}

// latestAt returns the newest server item versions located at (parent, name).
func (c *SQLiteCache) latestAt(parent, name string) ([]*asset.Item, error) {
	rows, err := c.conn().QueryContext(context.Background(),
		`SELECT `+serverColumns+` FROM server_items s
		 WHERE s.parent = ? AND s.name = ?
		   AND s.changeset = (SELECT MAX(changeset) FROM server_items WHERE id = s.id)`,
		parent, name)
	if err != nil {
		return nil, fmt.Errorf("querying server items at %s/%s: %w", parent, name, err)
	}
	defer rows.Close()

	var items []*asset.Item
	for rows.Next() {
		it, err := scanServer(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning server item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (c *SQLiteCache) AllIDs() ([]string, error) {
	return c.queryStrings("SELECT id FROM working_items UNION SELECT id FROM server_items ORDER BY 1")
}

func (c *SQLiteCache) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := c.conn().QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *SQLiteCache) Changes(ids []string, changeset int) ([]*asset.Item, error) {
	var changes []*asset.Item
	for _, id := range ids {
		w, err := c.WorkingItem(id)
		if err != nil {
			return nil, err
		}
		s, err := c.ServerItem(id, changeset)
		if err != nil {
			return nil, err
		}
		switch {
		case w == nil && s == nil:
		case w == nil:
			changes = append(changes, s)
		case s == nil:
			changes = append(changes, w)
		case w.Changeset != s.Changeset || !w.SameLocation(s) || !w.SameContent(s):
			changes = append(changes, s)
		}
	}
	return changes, nil
}

func (c *SQLiteCache) OtherNamesInDirectory(parent, exceptID string) ([]string, error) {
	return c.queryStrings(
		`SELECT name FROM working_items WHERE parent = ? AND id <> ?
		 UNION
		 SELECT s.name FROM server_items s
		 WHERE s.parent = ? AND s.id <> ?
		   AND s.changeset = (SELECT MAX(changeset) FROM server_items WHERE id = s.id)
		 ORDER BY 1`,
		parent, exceptID, parent, exceptID)
}

func (c *SQLiteCache) PathNameConflict(id string) (string, error) {
	w, err := c.WorkingItem(id)
	if err != nil {
		return "", err
	}
	s, err := c.ServerItem(id, -1)
	if err != nil {
		return "", err
	}

	// A different local asset sits where the server puts id.
	if s != nil && !s.IsDeleted() {
		var other string
		err := c.conn().QueryRowContext(context.Background(),
			"SELECT id FROM working_items WHERE parent = ? AND name = ? AND id <> ? ORDER BY id LIMIT 1",
			s.Parent, s.Name, id).Scan(&other)
		if err == nil {
			return other, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("checking name conflict of %s: %w", id, err)
		}
	}

	// A different server asset is headed to where id sits locally.
	if w != nil && !w.IsDeleted() {
		others, err := c.latestAt(w.Parent, w.Name)
		if err != nil {
			return "", err
		}
		for _, o := range others {
			if o.ID != id {
				return o.ID, nil
			}
		}
	}
	return "", nil
}

// Deletion tracking

func (c *SQLiteCache) IsDeleted(id string) (bool, error) {
	s, err := c.ServerItem(id, -1)
	if err != nil {
		return false, err
	}
	return s != nil && s.IsDeleted(), nil
}

func (c *SQLiteCache) HasDeletionConflict(id string) (bool, error) {
	deleted, err := c.IsDeleted(id)
	if err != nil || !deleted {
		return false, err
	}
	return c.hasUncommittedDescendant(id, 0)
}

// hasUncommittedDescendant reports whether any working item below dir is
// provisional or differs from the server version it is based on.
func (c *SQLiteCache) hasUncommittedDescendant(dir string, depth int) (bool, error) {
	if depth > 4096 {
		return false, fmt.Errorf("working tree below %s is cyclic", dir)
	}
	children, err := c.WorkingChildren(dir)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.Changeset <= 0 {
			return true, nil
		}
		base, err := c.ServerItem(child.ID, child.Changeset)
		if err != nil {
			return false, err
		}
		if base == nil || !base.SameLocation(child) || !base.SameContent(child) {
			return true, nil
		}
		if child.IsDir() {
			found, err := c.hasUncommittedDescendant(child.ID, depth+1)
			if err != nil || found {
				return found, err
			}
		}
	}
	return false, nil
}

func (c *SQLiteCache) RecordDeleted(it *asset.Item) error {
	return c.write(func(q querier) error {
		_, err := q.ExecContext(context.Background(),
			`INSERT OR REPLACE INTO deleted_items (id, name, parent, changeset, digest, type)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			it.ID, it.Name, it.Parent, it.Changeset, it.Digest, it.Type.String())
		if err != nil {
			return fmt.Errorf("recording deletion of %s: %w", it.ID, err)
		}
		return nil
	})
}

func (c *SQLiteCache) DeletedItem(id string) (*asset.Item, error) {
	row := c.conn().QueryRowContext(context.Background(),
		"SELECT "+serverColumns+" FROM deleted_items WHERE id = ?", id)
	it, err := scanServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading deleted item %s: %w", id, err)
	}
	return it, nil
}

func (c *SQLiteCache) AddPendingDeletion(id string) error {
	return c.write(func(q querier) error {
		_, err := q.ExecContext(context.Background(), "INSERT OR IGNORE INTO pending_deletions (id) VALUES (?)", id)
		if err != nil {
			return fmt.Errorf("adding pending deletion %s: %w", id, err)
		}
		return nil
	})
}

func (c *SQLiteCache) IsPendingDeletion(id string) (bool, error) {
	var n int
	err := c.conn().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM pending_deletions WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pending deletion %s: %w", id, err)
	}
	return n > 0, nil
}

func (c *SQLiteCache) PendingDeletions() ([]string, error) {
	return c.queryStrings("SELECT id FROM pending_deletions ORDER BY id")
}

func (c *SQLiteCache) ClearPendingDeletion(id string) error {
	return c.write(func(q querier) error {
		_, err := q.ExecContext(context.Background(), "DELETE FROM pending_deletions WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("clearing pending deletion %s: %w", id, err)
		}
		return nil
	})
}

// Sync position

func (c *SQLiteCache) DownloadedChangeset() (int, error) {
	var v string
	err := c.conn().QueryRowContext(context.Background(),
		"SELECT value FROM settings WHERE key = ?", downloadedKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading downloaded changeset: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing downloaded changeset %q: %w", v, err)
	}
	return n, nil
}

func (c *SQLiteCache) SetDownloadedChangeset(n int) error {
	return c.write(func(q querier) error {
		_, err := q.ExecContext(context.Background(),
			"INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", downloadedKey, strconv.Itoa(n))
		if err != nil {
			return fmt.Errorf("writing downloaded changeset: %w", err)
		}
		return nil
	})
}

func (c *SQLiteCache) Changesets(limit int) ([]*asset.Changeset, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.conn().QueryContext(context.Background(),
		"SELECT number, description, author, created_at FROM changesets ORDER BY number DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying changesets: %w", err)
	}
	var out []*asset.Changeset
	for rows.Next() {
		var cs asset.Changeset
		var created int64
		if err := rows.Scan(&cs.Number, &cs.Description, &cs.User, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning changeset: %w", err)
		}
		cs.Date = time.Unix(0, created).UTC()
		out = append(out, &cs)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Items are loaded after the changeset rows are released; the pool has
	// a single connection.
	for _, cs := range out {
		items, err := c.changesetItems(cs.Number)
		if err != nil {
			return nil, err
		}
		cs.Items = items
	}
	return out, nil
}

func (c *SQLiteCache) changesetItems(n int) ([]*asset.Item, error) {
	rows, err := c.conn().QueryContext(context.Background(),
		"SELECT "+serverColumns+" FROM server_items WHERE changeset = ? ORDER BY id", n)
	if err != nil {
		return nil, fmt.Errorf("querying items of changeset %d: %w", n, err)
	}
	defer rows.Close()

	var items []*asset.Item
	for rows.Next() {
		it, err := scanServer(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning server item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
