// Package backend implements asset.Backend on top of a store.Store.
//
// The store layout is:
//
//	blobs/<sha256>             stream contents, content addressed
//	changesets/<n>.toml        one manifest per changeset
//	HEAD                       newest changeset number (advisory)
//
// A changeset number is claimed by writing its manifest with PutIfAbsent, so
// two clients racing for the same number cannot both win.
package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"assetsync/internal/asset"
	"assetsync/internal/store"
)

const headKey = "HEAD"

// DialFunc opens the store for a user and connection.
type DialFunc func(ctx context.Context, user string, conn asset.ConnectionParams) (store.Store, error)

// Backend speaks the changeset protocol over a Store.
type Backend struct {
	dial   DialFunc
	clock  asset.Clock
	logger asset.Logger

	mu        sync.Mutex
	store     store.Store
	user      string
	synced    int // newest changeset delivered by UpdateConfiguration
	manifests map[int]*manifest
}

var _ asset.Backend = (*Backend)(nil)

func New(dial DialFunc, clock asset.Clock, logger asset.Logger) *Backend {
	if clock == nil {
		clock = asset.RealClock{}
	}
	if logger == nil {
		logger = asset.NewNopLogger()
	}
	return &Backend{dial: dial, clock: clock, logger: logger}
}

// StaticDial returns a DialFunc that always hands out s.
func StaticDial(s store.Store) DialFunc {
	return func(context.Context, string, asset.ConnectionParams) (store.Store, error) {
		return s, nil
	}
}

func (b *Backend) Connect(ctx context.Context, user string, conn asset.ConnectionParams) error {
	s, err := b.dial(ctx, user, conn)
	if err != nil {
		return fmt.Errorf("connecting to %s/%s: %w", conn.Host, conn.Project, err)
	}
	if err := s.ValidateSetup(ctx); err != nil {
		return fmt.Errorf("validating %s/%s: %w", conn.Host, conn.Project, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = s
	b.user = user
	b.synced = 0
	b.manifests = make(map[int]*manifest)
	b.logger.Info("connected", "host", conn.Host, "project", conn.Project, "user", user)
	return nil
}

func (b *Backend) session() (store.Store, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		return nil, "", asset.ErrOffline
	}
	return b.store, b.user, nil
}

func (b *Backend) GetLatestChangeset(ctx context.Context) (int, error) {
	s, _, err := b.session()
	if err != nil {
		return 0, err
	}
	return latestChangeset(ctx, s)
}

// latestChangeset starts at HEAD and steps forward, since HEAD is written
// after the manifest and can lag behind.
func latestChangeset(ctx context.Context, s store.Store) (int, error) {
	var buf bytes.Buffer
	n := 0
	err := s.Get(ctx, headKey, &buf)
	switch {
	case err == nil:
		n, err = strconv.Atoi(strings.TrimSpace(buf.String()))
		if err != nil {
			return 0, fmt.Errorf("parsing HEAD %q: %w", buf.String(), err)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return 0, fmt.Errorf("reading HEAD: %w", err)
	}

	for {
		ok, err := s.Exists(ctx, changesetKey(n+1))
		if err != nil {
			return 0, fmt.Errorf("probing changeset %d: %w", n+1, err)
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (b *Backend) loadManifest(ctx context.Context, s store.Store, n int) (*manifest, error) {
	b.mu.Lock()
	m, ok := b.manifests[n]
	b.mu.Unlock()
	if ok {
		return m, nil
	}

	var buf bytes.Buffer
	if err := s.Get(ctx, changesetKey(n), &buf); err != nil {
		return nil, fmt.Errorf("reading changeset %d: %w", n, err)
	}
	m, err := decodeManifest(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("changeset %d: %w", n, err)
	}
	if m.Number != n {
		return nil, fmt.Errorf("changeset %d: manifest claims number %d", n, m.Number)
	}

	b.mu.Lock()
	if b.manifests != nil {
		b.manifests[n] = m
	}
	b.mu.Unlock()
	return m, nil
}

// ChangesetsSince returns every changeset newer than n, oldest first.
func (b *Backend) ChangesetsSince(ctx context.Context, n int) ([]*asset.Changeset, error) {
	s, _, err := b.session()
	if err != nil {
		return nil, err
	}
	latest, err := latestChangeset(ctx, s)
	if err != nil {
		return nil, err
	}
	var out []*asset.Changeset
	for i := n + 1; i <= latest; i++ {
		m, err := b.loadManifest(ctx, s, i)
		if err != nil {
			return nil, err
		}
		cs, err := m.changeset()
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, nil
}

func (b *Backend) UpdateConfiguration(ctx context.Context, sink asset.ConfigurationSink) error {
	known, err := sink.KnownChangeset()
	if err != nil {
		return fmt.Errorf("reading known changeset: %w", err)
	}
	changesets, err := b.ChangesetsSince(ctx, known)
	if err != nil {
		return err
	}
	latest := known
	for _, cs := range changesets {
		if err := sink.AddChangeset(cs); err != nil {
			return fmt.Errorf("recording changeset %d: %w", cs.Number, err)
		}
		latest = cs.Number
	}

	b.mu.Lock()
	b.synced = latest
	b.mu.Unlock()
	if len(changesets) > 0 {
		b.logger.Debug("configuration updated", "from", known, "to", latest)
	}
	return nil
}

// findItem returns the newest manifest entry of id at or before changeset.
func (b *Backend) findItem(ctx context.Context, s store.Store, id string, changeset int) (*manifestItem, int, error) {
	for n := changeset; n > 0; n-- {
		m, err := b.loadManifest(ctx, s, n)
		if err != nil {
			return nil, 0, err
		}
		if mi := m.item(id); mi != nil {
			return mi, n, nil
		}
	}
	return nil, 0, fmt.Errorf("item %s not found at or before changeset %d: %w", id, changeset, asset.ErrNotFound)
}

// DownloadItems writes every stream of each request to
// destDir/<id>-<changeset>/<kind> and verifies its digest.
func (b *Backend) DownloadItems(ctx context.Context, reqs []*asset.DownloadRequest, destDir string, sink asset.ProgressSink) error {
	s, _, err := b.session()
	if err != nil {
		return err
	}

	type job struct {
		req  *asset.DownloadRequest
		name string
		item *manifestItem
	}
	jobs := make([]job, 0, len(reqs))
	var total int64
	for _, req := range reqs {
		mi, _, err := b.findItem(ctx, s, req.ID, req.Changeset)
		if err != nil {
			return err
		}
		for _, st := range mi.Streams {
			total += st.Size
		}
		jobs = append(jobs, job{req: req, name: mi.Name, item: mi})
	}

	var done int64
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := filepath.Join(destDir, fmt.Sprintf("%s-%d", j.req.ID, j.req.Changeset))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating download dir: %w", err)
		}
		j.req.Streams = make(asset.Streams)
		for _, st := range j.item.Streams {
			kind, err := asset.ParseStreamKind(st.Kind)
			if err != nil {
				return fmt.Errorf("item %s: %w", j.req.ID, err)
			}
			path := filepath.Join(dir, kind.String())
			progress := func(n int64) { sink.OnProgress(done+n, total, j.name) }
			if err := fetchBlob(ctx, s, st, path, progress); err != nil {
				return fmt.Errorf("downloading %s (%s): %w", j.name, kind, err)
			}
			done += st.Size
			j.req.Streams[kind] = path
		}
		sink.OnProgress(done, total, j.name)
	}
	sink.OnProgress(-1, -1, "")
	b.logger.Debug("downloaded items", "count", len(reqs), "bytes", total)
	return nil
}

func fetchBlob(ctx context.Context, s store.Store, st manifestStream, path string, progress func(int64)) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	w := &progressWriter{w: io.MultiWriter(tmp, h), report: progress}
	if err := s.Get(ctx, blobKey(st.Digest), w); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != st.Digest {
		return fmt.Errorf("blob %s hashed to %s: %w", st.Digest, got, asset.ErrContentIntegrity)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}
	return nil
}

// UploadChangeset uploads the blobs of every item and claims the next
// changeset number. A number lost to a changeset that touches one of the
// same items returns asset.ErrNotUpToDate; unrelated changesets are skipped.
func (b *Backend) UploadChangeset(ctx context.Context, items []*asset.UploadItem, description string, sink asset.ProgressSink) (int, error) {
	s, user, err := b.session()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("uploading changeset: %w", asset.ErrNothingToDo)
	}

	b.mu.Lock()
	base := b.synced
	b.mu.Unlock()
	if base == 0 {
		if base, err = latestChangeset(ctx, s); err != nil {
			return 0, err
		}
	}

	var total int64
	for _, u := range items {
		for _, path := range u.Streams {
			if info, err := os.Stat(path); err == nil {
				total += info.Size()
			}
		}
	}

	m := &manifest{
		Description: description,
		User:        user,
		Time:        b.clock.Now().UTC(),
	}
	ids := make(map[string]bool, len(items))
	var done int64
	for _, u := range items {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		it := u.Item
		ids[it.ID] = true
		mi := manifestItem{ID: it.ID, Name: it.Name, Parent: it.Parent, Type: it.Type.String()}

		switch {
		case u.ReusePrevious && !it.IsDir():
			prev, _, err := b.findItem(ctx, s, it.ID, base)
			if err != nil {
				return 0, fmt.Errorf("reusing previous version of %s: %w", it.Name, err)
			}
			mi.Digest = prev.Digest
			mi.Streams = append(mi.Streams, prev.Streams...)
		case !it.IsDir():
			for _, kind := range asset.StreamKinds {
				path, ok := u.Streams[kind]
				if !ok {
					continue
				}
				progress := func(n int64) { sink.OnProgress(done+n, total, it.Name) }
				st, err := putBlob(ctx, s, kind, path, progress)
				if err != nil {
					return 0, fmt.Errorf("uploading %s (%s): %w", it.Name, kind, err)
				}
				done += st.Size
				mi.Streams = append(mi.Streams, st)
			}
			content := mi.stream(asset.Content)
			if content == nil {
				return 0, fmt.Errorf("uploading %s: %w", it.Name, asset.ErrContentIntegrity)
			}
			if it.Digest != "" && it.Digest != content.Digest {
				return 0, fmt.Errorf("%s changed after it was scanned: %w", it.Name, asset.ErrContentIntegrity)
			}
			mi.Digest = content.Digest
		}
		m.Items = append(m.Items, mi)
		sink.OnProgress(done, total, it.Name)
	}

	sink.OnProgress(-1, -1, "")
	n, err := b.claim(ctx, s, m, base, ids)
	if err != nil {
		return 0, err
	}
	b.logger.Info("changeset uploaded", "changeset", n, "items", len(items), "user", user)
	return n, nil
}

func (b *Backend) claim(ctx context.Context, s store.Store, m *manifest, base int, ids map[string]bool) (int, error) {
	for n := base + 1; ; n++ {
		m.Number = n
		data, err := encodeManifest(m)
		if err != nil {
			return 0, err
		}
		ok, err := s.PutIfAbsent(ctx, changesetKey(n), bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return 0, fmt.Errorf("claiming changeset %d: %w", n, err)
		}
		if ok {
			head := strconv.Itoa(n)
			if err := s.Put(ctx, headKey, strings.NewReader(head), int64(len(head))); err != nil {
				b.logger.Warn("failed to advance HEAD", "changeset", n, "error", err)
			}
			return n, nil
		}

		other, err := b.loadManifest(ctx, s, n)
		if err != nil {
			return 0, err
		}
		for _, mi := range other.Items {
			if ids[mi.ID] {
				return 0, fmt.Errorf("changeset %d by %s also changed %s: %w", n, other.User, mi.Name, asset.ErrNotUpToDate)
			}
		}
		b.logger.Debug("changeset number taken, retrying", "changeset", n)
	}
}

func putBlob(ctx context.Context, s store.Store, kind asset.StreamKind, path string, progress func(int64)) (manifestStream, error) {
	digest, err := asset.FileDigest(path)
	if err != nil {
		return manifestStream{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return manifestStream{}, fmt.Errorf("stat %s: %w", path, err)
	}
	st := manifestStream{Kind: kind.String(), Digest: digest, Size: info.Size()}

	exists, err := s.Exists(ctx, blobKey(digest))
	if err != nil {
		return st, err
	}
	if exists {
		progress(st.Size)
		return st, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return st, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	r := &progressReader{r: f, report: progress}
	if err := s.Put(ctx, blobKey(digest), r, st.Size); err != nil {
		return st, err
	}
	return st, nil
}

type progressWriter struct {
	w      io.Writer
	n      int64
	report func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	p.report(p.n)
	return n, err
}

type progressReader struct {
	r      io.Reader
	n      int64
	report func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	p.report(p.n)
	return n, err
}
