package asset

import (
	"context"
	"time"
)

// ConnectionParams identifies the remote changeset store and the credentials
// used to reach it.
type ConnectionParams struct {
	Host     string
	Project  string
	Password string
}

// Changeset is one committed batch of item versions on the server.
type Changeset struct {
	Number      int
	Description string
	User        string
	Date        time.Time
	Items       []*Item
}

// DownloadRequest asks for the streams of one item version. DownloadItems
// fills Streams with local paths holding the downloaded bytes.
type DownloadRequest struct {
	ID        string
	Changeset int
	Streams   Streams
}

// UploadItem is one entry of an outgoing changeset. When ReusePrevious is
// set the server keeps the streams of the item's previous version and only
// the bookkeeping (name, parent) changes.
type UploadItem struct {
	Item          *Item
	Streams       Streams
	ReusePrevious bool
}

// ProgressSink receives transfer progress. A total below zero means the size
// is unknown; the pair (-1, -1) means the transfer is finishing up.
type ProgressSink interface {
	OnProgress(done, total int64, label string)
}

// ProgressFunc adapts a function to a ProgressSink.
type ProgressFunc func(done, total int64, label string)

func (f ProgressFunc) OnProgress(done, total int64, label string) { f(done, total, label) }

// ConfigurationSink receives changesets newer than the ones it already holds.
type ConfigurationSink interface {
	// KnownChangeset returns the newest changeset number the sink holds, or 0.
	KnownChangeset() (int, error)

	// AddChangeset records a changeset and all of its item versions.
	AddChangeset(cs *Changeset) error
}

// Backend is the transport to the remote changeset store.
type Backend interface {
	// Connect establishes a session for the given user. Later calls replace
	// the session.
	Connect(ctx context.Context, user string, conn ConnectionParams) error

	// GetLatestChangeset returns the newest changeset number on the server.
	GetLatestChangeset(ctx context.Context) (int, error)

	// UpdateConfiguration pushes every changeset the sink does not know yet.
	UpdateConfiguration(ctx context.Context, sink ConfigurationSink) error

	// DownloadItems fetches the streams of each request into destDir.
	DownloadItems(ctx context.Context, reqs []*DownloadRequest, destDir string, sink ProgressSink) error

	// UploadChangeset commits items as a new changeset and returns its number.
	UploadChangeset(ctx context.Context, items []*UploadItem, description string, sink ProgressSink) (int, error)
}

// Entitlements reports which licensed features are available.
type Entitlements interface {
	AssetServerEnabled() bool
}

// AlwaysEntitled enables every feature.
type AlwaysEntitled struct{}

func (AlwaysEntitled) AssetServerEnabled() bool { return true }

// Merger performs a three-way content merge, writing the result to output.
type Merger interface {
	Merge(ctx context.Context, ancestor, local, remote, output string) error
}
