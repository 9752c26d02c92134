package asset

import "context"

// Locator maps asset identifiers to working-tree paths. Paths are slash
// separated and relative to the workspace root.
type Locator interface {
	// PathFromID returns the current path of id, or ErrNotFound.
	PathFromID(id string) (string, error)

	// IDFromPath returns the asset at path, or "" if none.
	IDFromPath(path string) (string, error)

	// DefinePath binds path to id so later imports keep the identifier.
	DefinePath(path, id string) error

	// Move relocates id on disk and in the working bookkeeping. Moving to
	// TrashID removes the item from the working tree.
	Move(id, newParent, newName string) error
}

// Workspace adds the file primitives used to materialize assets.
type Workspace interface {
	Locator

	Exists(path string) bool
	IsEmptyDir(path string) (bool, error)
	Mkdir(path string) error

	// Names lists the entries of the directory at dir ("" is the root).
	Names(dir string) ([]string, error)

	// WriteStreams replaces the content at path with the given streams.
	WriteStreams(path string, streams Streams) error

	// StreamsFor returns the local stream files of id.
	StreamsFor(id string) (Streams, error)
}

// ImportFlags tune an import pass.
type ImportFlags int

const (
	ImportForceUpdate ImportFlags = 1 << iota
	ImportRecursive

	ImportDefault ImportFlags = 0
)

// Importer turns on-disk changes into working-item bookkeeping.
type Importer interface {
	// SetAutoImport enables or pauses background imports triggered by
	// file-system events.
	SetAutoImport(enabled bool)

	// Import rescans paths now. Empty paths rescans the whole tree.
	Import(ctx context.Context, paths []string, flags ImportFlags) error

	// Thumbnail returns a preview image path for path, or "".
	Thumbnail(path string) string
}

// IgnoreMatcher reports paths excluded from versioning.
type IgnoreMatcher interface {
	Ignored(path string) bool
}

// Stager snapshots the streams of an asset before upload so later edits to
// the working tree can not leak into a commit.
type Stager interface {
	// Stage copies streams aside and verifies the content digest.
	Stage(id string, streams Streams, digest string) (Streams, error)

	// Clear drops every staged snapshot.
	Clear() error
}
