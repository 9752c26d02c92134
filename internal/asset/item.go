package asset

import "fmt"

// RootID is the parent identifier of every top-level asset.
const RootID = "00000000-0000-0000-0000-000000000000"

// TrashID is the reserved parent identifier of deleted assets. Deletion never
// frees an identifier; the item is moved under TrashID instead.
const TrashID = "00000000-0000-0000-0000-0000000000de"

// ProvisionalChangeset marks a working item that has never been committed.
const ProvisionalChangeset = -1

// ItemType distinguishes files from directories.
type ItemType int

const (
	File ItemType = iota
	Directory
)

func (t ItemType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	default:
		return "unknown"
	}
}

// ParseItemType is the inverse of ItemType.String.
func ParseItemType(s string) (ItemType, error) {
	switch s {
	case "file":
		return File, nil
	case "directory":
		return Directory, nil
	default:
		return File, fmt.Errorf("unknown item type: %q", s)
	}
}

// Origin records where a working item's bookkeeping came from.
type Origin int

const (
	LocalOnly Origin = iota
	FromServer
)

// Item is one versioned record of an asset: its identity, location, and content
// fingerprint at a given changeset.
type Item struct {
	ID        string
	Name      string
	Parent    string
	Changeset int
	Digest    string
	Type      ItemType
	Origin    Origin
}

// IsDeleted reports whether the item lives in the trash.
func (i *Item) IsDeleted() bool {
	return i.Parent == TrashID
}

// IsDir reports whether the item is a directory.
func (i *Item) IsDir() bool {
	return i.Type == Directory
}

// Clone returns a copy of the item. Nil stays nil.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// SameLocation reports whether both items share parent and name.
func (i *Item) SameLocation(o *Item) bool {
	return i.Parent == o.Parent && i.Name == o.Name
}

// SameContent reports whether both items carry the same bytes. Directories
// have no meaningful digest and always compare equal.
func (i *Item) SameContent(o *Item) bool {
	if i.Type != o.Type {
		return false
	}
	if i.Type == Directory {
		return true
	}
	return i.Digest == o.Digest
}

// sameState compares everything that constitutes a version of an asset.
func (i *Item) sameState(o *Item) bool {
	return i.SameLocation(o) && i.SameContent(o)
}

func (i *Item) String() string {
	return fmt.Sprintf("%s %s/%s@%d", i.Type, i.Parent, i.Name, i.Changeset)
}

// StreamKind names one of the byte streams that make up an asset.
type StreamKind int

const (
	Content StreamKind = iota
	ResourceFork
	BinaryMeta
	TextMeta
)

// StreamKinds lists every kind in wire order.
var StreamKinds = []StreamKind{Content, ResourceFork, BinaryMeta, TextMeta}

func (k StreamKind) String() string {
	switch k {
	case Content:
		return "asset"
	case ResourceFork:
		return "resource-fork"
	case BinaryMeta:
		return "meta-binary"
	case TextMeta:
		return "meta-text"
	default:
		return "unknown"
	}
}

// ParseStreamKind is the inverse of StreamKind.String.
func ParseStreamKind(s string) (StreamKind, error) {
	for _, k := range StreamKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return Content, fmt.Errorf("unknown stream kind: %q", s)
}

// Streams maps each present stream kind to a local file holding its bytes.
type Streams map[StreamKind]string
