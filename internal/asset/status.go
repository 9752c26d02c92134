package asset

import "fmt"

// Status is the derived synchronization state of one asset.
type Status int

const (
	Calculating Status = iota
	ClientOnly
	ServerOnly
	Unchanged
	Conflict
	Same
	NewVersionAvailable
	NewLocalVersion
	RestoredFromTrash
	Ignored
	BadState
)

var statusNames = [...]string{
	Calculating:         "calculating",
	ClientOnly:          "client-only",
	ServerOnly:          "server-only",
	Unchanged:           "unchanged",
	Conflict:            "conflict",
	Same:                "same",
	NewVersionAvailable: "new-version-available",
	NewLocalVersion:     "new-local-version",
	RestoredFromTrash:   "restored-from-trash",
	Ignored:             "ignored",
	BadState:            "bad-state",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ItemStatus carries the overall status along with independent sub-statuses
// for the parent, name and digest fields.
type ItemStatus struct {
	Overall Status
	Parent  Status
	Name    Status
	Digest  Status
}

// Moved reports whether either side relocated the item.
func (s ItemStatus) Moved() bool {
	return s.Parent != Unchanged || s.Name != Unchanged
}

// Classify maps an (ancestor, working, server) triple to a Status. The
// ancestor is the server version the working item was last synchronized with.
func Classify(ancestor, working, server *Item) Status {
	return classify(ancestor, working, server, (*Item).sameState)
}

// ClassifyItem computes the overall status plus per-field sub-statuses.
func ClassifyItem(ancestor, working, server *Item) ItemStatus {
	return ItemStatus{
		Overall: Classify(ancestor, working, server),
		Parent: classify(ancestor, working, server, func(a, b *Item) bool {
			return a.Parent == b.Parent
		}),
		Name: classify(ancestor, working, server, func(a, b *Item) bool {
			return a.Name == b.Name
		}),
		Digest: classify(ancestor, working, server, (*Item).SameContent),
	}
}

func classify(ancestor, working, server *Item, equal func(a, b *Item) bool) Status {
	switch {
	case working == nil && server == nil:
		return BadState
	case working == nil:
		return ServerOnly
	case server == nil:
		if ancestor == nil {
			return ClientOnly
		}
		// A synchronized item can not vanish from the server.
		return BadState
	case ancestor == nil:
		// Both sides created the same identifier independently.
		if equal(working, server) {
			return Same
		}
		return Conflict
	}

	if ancestor.IsDeleted() && server.IsDeleted() && !working.IsDeleted() {
		return RestoredFromTrash
	}

	localChanged := !equal(ancestor, working)
	serverChanged := !equal(ancestor, server)
	switch {
	case !localChanged && !serverChanged:
		return Unchanged
	case localChanged && !serverChanged:
		return NewLocalVersion
	case !localChanged && serverChanged:
		return NewVersionAvailable
	case equal(working, server):
		return Same
	default:
		return Conflict
	}
}

// DownloadResolution is the caller's decision for one conflicted asset.
type DownloadResolution int

const (
	Unresolved DownloadResolution = iota
	SkipAsset
	// TrashServerChanges keeps the local version.
	TrashServerChanges
	// TrashMyChanges takes the server version.
	TrashMyChanges
	Merge
)

func (r DownloadResolution) String() string {
	switch r {
	case Unresolved:
		return "unresolved"
	case SkipAsset:
		return "skip"
	case TrashServerChanges:
		return "local"
	case TrashMyChanges:
		return "server"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// ParseDownloadResolution parses the names produced by String.
func ParseDownloadResolution(s string) (DownloadResolution, error) {
	for r := SkipAsset; r <= Merge; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return Unresolved, fmt.Errorf("unknown resolution %q (want skip, local, server or merge)", s)
}

// NameConflictResolution decides which side is renamed when two different
// identifiers claim the same parent and name.
type NameConflictResolution int

const (
	NameUnresolved NameConflictResolution = iota
	RenameLocal
	RenameServer
)

func (r NameConflictResolution) String() string {
	switch r {
	case NameUnresolved:
		return "unresolved"
	case RenameLocal:
		return "rename-local"
	case RenameServer:
		return "rename-server"
	default:
		return fmt.Sprintf("name-resolution(%d)", int(r))
	}
}
