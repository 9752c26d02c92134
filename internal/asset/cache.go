package asset

// Cache is the local configuration cache: the working item of every asset
// and the server item versions per changeset.
//
// Lookups return (nil, nil) when nothing is recorded.
type Cache interface {
	ConfigurationSink

	// Working copy bookkeeping

	WorkingItem(id string) (*Item, error)
	WorkingChildren(parent string) ([]*Item, error)
	PutWorkingItem(item *Item) error

	// Server versions

	// ServerItem returns the newest version of id with a changeset at or
	// below changeset. A negative changeset selects the latest version.
	ServerItem(id string, changeset int) (*Item, error)

	// AllIDs lists every identifier known locally or on the server.
	AllIDs() ([]string, error)

	// Changes returns, for each candidate whose working item differs from
	// its server version at changeset, the server item (or the working
	// item when the server has none).
	Changes(ids []string, changeset int) ([]*Item, error)

	// OtherNamesInDirectory returns the names used in parent by working
	// items and latest server items, excluding exceptID.
	OtherNamesInDirectory(parent, exceptID string) ([]string, error)

	// PathNameConflict returns the identifier of a different asset that
	// occupies the location id is headed to, or that id's working item
	// occupies on the server. Empty when there is none.
	PathNameConflict(id string) (string, error)

	// Deletion tracking

	// IsDeleted reports whether the latest server version of id is in the trash.
	IsDeleted(id string) (bool, error)

	// HasDeletionConflict reports whether id is deleted on the server while
	// live local items still live underneath it.
	HasDeletionConflict(id string) (bool, error)

	// RecordDeleted remembers the last live state of an item moved to trash.
	RecordDeleted(item *Item) error
	DeletedItem(id string) (*Item, error)

	AddPendingDeletion(id string) error
	IsPendingDeletion(id string) (bool, error)
	PendingDeletions() ([]string, error)
	ClearPendingDeletion(id string) error

	// Sync position

	DownloadedChangeset() (int, error)
	SetDownloadedChangeset(n int) error

	// Changesets returns the newest limit changesets, newest first.
	Changesets(limit int) ([]*Changeset, error)

	// BeginBatch opens a write window that CommitBatch persists.
	BeginBatch() error
	CommitBatch() error
}
