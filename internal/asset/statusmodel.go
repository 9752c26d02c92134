package asset

import "fmt"

// StatusModel resolves the (ancestor, working, server) triple of an asset
// from the cache and classifies it.
type StatusModel struct {
	cache   Cache
	locator Locator
	ignore  IgnoreMatcher
}

func NewStatusModel(cache Cache, locator Locator, ignore IgnoreMatcher) *StatusModel {
	return &StatusModel{cache: cache, locator: locator, ignore: ignore}
}

// Triple loads the ancestor, working and server items of id. The server item
// is the newest version at or below changeset; a negative changeset selects
// the latest.
func (m *StatusModel) Triple(id string, changeset int) (ancestor, working, server *Item, err error) {
	working, err = m.cache.WorkingItem(id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading working item %s: %w", id, err)
	}
	server, err = m.cache.ServerItem(id, changeset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading server item %s: %w", id, err)
	}
	if working != nil && working.Changeset > 0 {
		ancestor, err = m.cache.ServerItem(id, working.Changeset)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading ancestor of %s: %w", id, err)
		}
	}
	return ancestor, working, server, nil
}

// Status classifies id against the server version at changeset.
func (m *StatusModel) Status(id string, changeset int) (ItemStatus, error) {
	ancestor, working, server, err := m.Triple(id, changeset)
	if err != nil {
		return ItemStatus{}, err
	}
	if m.isIgnored(id, working) {
		return ItemStatus{Overall: Ignored, Parent: Ignored, Name: Ignored, Digest: Ignored}, nil
	}
	return ClassifyItem(ancestor, working, server), nil
}

func (m *StatusModel) isIgnored(id string, working *Item) bool {
	if m.ignore == nil || working == nil || working.IsDeleted() {
		return false
	}
	path, err := m.locator.PathFromID(id)
	if err != nil {
		return false
	}
	return m.ignore.Ignored(path)
}
