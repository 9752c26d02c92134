package testutil

import (
	"assetsync/internal/store"
)

// NewTestStore creates an in-memory changeset store. Clients built on the
// same store see each other's commits.
func NewTestStore() *store.MemoryStore {
	return store.NewMemoryStore("test-server")
}
