package testutil

import (
	"testing"

	"assetsync/internal/cache"
)

// NewTestCache creates an in-memory configuration cache with the schema
// applied. The cache is closed when the test completes.
func NewTestCache(t *testing.T) *cache.SQLiteCache {
	t.Helper()

	c, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
