package testutil

import (
	"testing"

	"assetsync/internal/staging"
)

const (
	// DefaultStagingMaxSize is the default max size for test spools (10MB).
	DefaultStagingMaxSize = 10 * 1024 * 1024
)

// NewTestSpool creates an in-memory commit spool that is cleared when the
// test completes.
func NewTestSpool(t *testing.T) *staging.Spool {
	return NewTestSpoolWithSize(t, DefaultStagingMaxSize)
}

// NewTestSpoolWithSize creates an in-memory spool with a custom max size.
func NewTestSpoolWithSize(t *testing.T, maxSize int64) *staging.Spool {
	t.Helper()
	sp := staging.NewMemorySpool(maxSize)
	t.Cleanup(func() { sp.Clear() })
	return sp
}
