package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFile is read from the workspace root.
const IgnoreFile = ".assetsyncignore"

// defaultIgnorePatterns are always applied regardless of config or the
// ignore file.
var defaultIgnorePatterns = []string{StateDir, "*" + MetaSuffix, IgnoreFile, ".tmp-*"}

type ignorePattern struct {
	pattern   string
	matchPath bool // match against the relative path instead of each component
}

// IgnoreMatcher excludes paths from versioning. Patterns without '/' match
// any single path component, so "Library" ignores everything below a
// Library directory. Patterns with '/' match the whole relative path.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings plus the
// defaults. Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range append(append([]string(nil), defaultIgnorePatterns...), rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Ignored reports whether the slash separated relative path is excluded.
func (m *IgnoreMatcher) Ignored(relativePath string) bool {
	normalized := strings.Trim(filepath.ToSlash(relativePath), "/")
	if normalized == "" {
		return false
	}
	parts := strings.Split(normalized, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			if matched, err := filepath.Match(p.pattern, normalized); err == nil && matched {
				return true
			}
			continue
		}
		for _, part := range parts {
			// Bad patterns never match.
			if matched, err := filepath.Match(p.pattern, part); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern lines.
// A missing file yields no patterns and no error.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}

// LoadIgnoreMatcher combines configured patterns with the root's ignore file.
func LoadIgnoreMatcher(root string, configured []string) (*IgnoreMatcher, error) {
	fromFile, err := ParseIgnoreFile(filepath.Join(root, IgnoreFile))
	if err != nil {
		return nil, err
	}
	return NewIgnoreMatcher(append(append([]string(nil), configured...), fromFile...)), nil
}
