// Package merge provides the three-way content mergers used when an update
// keeps both local and server edits of a file.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"assetsync/internal/asset"
)

var (
	ErrBinary   = errors.New("merge: binary content can not be merged as text")
	ErrConflict = errors.New("merge: local changes do not apply cleanly")
)

// diffCleanupThreshold is the diff count above which semantic cleanup runs.
const diffCleanupThreshold = 2

// TextMerger computes the patch from ancestor to local and applies it onto
// remote. Hunks that do not apply are dropped with a warning, or fail the
// merge when Strict is set.
type TextMerger struct {
	Strict bool
	Logger asset.Logger
}

var _ asset.Merger = (*TextMerger)(nil)

func (m *TextMerger) Merge(ctx context.Context, ancestor, local, remote, output string) error {
	texts := make([]string, 3)
	for i, path := range []string{ancestor, local, remote} {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading merge input: %w", err)
		}
		if !isText(data) {
			return fmt.Errorf("%s: %w", path, ErrBinary)
		}
		texts[i] = string(data)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	base, mine, theirs := texts[0], texts[1], texts[2]

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, mine, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, theirs)

	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		if m.Strict {
			return fmt.Errorf("%d of %d hunks: %w", failed, len(applied), ErrConflict)
		}
		if m.Logger != nil {
			m.Logger.Warn("merge hunks dropped", "output", output, "failed", failed, "total", len(applied))
		}
	}
	return os.WriteFile(output, []byte(merged), 0o644)
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// CommandMerger runs an external merge tool. The placeholders {ancestor},
// {local}, {remote} and {output} in Argv are replaced by the file paths.
type CommandMerger struct {
	Argv []string
}

var _ asset.Merger = (*CommandMerger)(nil)

func (m *CommandMerger) Merge(ctx context.Context, ancestor, local, remote, output string) error {
	if len(m.Argv) == 0 {
		return errors.New("merge: no command configured")
	}
	r := strings.NewReplacer("{ancestor}", ancestor, "{local}", local, "{remote}", remote, "{output}", output)
	argv := make([]string, len(m.Argv))
	for i, arg := range m.Argv {
		argv[i] = r.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w: %s", argv[0], err, strings.TrimSpace(out.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("merge tool %s wrote no output: %w", argv[0], err)
	}
	return nil
}
