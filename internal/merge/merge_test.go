package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"assetsync/internal/config"
)

type inputs struct {
	ancestor, local, remote, output string
}

func writeInputs(t *testing.T, ancestor, local, remote string) inputs {
	t.Helper()
	dir := t.TempDir()
	in := inputs{
		ancestor: filepath.Join(dir, "ancestor"),
		local:    filepath.Join(dir, "local"),
		remote:   filepath.Join(dir, "remote"),
		output:   filepath.Join(dir, "output"),
	}
	for path, content := range map[string]string{in.ancestor: ancestor, in.local: local, in.remote: remote} {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return in
}

func run(m interface {
	Merge(ctx context.Context, ancestor, local, remote, output string) error
}, in inputs) error {
	return m.Merge(context.Background(), in.ancestor, in.local, in.remote, in.output)
}

func readOutput(t *testing.T, in inputs) string {
	t.Helper()
	data, err := os.ReadFile(in.output)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	return string(data)
}

const base = "title = \"Level 1\"\n\n[spawn]\nx = 10\ny = 20\n\n[music]\ntrack = \"intro.ogg\"\nvolume = 0.8\n"

func TestTextMerger(t *testing.T) {
	t.Run("keeps both sides of disjoint edits", func(t *testing.T) {
		t.Parallel()
		local := "title = \"Level One\"\n\n[spawn]\nx = 10\ny = 20\n\n[music]\ntrack = \"intro.ogg\"\nvolume = 0.8\n"
		remote := "title = \"Level 1\"\n\n[spawn]\nx = 10\ny = 20\n\n[music]\ntrack = \"intro.ogg\"\nvolume = 0.5\n"
		in := writeInputs(t, base, local, remote)

		if err := run(&TextMerger{}, in); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		want := "title = \"Level One\"\n\n[spawn]\nx = 10\ny = 20\n\n[music]\ntrack = \"intro.ogg\"\nvolume = 0.5\n"
		if got := readOutput(t, in); got != want {
			t.Errorf("merged =\n%s\nwant\n%s", got, want)
		}
	})

	t.Run("unchanged local yields remote", func(t *testing.T) {
		t.Parallel()
		remote := base + "[fog]\ndensity = 1\n"
		in := writeInputs(t, base, base, remote)
		if err := run(&TextMerger{}, in); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if got := readOutput(t, in); got != remote {
			t.Errorf("merged = %q, want remote", got)
		}
	})

	t.Run("rejects binary input", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, base, "PNG\x00\x01", base)
		if err := run(&TextMerger{}, in); !errors.Is(err, ErrBinary) {
			t.Errorf("Merge() error = %v, want ErrBinary", err)
		}
	})

	t.Run("strict fails when a hunk does not apply", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, "alpha beta gamma delta", "alpha BETA gamma delta", "0123456789 0123456789 0123456789")
		if err := run(&TextMerger{Strict: true}, in); !errors.Is(err, ErrConflict) {
			t.Errorf("Merge() error = %v, want ErrConflict", err)
		}
	})

	t.Run("missing input", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, base, base, base)
		in.remote = filepath.Join(t.TempDir(), "nope")
		if err := run(&TextMerger{}, in); err == nil {
			t.Error("Merge() with missing input succeeded")
		}
	})
}

func TestCommandMerger(t *testing.T) {
	t.Run("substitutes placeholders", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, "a", "b", "c")
		m := &CommandMerger{Argv: []string{"cp", "{remote}", "{output}"}}
		if err := run(m, in); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
		if got := readOutput(t, in); got != "c" {
			t.Errorf("output = %q, want c", got)
		}
	})

	t.Run("reports tool failure", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, "a", "b", "c")
		if err := run(&CommandMerger{Argv: []string{"false"}}, in); err == nil {
			t.Error("Merge() with failing tool succeeded")
		}
	})

	t.Run("requires output", func(t *testing.T) {
		t.Parallel()
		in := writeInputs(t, "a", "b", "c")
		if err := run(&CommandMerger{Argv: []string{"true"}}, in); err == nil {
			t.Error("Merge() without output succeeded")
		}
	})

	t.Run("empty command", func(t *testing.T) {
		t.Parallel()
		if err := run(&CommandMerger{}, writeInputs(t, "a", "b", "c")); err == nil {
			t.Error("Merge() with empty command succeeded")
		}
	})
}

func TestNewMergerFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MergeConfig
		want    string
		wantErr bool
	}{
		{"default", config.MergeConfig{}, "text", false},
		{"text", config.MergeConfig{Type: "text"}, "text", false},
		{"strict", config.MergeConfig{Type: "strict-text"}, "strict", false},
		{"command", config.MergeConfig{Type: "command", Command: []string{"meld", "{local}"}}, "command", false},
		{"command without argv", config.MergeConfig{Type: "command"}, "", true},
		{"unknown", config.MergeConfig{Type: "magic"}, "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewMergerFromConfig(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMergerFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got string
			switch v := m.(type) {
			case *TextMerger:
				got = "text"
				if v.Strict {
					got = "strict"
				}
			case *CommandMerger:
				got = "command"
			}
			if got != tt.want {
				t.Errorf("merger kind = %q, want %q", got, tt.want)
			}
		})
	}
}
