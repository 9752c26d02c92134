package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"assetsync/internal/asset"
	"assetsync/internal/config"
)

// newTestApp builds an App over a fresh workspace talking to the filesystem
// server under serverRoot.
func newTestApp(t *testing.T, host, serverRoot string) (*App, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "work")
	cfg := config.NewConfig(host, base, root)
	cfg.Cache.Type = "memory"
	cfg.Staging.Type = "memory"
	cfg.Server.FSRoot = serverRoot
	cfg.Server.Project = "game"
	cfg.Server.User = host

	a, err := New(cfg, "test", io.Discard)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, root
}

func TestApp_CommitThenUpdate(t *testing.T) {
	ctx := context.Background()
	server := t.TempDir()
	alice, aliceRoot := newTestApp(t, "alice", server)
	bob, bobRoot := newTestApp(t, "bob", server)

	if err := os.MkdirAll(filepath.Join(aliceRoot, "art"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(aliceRoot, "art", "hero.txt"), []byte("hero v1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := alice.Commit(ctx, CommitRequest{Message: "add hero"})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Commit() changeset = %d, want 1", n)
	}

	t.Run("nothing left to commit", func(t *testing.T) {
		_, err := alice.Commit(ctx, CommitRequest{Message: "again"})
		if !errors.Is(err, asset.ErrNothingToDo) {
			t.Errorf("second Commit() error = %v, want ErrNothingToDo", err)
		}
	})

	if err := bob.Update(ctx, UpdateRequest{Revision: -1}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(bobRoot, "art", "hero.txt"))
	if err != nil {
		t.Fatalf("updated file missing: %v", err)
	}
	if string(data) != "hero v1\n" {
		t.Errorf("updated content = %q", data)
	}

	t.Run("status after update", func(t *testing.T) {
		entries, err := bob.Status(ctx, Connection{}, nil)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		got := make(map[string]asset.Status)
		for _, e := range entries {
			got[e.Path] = e.Status.Overall
		}
		for _, p := range []string{"art", "art/hero.txt"} {
			if st, ok := got[p]; !ok || st != asset.Unchanged {
				t.Errorf("status of %s = %v (listed %v), want unchanged", p, st, ok)
			}
		}
	})

	t.Run("history", func(t *testing.T) {
		history, err := bob.History(ctx, Connection{}, 10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(history) != 1 {
			t.Fatalf("History() returned %d changesets, want 1", len(history))
		}
		if history[0].Number != 1 || history[0].Description != "add hero" || history[0].User != "alice" {
			t.Errorf("History()[0] = %+v", history[0])
		}
	})
}

func TestApp_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	server := t.TempDir()
	alice, aliceRoot := newTestApp(t, "alice", server)
	bob, bobRoot := newTestApp(t, "bob", server)
	write := func(root, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write(aliceRoot, "one\n")
	if _, err := alice.Commit(ctx, CommitRequest{Message: "notes"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := bob.Update(ctx, UpdateRequest{Revision: -1}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	write(aliceRoot, "one from alice\n")
	if _, err := alice.Commit(ctx, CommitRequest{Message: "alice edit"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	write(bobRoot, "one with bob's longer edit\n")

	err := bob.Update(ctx, UpdateRequest{Revision: -1})
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != asset.StageBegin {
		t.Fatalf("Update() error = %v, want a begin StageError", err)
	}
	if !errors.Is(err, asset.ErrConflictUnresolved) {
		t.Errorf("Update() error = %v, want ErrConflictUnresolved", err)
	}
	data, _ := os.ReadFile(filepath.Join(bobRoot, "notes.txt"))
	if string(data) != "one with bob's longer edit\n" {
		t.Errorf("local edit lost: %q", data)
	}

	if err := bob.Update(ctx, UpdateRequest{Revision: -1, Resolution: asset.TrashMyChanges}); err != nil {
		t.Fatalf("Update(take server) error = %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(bobRoot, "notes.txt"))
	if string(data) != "one from alice\n" {
		t.Errorf("notes.txt = %q, want alice's version", data)
	}
}

func TestApp_StatusLocalEdit(t *testing.T) {
	ctx := context.Background()
	a, root := newTestApp(t, "alice", t.TempDir())
	path := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(path, []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Commit(ctx, CommitRequest{Message: "notes"}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("two\n"), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := a.Status(ctx, Connection{}, []string{path})
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Status.Overall != asset.NewLocalVersion {
		t.Fatalf("Status() = %+v, want one new-local-version entry", entries)
	}
	if entries[0].Path != "notes.txt" {
		t.Errorf("Path = %q, want notes.txt", entries[0].Path)
	}
}

func TestApp_ConnectStage(t *testing.T) {
	base := t.TempDir()
	cfg := config.NewConfig("alice", base, filepath.Join(base, "work"))
	cfg.Cache.Type = "memory"
	cfg.Staging.Type = "memory"
	cfg.Server.FSRoot = ""

	a, err := New(cfg, "test", io.Discard)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	err = a.Update(context.Background(), UpdateRequest{Revision: -1})
	var stage *StageError
	if !errors.As(err, &stage) {
		t.Fatalf("Update() error = %v, want *StageError", err)
	}
	if stage.Stage != "connect" {
		t.Errorf("Stage = %q, want connect", stage.Stage)
	}
	if a.opErr == nil {
		t.Error("failed update not recorded on the operation")
	}
}

func TestNew_RequiresWorkspace(t *testing.T) {
	cfg := config.NewConfig("alice", t.TempDir(), "")
	if _, err := New(cfg, "test", io.Discard); err == nil {
		t.Fatal("New() without workspace root succeeded")
	}
}
