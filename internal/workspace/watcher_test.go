package workspace

import (
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcher_ImportsChanges(t *testing.T) {
	im, ws, _ := newTestImporter(t)
	w, err := NewWatcher(im, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	writeFile(t, ws, "a.txt", "hello")
	waitFor(t, "a.txt import", func() bool {
		id, _ := ws.IDFromPath("a.txt")
		return id != ""
	})

	t.Run("paused imports stay queued", func(t *testing.T) {
		im.SetAutoImport(false)
		writeFile(t, ws, "b.txt", "later")
		waitFor(t, "queued event", func() bool { return w.Pending() > 0 })
		time.Sleep(150 * time.Millisecond)
		if id, _ := ws.IDFromPath("b.txt"); id != "" {
			t.Fatal("imported while paused")
		}
		im.SetAutoImport(true)
		waitFor(t, "b.txt import", func() bool {
			id, _ := ws.IDFromPath("b.txt")
			return id != ""
		})
	})
}

func TestWatcher_StartTwice(t *testing.T) {
	im, _, _ := newTestImporter(t)
	w, err := NewWatcher(im, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
