package bundle

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitChange(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}
}

func drain(w *Watcher) {
	for {
		select {
		case <-w.Changes():
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestWatcher_SignalsSocketCreation(t *testing.T) {
	root := t.TempDir()
	ns := filepath.Join(root, "ns")
	if err := os.Mkdir(ns, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(root, DefaultWatchDepth)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(ns, "fn.sock"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitChange(t, w)
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, DefaultWatchDepth)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ns := filepath.Join(root, "late")
	if err := os.Mkdir(ns, 0o755); err != nil {
		t.Fatal(err)
	}
	waitChange(t, w)
	drain(w)

	if err := os.WriteFile(filepath.Join(ns, "fn.sock"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitChange(t, w)
}

func TestWatcher_Coalesces(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 10; i++ {
		if err := os.WriteFile(filepath.Join(root, "f"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	waitChange(t, w)
	if got := cap(w.Changes()); got != 1 {
		t.Errorf("signal buffer = %d, want 1", got)
	}
}

func TestWatcher_MissingRoot(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), 1); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
