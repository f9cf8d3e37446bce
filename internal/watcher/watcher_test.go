package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) onChange(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	r.ch <- path
}

func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (r *recorder) assertNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("unexpected notification for %s", got)
	case <-time.After(within):
	}
}

func testWatcher(t *testing.T) *Watcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DebounceWindow = 20 * time.Millisecond

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestNotifyOnAnyChangeDeliversFileChanges(t *testing.T) {
	dir := t.TempDir()
	w := testWatcher(t)
	rec := newRecorder()

	h, err := w.NotifyOnAnyChange(dir, false, rec.onChange)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer h.Stop()

	target := filepath.Join(dir, "Collections.libspec")
	if err := os.WriteFile(target, []byte("<keywordspec/>"), 0644); err != nil {
		t.Fatal(err)
	}

	rec.waitFor(t, target)
}

func TestRecursiveWatchCoversNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	w := testWatcher(t)
	rec := newRecorder()

	h, err := w.NotifyOnAnyChange(dir, true, rec.onChange)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer h.Stop()

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, sub)

	// give the event loop a moment to register the new directory
	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(sub, "mylib.py")
	if err := os.WriteFile(target, []byte("x = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, target)
}

func TestNonRecursiveIgnoresNestedPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	w := testWatcher(t)
	rec := newRecorder()

	h, err := w.NotifyOnAnyChange(dir, false, rec.onChange)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer h.Stop()

	if err := os.WriteFile(filepath.Join(sub, "deep.libspec"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	rec.assertNone(t, 300*time.Millisecond)
}

func TestStoppedHandleReceivesNothing(t *testing.T) {
	dir := t.TempDir()
	w := testWatcher(t)
	rec := newRecorder()

	h, err := w.NotifyOnAnyChange(dir, true, rec.onChange)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	h.Stop()
	h.Stop()

	if err := os.WriteFile(filepath.Join(dir, "late.libspec"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	rec.assertNone(t, 300*time.Millisecond)
}

func TestNotifyOnMissingRoot(t *testing.T) {
	w := testWatcher(t)

	if _, err := w.NotifyOnAnyChange(filepath.Join(t.TempDir(), "missing"), true, func(string) {}); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestRemovedDirectoryIsForgotten(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	w := testWatcher(t)
	rec := newRecorder()
	h, err := w.NotifyOnAnyChange(dir, true, rec.onChange)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer h.Stop()

	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, sub)

	w.mu.RLock()
	_, tracked := w.dirRefs[sub]
	w.mu.RUnlock()
	if tracked {
		t.Error("expected removed directory to be untracked")
	}
}

func collect(t *testing.T, window time.Duration, limit int, changes ...Change) []Change {
	t.Helper()
	delivered := make(chan []Change, 4)
	c := newCoalescer(window, window, limit, func(batch []Change) { delivered <- batch })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	for _, change := range changes {
		c.push(ctx, change)
	}

	select {
	case batch := <-delivered:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("coalescer never delivered")
		return nil
	}
}

func TestCoalescerMergesPerPath(t *testing.T) {
	batch := collect(t, 30*time.Millisecond, 100,
		Change{Path: "/b", Op: fsnotify.Create},
		Change{Path: "/a", Op: fsnotify.Write},
		Change{Path: "/a", Op: fsnotify.Write},
		Change{Path: "/a", Op: fsnotify.Remove},
	)

	if len(batch) != 2 {
		t.Fatalf("expected 2 merged changes, got %d", len(batch))
	}
	if batch[0].Path != "/a" || batch[1].Path != "/b" {
		t.Errorf("expected changes sorted by path, got %v", batch)
	}
	if !batch[0].Op.Has(fsnotify.Write) || !batch[0].Removed() {
		t.Errorf("expected merged ops on /a, got %v", batch[0].Op)
	}
	if batch[1].Removed() {
		t.Error("expected /b to be a plain create")
	}
}

func TestCoalescerDeliversAtLimit(t *testing.T) {
	batch := collect(t, time.Hour, 2,
		Change{Path: "/a", Op: fsnotify.Write},
		Change{Path: "/b", Op: fsnotify.Write},
	)
	if len(batch) != 2 {
		t.Errorf("expected 2 changes, got %d", len(batch))
	}
}

func TestCoalescerCapsDelayOfBusyPath(t *testing.T) {
	delivered := make(chan []Change, 16)
	c := newCoalescer(100*time.Millisecond, 300*time.Millisecond, 100, func(batch []Change) { delivered <- batch })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	c.push(ctx, Change{Path: "/quiet", Op: fsnotify.Write})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.push(ctx, Change{Path: "/busy", Op: fsnotify.Write})
			}
		}
	}()

	select {
	case batch := <-delivered:
		if len(batch) == 0 || batch[len(batch)-1].Path != "/quiet" {
			t.Errorf("expected /quiet in the first batch, got %v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("a path rewritten faster than the window held back delivery")
	}
}
