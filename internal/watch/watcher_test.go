package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/task"
)

type submission struct {
	projectID string
	path      string
	kind      task.Kind
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSubmitter) Submit(projectID, path string, kind task.Kind) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return task.Task{}, f.err
	}
	f.subs = append(f.subs, submission{projectID, path, kind})
	return task.Task{ID: "task_watch", ProjectID: projectID}, nil
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.subs))
	copy(out, f.subs)
	return out
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) RemoveFile(ctx context.Context, projectID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeRemover) removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeSubmitter, *fakeRemover, string) {
	t.Helper()
	root := t.TempDir()
	subm := &fakeSubmitter{}
	rem := &fakeRemover{}
	w, err := New(subm, rem, Config{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(w.Stop)
	if err := w.Watch("proj_x", root); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	w.Start(context.Background())
	return w, subm, rem, root
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcher_SubmitsSettledWrite(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	path := filepath.Join(root, "a.py")
	if err := os.WriteFile(path, []byte("def add(a, b):\n    return a + b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "write to be submitted", func() bool { return len(subm.submissions()) == 1 })
	got := subm.submissions()[0]
	if got.projectID != "proj_x" || got.kind != task.KindIngest {
		t.Errorf("submission %+v, want proj_x ingest", got)
	}
	if filepath.Base(got.path) != "a.py" {
		t.Errorf("submitted path %s, want a.py", got.path)
	}
}

func TestWatcher_DebounceCollapsesBursts(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	path := filepath.Join(root, "a.py")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "burst to settle", func() bool { return len(subm.submissions()) >= 1 })
	time.Sleep(200 * time.Millisecond)
	if n := len(subm.submissions()); n != 1 {
		t.Errorf("burst produced %d submissions, want 1", n)
	}
}

func TestWatcher_IgnoresIneligibleFiles(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(root, "image.png"), []byte{0x89, 0x50}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.py"), []byte("y = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "eligible write to be submitted", func() bool { return len(subm.submissions()) == 1 })
	time.Sleep(200 * time.Millisecond)
	subs := subm.submissions()
	if len(subs) != 1 || filepath.Base(subs[0].path) != "b.py" {
		t.Errorf("submissions %+v, want only b.py", subs)
	}
}

func TestWatcher_RemoveDropsFromIndex(t *testing.T) {
	_, subm, rem, root := newTestWatcher(t)

	path := filepath.Join(root, "a.py")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "write to be submitted", func() bool { return len(subm.submissions()) == 1 })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "removal to reach the index", func() bool { return len(rem.removals()) == 1 })
	if filepath.Base(rem.removals()[0]) != "a.py" {
		t.Errorf("removed %s, want a.py", rem.removals()[0])
	}
}

func TestWatcher_RemoveSupersedesPendingWrite(t *testing.T) {
	_, subm, rem, root := newTestWatcher(t)

	path := filepath.Join(root, "gone.py")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "removal to reach the index", func() bool { return len(rem.removals()) == 1 })
	time.Sleep(200 * time.Millisecond)
	if n := len(subm.submissions()); n != 0 {
		t.Errorf("%d submissions for a file deleted before settling, want 0", n)
	}
}

func TestWatcher_NewDirectoryPickedUp(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the event loop a beat to start watching the new directory.
	time.Sleep(150 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.py"), []byte("z = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "file in new directory to be submitted", func() bool {
		for _, s := range subm.submissions() {
			if filepath.Base(s.path) == "inner.py" {
				return true
			}
		}
		return false
	})
}

func TestWatcher_ExcludedDirectoryNotWatched(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	deps := filepath.Join(root, "node_modules")
	if err := os.Mkdir(deps, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(deps, "index.js"), []byte("module.exports = {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := len(subm.submissions()); n != 0 {
		t.Errorf("%d submissions from an excluded directory, want 0", n)
	}
}

func TestWatcher_UnwatchStopsSubmissions(t *testing.T) {
	w, subm, _, root := newTestWatcher(t)

	w.Unwatch("proj_x")
	if err := os.WriteFile(filepath.Join(root, "late.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := len(subm.submissions()); n != 0 {
		t.Errorf("%d submissions after unwatch, want 0", n)
	}
}

func TestWatcher_SubmitFailureDoesNotStopLoop(t *testing.T) {
	_, subm, _, root := newTestWatcher(t)

	subm.mu.Lock()
	subm.err = fault.New(fault.NotFound, "project evicted")
	subm.mu.Unlock()
	if err := os.WriteFile(filepath.Join(root, "a.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	subm.mu.Lock()
	subm.err = nil
	subm.mu.Unlock()
	if err := os.WriteFile(filepath.Join(root, "b.py"), []byte("y = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "watcher to recover after a failed submit", func() bool {
		subs := subm.submissions()
		return len(subs) == 1 && filepath.Base(subs[0].path) == "b.py"
	})
}
