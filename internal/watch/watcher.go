// Package watch turns filesystem changes in active project roots into
// single-file ingest tasks. Events are debounced per path so editor save
// bursts and build churn collapse into one reindex, and every change passes
// the same eligibility filter as manual ingestion. Event handling never
// blocks: changes settle in a map and a ticker flushes the quiet ones.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/scan"
	"contextkeeper/internal/task"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 2 * time.Second

// Submitter queues ingest work. Satisfied by *task.Registry.
type Submitter interface {
	Submit(projectID, path string, kind task.Kind) (task.Task, error)
}

// Remover drops a deleted file's chunks. Satisfied by *retrieval.Engine.
type Remover interface {
	RemoveFile(ctx context.Context, projectID, path string) error
}

// Config tunes the watcher. MaxFileBytes and ExtraExcludedDirs must match
// the ingest engine's filter so watched and manual ingestion agree on
// eligibility.
type Config struct {
	Debounce          time.Duration
	MaxFileBytes      int64
	ExtraExcludedDirs []string
}

type watchedProject struct {
	root   string
	filter *scan.Filter
}

type pendingChange struct {
	projectID string
	at        time.Time
	removed   bool
}

// Watcher owns one fsnotify watcher shared across all watched projects.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	tasks    Submitter
	remover  Remover
	cfg      Config
	projects map[string]*watchedProject
	pending  map[string]pendingChange
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New creates a stopped watcher. Call Watch per project, then Start.
func New(tasks Submitter, remover Remover, cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	return &Watcher{
		fsw:      fsw,
		tasks:    tasks,
		remover:  remover,
		cfg:      cfg,
		projects: make(map[string]*watchedProject),
		pending:  make(map[string]pendingChange),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch registers a project root and recursively adds its non-excluded
// directories. Directories created later are picked up from create events.
func (w *Watcher) Watch(projectID, root string) error {
	filter, err := scan.NewFilter(root, w.cfg.MaxFileBytes, w.cfg.ExtraExcludedDirs...)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.projects[projectID] = &watchedProject{root: filter.Root(), filter: filter}
	w.mu.Unlock()

	dirs := 0
	err = filepath.WalkDir(filter.Root(), func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || !d.IsDir() {
			return nil
		}
		if path != filter.Root() && filter.ExcludedDir(d.Name()) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			logging.Get(logging.CategoryWatch).Warn("Cannot watch %s: %v", path, addErr)
			return nil
		}
		dirs++
		return nil
	})
	if err != nil {
		return err
	}
	logging.Watch("Watching project %s: %d directories under %s", projectID, dirs, filter.Root())
	return nil
}

// Unwatch drops a project's directories and any changes still settling.
func (w *Watcher) Unwatch(projectID string) {
	w.mu.Lock()
	wp, ok := w.projects[projectID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.projects, projectID)
	for path, pc := range w.pending {
		if pc.projectID == projectID {
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, dir := range w.fsw.WatchList() {
		if dir == wp.root || strings.HasPrefix(dir, wp.root+string(os.PathSeparator)) {
			_ = w.fsw.Remove(dir)
		}
	}
	logging.Watch("Stopped watching project %s", projectID)
}

// Start launches the event loop. Non-blocking; idempotent while running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop halts the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			logging.Get(logging.CategoryWatch).Error("Closing watcher: %v", err)
		}
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("Closing watcher: %v", err)
	}
	logging.Watch("Watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Sweep at a quarter of the quiet period so settled changes flush
	// promptly without spinning.
	tick := w.cfg.Debounce / 4
	if tick < 25*time.Millisecond {
		tick = 25 * time.Millisecond
	}
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("Watcher error: %v", err)
		case <-ticker.C:
			w.flushSettled(ctx)
		}
	}
}

// handleEvent records a change for debounced processing. It only stats and
// bookkeeps, so the event channel drains fast.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	projectID, wp := w.projectFor(event.Name)
	if wp == nil {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0, event.Op&fsnotify.Write != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			// Vanished already; a remove event follows.
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 && !wp.filter.ExcludedDir(filepath.Base(event.Name)) {
				if err := w.fsw.Add(event.Name); err == nil {
					logging.WatchDebug("Watching new directory %s", event.Name)
				}
			}
			return
		}
		if ok, reason := wp.filter.File(event.Name, info); !ok {
			logging.WatchDebug("Ignoring change to %s: %s", event.Name, reason)
			return
		}
		w.record(event.Name, pendingChange{projectID: projectID, at: time.Now(), removed: false})

	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		w.record(event.Name, pendingChange{projectID: projectID, at: time.Now(), removed: true})
	}
}

// record upserts a pending change; the latest event for a path wins.
func (w *Watcher) record(path string, pc pendingChange) {
	w.mu.Lock()
	w.pending[path] = pc
	w.mu.Unlock()
}

func (w *Watcher) projectFor(path string) (string, *watchedProject) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, wp := range w.projects {
		if path == wp.root || strings.HasPrefix(path, wp.root+string(os.PathSeparator)) {
			return id, wp
		}
	}
	return "", nil
}

// flushSettled acts on changes whose quiet period has elapsed. Submission
// failures are dropped with a counter rather than retried; the next write
// to the file will queue it again.
func (w *Watcher) flushSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []struct {
		path string
		pc   pendingChange
	}
	for path, pc := range w.pending {
		if now.Sub(pc.at) >= w.cfg.Debounce {
			settled = append(settled, struct {
				path string
				pc   pendingChange
			}{path, pc})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, s := range settled {
		if s.pc.removed {
			if err := w.remover.RemoveFile(ctx, s.pc.projectID, s.path); err != nil {
				logging.Get(logging.CategoryWatch).Warn("Removing %s from index: %v", s.path, err)
				metrics.WatchEventsTotal.WithLabelValues("dropped").Inc()
				continue
			}
			logging.WatchDebug("Removed deleted file %s from index", s.path)
			metrics.WatchEventsTotal.WithLabelValues("removed").Inc()
			continue
		}

		tk, err := w.tasks.Submit(s.pc.projectID, s.path, task.KindIngest)
		if err != nil {
			logging.Get(logging.CategoryWatch).Warn("Reindex of %s not queued: %v", s.path, err)
			metrics.WatchEventsTotal.WithLabelValues("dropped").Inc()
			continue
		}
		logging.WatchDebug("Queued reindex task %s for %s", tk.ID, s.path)
		metrics.WatchEventsTotal.WithLabelValues("submitted").Inc()
	}
}
