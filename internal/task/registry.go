// Package task owns asynchronous ingest work. The registry hands out task
// IDs immediately, runs one worker per task under a global concurrency cap,
// and reports throttled progress through the event bus. Task records live
// for the process lifetime; they are not persisted across restarts.
package task

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/retrieval"
)

// Kind distinguishes first-time ingests from watcher-triggered rescans.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindReindex Kind = "reindex"
)

// State is a task's lifecycle position.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is a point-in-time snapshot of one unit of asynchronous work.
type Task struct {
	ID        string     `json:"task_id"`
	Kind      Kind       `json:"kind"`
	ProjectID string     `json:"project_id"`
	State     State      `json:"status"`
	Progress  int        `json:"progress"`
	Current   string     `json:"current_file,omitempty"`
	Error     string     `json:"error,omitempty"`
	Files     int        `json:"files"`
	Chunks    int        `json:"chunks"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Runner is the ingest surface workers drive. Satisfied by
// *retrieval.Engine.
type Runner interface {
	IngestFile(ctx context.Context, projectID, path string) (*retrieval.FileResult, error)
	IngestDirectory(ctx context.Context, projectID, dir string, progress retrieval.ProgressFunc) (*retrieval.DirResult, error)
}

// Config bounds the registry.
type Config struct {
	// MaxConcurrency caps simultaneous ingest workers system-wide, keeping
	// embedding-service load bounded. Defaults to 2.
	MaxConcurrency int
}

type tracked struct {
	task  Task
	path  string // target path; empty means the whole project root
	isDir bool

	cancel   context.CancelFunc
	lastEmit time.Time
	lastPct  int
}

// Registry tracks tasks and their workers.
type Registry struct {
	runner Runner
	bus    *bus.Bus
	slots  chan struct{}

	mu    sync.RWMutex
	tasks map[string]*tracked

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a registry. bus may be nil for callers that do not stream
// progress.
func New(runner Runner, b *bus.Bus, cfg Config) *Registry {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runner:     runner,
		bus:        b,
		slots:      make(chan struct{}, cfg.MaxConcurrency),
		tasks:      make(map[string]*tracked),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Submit queues an ingest of path for the project and returns immediately
// with the queued task. An empty path means the project's whole root.
// Directories are walked; single files go through the file pipeline.
func (r *Registry) Submit(projectID, path string, kind Kind) (Task, error) {
	if projectID == "" {
		return Task{}, fault.New(fault.InvalidInput, "project_id is required")
	}
	if kind == "" {
		kind = KindIngest
	}

	isDir := true
	if path != "" {
		if !filepath.IsAbs(path) {
			return Task{}, fault.New(fault.InvalidInput, "path must be absolute: %s", path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return Task{}, fault.Wrap(fault.NotFound, err, "ingest path %s", path)
		}
		isDir = info.IsDir()
	}

	ctx, cancel := context.WithCancel(r.rootCtx)
	tr := &tracked{
		task: Task{
			ID:        "task_" + uuid.NewString()[:8],
			Kind:      kind,
			ProjectID: projectID,
			State:     StateQueued,
			CreatedAt: time.Now().UTC(),
		},
		path:   path,
		isDir:  isDir,
		cancel: cancel,
	}
	snapshot := tr.task

	r.mu.Lock()
	r.tasks[snapshot.ID] = tr
	r.mu.Unlock()

	metrics.IngestTasksTotal.WithLabelValues(string(StateQueued)).Inc()
	logging.Tasks("Task %s queued: project=%s kind=%s path=%q", snapshot.ID, projectID, kind, path)

	r.wg.Add(1)
	go r.run(ctx, snapshot.ID)

	return snapshot, nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tr, ok := r.tasks[id]
	if !ok {
		return Task{}, fault.New(fault.NotFound, "task %s not found", id)
	}
	return tr.task, nil
}

// List returns snapshots, optionally filtered by project, oldest first.
func (r *Registry) List(projectID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, tr := range r.tasks {
		if projectID != "" && tr.task.ProjectID != projectID {
			continue
		}
		out = append(out, tr.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts aggregates task states, optionally per project. Feeds the project
// statistics payload.
func (r *Registry) Counts(projectID string) map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[State]int)
	for _, tr := range r.tasks {
		if projectID != "" && tr.task.ProjectID != projectID {
			continue
		}
		out[tr.task.State]++
	}
	return out
}

// Cancel requests cancellation and returns the task as it stands. Workers
// poll between files, so a running task stops within one file's processing
// time. Cancelling a terminal task returns it unchanged.
func (r *Registry) Cancel(id string) (Task, error) {
	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return Task{}, fault.New(fault.NotFound, "task %s not found", id)
	}
	snapshot := tr.task
	cancel := tr.cancel
	r.mu.Unlock()

	if !snapshot.State.Terminal() {
		cancel()
		logging.Tasks("Task %s cancellation requested", id)
	}
	return snapshot, nil
}

// Shutdown cancels every outstanding task and waits for workers to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.rootCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, ctx.Err(), "shutdown timed out waiting for ingest workers")
	}
}
