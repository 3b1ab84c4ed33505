package task

import (
	"context"
	"time"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/retrieval"
)

// Progress events are throttled to one per task per interval; integer
// percent must also have moved. Terminal events always go out.
const progressThrottle = 200 * time.Millisecond

type counters struct {
	files, chunks, skipped, failed int
}

func dirCounters(res *retrieval.DirResult) *counters {
	if res == nil {
		return nil
	}
	return &counters{files: res.Files, chunks: res.Chunks, skipped: res.Skipped, failed: res.Failed}
}

func fileCounters(fr *retrieval.FileResult) *counters {
	if fr == nil {
		return nil
	}
	if fr.Skipped {
		return &counters{skipped: 1}
	}
	return &counters{files: 1, chunks: fr.Chunks}
}

// run drives one task: slot wait, ingest, terminal transition. A worker
// never lets a failure escape; panics become failed tasks.
func (r *Registry) run(ctx context.Context, id string) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logging.TasksError("Task %s worker panic: %v", id, rec)
			r.finish(id, nil, fault.New(fault.Internal, "worker panic: %v", rec))
		}
	}()

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		r.finish(id, nil, fault.Wrap(fault.Cancelled, ctx.Err(), "task cancelled while queued"))
		return
	}
	defer func() { <-r.slots }()

	projectID, path, isDir, ok := r.begin(id)
	if !ok {
		return
	}

	if isDir {
		res, err := r.runner.IngestDirectory(ctx, projectID, path, func(done, total int, current string) {
			pct := 100
			if total > 0 {
				pct = done * 100 / total
			}
			r.progress(id, pct, current)
		})
		r.finish(id, dirCounters(res), err)
		return
	}

	fr, err := r.runner.IngestFile(ctx, projectID, path)
	r.finish(id, fileCounters(fr), err)
}

// begin moves a task to running. A task already terminal (cancelled before
// its slot arrived) stays put.
func (r *Registry) begin(id string) (projectID, path string, isDir, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, found := r.tasks[id]
	if !found || tr.task.State.Terminal() {
		return "", "", false, false
	}
	now := time.Now().UTC()
	tr.task.State = StateRunning
	tr.task.StartedAt = &now
	return tr.task.ProjectID, tr.path, tr.isDir, true
}

func (r *Registry) progress(id string, pct int, current string) {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok || tr.task.State.Terminal() {
		r.mu.Unlock()
		return
	}
	tr.task.Progress = pct
	tr.task.Current = current
	emit := pct == 100 || (time.Since(tr.lastEmit) >= progressThrottle && pct-tr.lastPct >= 1)
	var snapshot Task
	if emit {
		tr.lastEmit = time.Now()
		tr.lastPct = pct
		snapshot = tr.task
	}
	r.mu.Unlock()

	if emit {
		r.publish(bus.EventIndexingProgress, snapshot.ProjectID, map[string]interface{}{
			"task_id":      id,
			"progress":     snapshot.Progress,
			"current_file": snapshot.Current,
		})
	}
}

func (r *Registry) finish(id string, c *counters, err error) {
	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok || tr.task.State.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	tr.task.EndedAt = &now
	tr.task.Current = ""
	if c != nil {
		tr.task.Files = c.files
		tr.task.Chunks = c.chunks
		tr.task.Skipped = c.skipped
		tr.task.Failed = c.failed
	}
	switch {
	case err == nil:
		tr.task.State = StateCompleted
		tr.task.Progress = 100
	case fault.IsKind(err, fault.Cancelled):
		tr.task.State = StateCancelled
		tr.task.Error = err.Error()
	default:
		tr.task.State = StateFailed
		tr.task.Error = err.Error()
	}
	snapshot := tr.task
	r.mu.Unlock()

	metrics.IngestTasksTotal.WithLabelValues(string(snapshot.State)).Inc()

	switch snapshot.State {
	case StateCompleted:
		logging.Tasks("Task %s completed: %d files, %d chunks, %d skipped, %d failed",
			id, snapshot.Files, snapshot.Chunks, snapshot.Skipped, snapshot.Failed)
		r.publish(bus.EventIndexingComplete, snapshot.ProjectID, map[string]interface{}{
			"task_id": id,
			"files":   snapshot.Files,
			"chunks":  snapshot.Chunks,
		})
	case StateCancelled:
		logging.Tasks("Task %s cancelled after %d files", id, snapshot.Files)
		r.publish(bus.EventIndexingError, snapshot.ProjectID, map[string]interface{}{
			"task_id": id,
			"error":   snapshot.Error,
		})
	default:
		logging.TasksError("Task %s failed: %s", id, snapshot.Error)
		r.publish(bus.EventIndexingError, snapshot.ProjectID, map[string]interface{}{
			"task_id": id,
			"error":   snapshot.Error,
		})
	}
}

func (r *Registry) publish(t bus.EventType, projectID string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&bus.Event{Type: t, ProjectID: projectID, Payload: payload})
}
