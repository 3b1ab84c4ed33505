package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// focusFile holds the focused-project selector next to the records.
const focusFile = "focus.json"

type focusRecord struct {
	ProjectID string    `json:"project_id"`
	FocusedAt time.Time `json:"focused_at"`
}

// Registry owns the project table. All mutations go through it; focus
// changes are serialised by the registry lock so observers see a single
// ordered sequence of focus events.
type Registry struct {
	dir string
	bus *bus.Bus

	mu        sync.RWMutex
	projects  map[string]*Project
	raw       map[string]map[string]json.RawMessage
	focusedID string
}

// NewRegistry loads every project record under dir. Malformed files are
// logged and skipped; they are left on disk untouched.
func NewRegistry(dir string, b *bus.Bus) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to create projects directory %s", dir)
	}

	r := &Registry{
		dir:      dir,
		bus:      b,
		projects: make(map[string]*Project),
		raw:      make(map[string]map[string]json.RawMessage),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}
	r.loadFocus()

	logging.Project("Registry loaded %d projects from %s (focused=%s)", len(r.projects), dir, r.focusedID)
	return r, nil
}

func (r *Registry) loadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to read projects directory %s", r.dir)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || name == focusFile {
			continue
		}
		path := filepath.Join(r.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			logging.ProjectWarn("Skipping unreadable project record %s: %v", name, err)
			continue
		}

		var rawMap map[string]json.RawMessage
		if err := json.Unmarshal(data, &rawMap); err != nil {
			logging.ProjectWarn("Skipping malformed project record %s: %v", name, err)
			continue
		}
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			logging.ProjectWarn("Skipping malformed project record %s: %v", name, err)
			continue
		}
		if p.ID == "" {
			logging.ProjectWarn("Skipping project record %s: missing project_id", name)
			continue
		}

		r.projects[p.ID] = &p
		r.raw[p.ID] = rawMap
	}
	return nil
}

func (r *Registry) loadFocus() {
	data, err := os.ReadFile(filepath.Join(r.dir, focusFile))
	if err != nil {
		return
	}
	var f focusRecord
	if err := json.Unmarshal(data, &f); err != nil {
		logging.ProjectWarn("Ignoring malformed %s: %v", focusFile, err)
		return
	}
	if _, ok := r.projects[f.ProjectID]; ok {
		r.focusedID = f.ProjectID
	} else if f.ProjectID != "" {
		logging.ProjectWarn("Focus points at unknown project %s; clearing", f.ProjectID)
	}
}

// Create registers a new project. The root path must be absolute and exist.
func (r *Registry) Create(name, rootPath, description string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fault.New(fault.InvalidInput, "project name is required")
	}
	if !filepath.IsAbs(rootPath) {
		return nil, fault.New(fault.InvalidInput, "root path must be absolute: %s", rootPath)
	}
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fault.New(fault.InvalidInput, "root path does not exist: %s", rootPath)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.InvalidInput, "root path is not a directory: %s", rootPath)
	}

	now := time.Now().UTC()
	p := &Project{
		ID:          "proj_" + uuid.NewString()[:8],
		Name:        name,
		RootPath:    rootPath,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   now,
		LastActive:  now,
		Decisions:   []Decision{},
		Objectives:  []Objective{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.projects[p.ID] = p
	r.raw[p.ID] = make(map[string]json.RawMessage)
	if err := r.persistLocked(p.ID); err != nil {
		delete(r.projects, p.ID)
		delete(r.raw, p.ID)
		return nil, err
	}

	logging.Project("Created project %s (%s) at %s", p.ID, p.Name, p.RootPath)
	return p.clone(), nil
}

// List returns all projects sorted by creation time.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, r.snapshotLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one project.
func (r *Registry) Get(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	return r.snapshotLocked(p), nil
}

// snapshotLocked clones a project and refreshes its root-missing flag.
func (r *Registry) snapshotLocked(p *Project) *Project {
	cp := p.clone()
	if _, err := os.Stat(cp.RootPath); err != nil {
		cp.RootMissing = true
	}
	return cp
}

// Focused returns the focused project, if any.
func (r *Registry) Focused() (*Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.focusedID == "" {
		return nil, false
	}
	p, ok := r.projects[r.focusedID]
	if !ok {
		return nil, false
	}
	return r.snapshotLocked(p), true
}

// Focus makes id the single focused project, replacing any previous focus
// in the same write. Archived projects cannot take focus.
func (r *Registry) Focus(id string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	if p.Status == StatusArchived {
		return nil, fault.New(fault.StateConflict, "cannot focus archived project %s", id)
	}

	prev := r.focusedID
	r.focusedID = id
	p.LastActive = time.Now().UTC()

	if err := r.persistFocusLocked(); err != nil {
		r.focusedID = prev
		return nil, err
	}
	if err := r.persistLocked(id); err != nil {
		logging.ProjectWarn("Focus persisted but last_active update failed for %s: %v", id, err)
	}

	r.publish(&bus.Event{
		Type:      bus.EventFocusChanged,
		ProjectID: id,
		Payload:   map[string]interface{}{"project_id": id, "project_name": p.Name},
	})
	logging.Project("Focus changed to %s (%s)", id, p.Name)
	return r.snapshotLocked(p), nil
}

// Pause suspends an active project.
func (r *Registry) Pause(id string) (*Project, error) {
	return r.transition(id, StatusActive, StatusPaused)
}

// Resume reactivates a paused project.
func (r *Registry) Resume(id string) (*Project, error) {
	return r.transition(id, StatusPaused, StatusActive)
}

// Archive retires a project. Archived is terminal; the archived project
// loses focus if it held it.
func (r *Registry) Archive(id string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	if p.Status == StatusArchived {
		return nil, fault.New(fault.StateConflict, "project %s is already archived", id)
	}

	p.Status = StatusArchived
	if r.focusedID == id {
		r.focusedID = ""
		if err := r.persistFocusLocked(); err != nil {
			logging.ProjectWarn("Failed to clear focus while archiving %s: %v", id, err)
		}
	}
	if err := r.persistLocked(id); err != nil {
		return nil, err
	}
	logging.Project("Archived project %s", id)
	return r.snapshotLocked(p), nil
}

func (r *Registry) transition(id string, from, to Status) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	if p.Status != from {
		return nil, fault.New(fault.StateConflict, "project %s is %s, expected %s", id, p.Status, from)
	}

	p.Status = to
	if err := r.persistLocked(id); err != nil {
		p.Status = from
		return nil, err
	}
	logging.Project("Project %s transitioned %s -> %s", id, from, to)
	return r.snapshotLocked(p), nil
}

// Delete removes a project record. Collection cleanup belongs to the
// caller; the registry only owns the record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return fault.New(fault.NotFound, "project %s not found", id)
	}

	if err := os.Remove(r.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.Internal, err, "failed to delete project record %s", id)
	}
	delete(r.projects, id)
	delete(r.raw, id)

	if r.focusedID == id {
		r.focusedID = ""
		if err := r.persistFocusLocked(); err != nil {
			logging.ProjectWarn("Failed to clear focus while deleting %s: %v", id, err)
		}
	}
	logging.Project("Deleted project %s", id)
	return nil
}

// TouchActivity refreshes a project's last-active timestamp.
func (r *Registry) TouchActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return
	}
	p.LastActive = time.Now().UTC()
	if err := r.persistLocked(id); err != nil {
		logging.ProjectWarn("Failed to persist last_active for %s: %v", id, err)
	}
}

// AddDecision appends an immutable decision record. Tags must not contain
// commas; tag lists are stored as delimited strings downstream.
func (r *Registry) AddDecision(projectID, text, reasoning string, tags, alternatives []string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fault.New(fault.InvalidInput, "decision text is required")
	}
	for _, tag := range tags {
		if strings.Contains(tag, ",") {
			return nil, fault.New(fault.InvalidInput, "tag %q must not contain commas", tag)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", projectID)
	}

	d := Decision{
		ID:           "dec_" + uuid.NewString()[:8],
		Text:         text,
		Reasoning:    reasoning,
		Tags:         tags,
		Alternatives: alternatives,
		CreatedAt:    time.Now().UTC(),
	}
	p.Decisions = append(p.Decisions, d)
	p.LastActive = d.CreatedAt

	if err := r.persistLocked(projectID); err != nil {
		p.Decisions = p.Decisions[:len(p.Decisions)-1]
		return nil, err
	}

	r.publish(&bus.Event{
		Type:      bus.EventDecisionAdded,
		ProjectID: projectID,
		Payload: map[string]interface{}{
			"project_id":  projectID,
			"decision_id": d.ID,
			"timestamp":   d.CreatedAt,
		},
	})
	logging.Project("Decision %s added to %s", d.ID, projectID)
	return &d, nil
}

// AddObjective appends a pending objective. Priority defaults to medium.
func (r *Registry) AddObjective(projectID, title, description, priority string) (*Objective, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fault.New(fault.InvalidInput, "objective title is required")
	}
	switch priority {
	case "":
		priority = PriorityMedium
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return nil, fault.New(fault.InvalidInput, "invalid priority %q", priority)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", projectID)
	}

	o := Objective{
		ID:          "obj_" + uuid.NewString()[:8],
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      ObjectivePending,
		CreatedAt:   time.Now().UTC(),
	}
	p.Objectives = append(p.Objectives, o)
	p.LastActive = o.CreatedAt

	if err := r.persistLocked(projectID); err != nil {
		p.Objectives = p.Objectives[:len(p.Objectives)-1]
		return nil, err
	}
	logging.Project("Objective %s added to %s", o.ID, projectID)
	return &o, nil
}

// CompleteObjective transitions an objective pending -> completed.
func (r *Registry) CompleteObjective(projectID, objectiveID string) (*Objective, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", projectID)
	}

	for i := range p.Objectives {
		if p.Objectives[i].ID != objectiveID {
			continue
		}
		if p.Objectives[i].Status == ObjectiveCompleted {
			return nil, fault.New(fault.StateConflict, "objective %s is already completed", objectiveID)
		}
		now := time.Now().UTC()
		p.Objectives[i].Status = ObjectiveCompleted
		p.Objectives[i].CompletedAt = &now
		if err := r.persistLocked(projectID); err != nil {
			p.Objectives[i].Status = ObjectivePending
			p.Objectives[i].CompletedAt = nil
			return nil, err
		}
		result := p.Objectives[i]
		return &result, nil
	}
	return nil, fault.New(fault.NotFound, "objective %s not found in project %s", objectiveID, projectID)
}

// RecordEvent appends to the project event log, trimming to the cap.
func (r *Registry) RecordEvent(projectID, eventType, severity string, payload map[string]string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return fault.New(fault.InvalidInput, "invalid severity %q", severity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		return fault.New(fault.NotFound, "project %s not found", projectID)
	}

	p.Events = append(p.Events, DevEvent{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Payload:   payload,
	})
	if len(p.Events) > maxEvents {
		p.Events = p.Events[len(p.Events)-maxEvents:]
	}
	return r.persistLocked(projectID)
}

func (r *Registry) recordPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// persistLocked writes a project record, merging current fields over any
// unknown keys found when the record was loaded.
func (r *Registry) persistLocked(id string) error {
	p, ok := r.projects[id]
	if !ok {
		return fault.New(fault.NotFound, "project %s not found", id)
	}

	known, err := json.Marshal(p)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to marshal project %s", id)
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return fault.Wrap(fault.Internal, err, "failed to remarshal project %s", id)
	}

	merged := make(map[string]json.RawMessage, len(knownMap))
	for k, v := range r.raw[id] {
		merged[k] = v
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	r.raw[id] = merged

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to encode project %s", id)
	}
	return atomicWrite(r.recordPath(id), data)
}

func (r *Registry) persistFocusLocked() error {
	data, err := json.MarshalIndent(focusRecord{
		ProjectID: r.focusedID,
		FocusedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to encode focus record")
	}
	return atomicWrite(filepath.Join(r.dir, focusFile), data)
}

// atomicWrite writes via a temp file and rename so a crash never leaves a
// half-written record.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fault.Wrap(fault.Internal, err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.Internal, err, "failed to replace %s", path)
	}
	return nil
}

func (r *Registry) publish(ev *bus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
