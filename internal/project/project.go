// Package project owns project records: identity, lifecycle status, the
// focused-project selector, and the per-project decision, objective, and
// event logs. Records persist as one human-readable JSON file per project;
// unknown keys in a record survive rewrites so manual edits and newer
// fields are not destroyed.
package project

import (
	"time"
)

// Status is the project lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Priority levels for objectives.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Objective states.
const (
	ObjectivePending   = "pending"
	ObjectiveCompleted = "completed"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// maxEvents caps the per-project event log; the oldest entries fall off.
const maxEvents = 500

// Project is one tracked project.
type Project struct {
	ID          string    `json:"project_id"`
	Name        string    `json:"name"`
	RootPath    string    `json:"root_path"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`

	// RootMissing flags a project whose root path has disappeared since
	// creation. The project record remains usable.
	RootMissing bool `json:"root_missing,omitempty"`

	Decisions  []Decision  `json:"decisions"`
	Objectives []Objective `json:"objectives"`
	Events     []DevEvent  `json:"events,omitempty"`
}

// Decision is an immutable record of a development decision.
type Decision struct {
	ID           string    `json:"decision_id"`
	Text         string    `json:"text"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Alternatives []string  `json:"alternatives,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Objective is a tracked goal. The only legal transition is
// pending -> completed.
type Objective struct {
	ID          string     `json:"objective_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DevEvent is one entry in the append-only per-project event log.
type DevEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// clone returns a deep copy so callers can hold results across registry
// mutations.
func (p *Project) clone() *Project {
	cp := *p
	cp.Decisions = make([]Decision, len(p.Decisions))
	copy(cp.Decisions, p.Decisions)
	cp.Objectives = make([]Objective, len(p.Objectives))
	copy(cp.Objectives, p.Objectives)
	cp.Events = make([]DevEvent, len(p.Events))
	copy(cp.Events, p.Events)
	return &cp
}
