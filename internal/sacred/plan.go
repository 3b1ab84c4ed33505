// Package sacred persists governance plans, enforces their approval state
// machine, and serves sacred-scoped retrieval. Plan content lives twice: as
// an embedded chunk set in the project's sacred collection, and as a
// reconstruction manifest in the plan record so the full text can be
// reassembled losslessly and verified against its content hash.
package sacred

import (
	"time"

	"contextkeeper/internal/chunk"
)

// SchemaVersion is stamped into every plan record. Loaders refuse records
// written by a newer version than they understand.
const SchemaVersion = 1

// Status is the approval state of a plan.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusSuperseded      Status = "superseded"
	StatusArchived        Status = "archived"
)

// Valid reports whether s is a known plan status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusSuperseded, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuperseded || s == StatusArchived
}

// active statuses participate in duplicate-content detection: a new plan may
// not reuse the content hash of a plan still in play.
func (s Status) active() bool {
	return s == StatusDraft || s == StatusPendingApproval || s == StatusApproved
}

// Approval records who approved a plan, when, and how.
type Approval struct {
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
	Method     string    `json:"method"`
}

// Plan is the discrete plan record. Content is not stored here; it is
// reassembled on demand from the chunk collection via Manifest.
type Plan struct {
	SchemaVersion    int            `json:"schema_version"`
	ID               string         `json:"plan_id"`
	ProjectID        string         `json:"project_id"`
	Title            string         `json:"title"`
	ContentHash      string         `json:"content_hash"`
	Status           Status         `json:"status"`
	VerificationCode string         `json:"verification_code"`
	Approval         *Approval      `json:"approval,omitempty"`
	Supersedes       string         `json:"supersedes,omitempty"`
	SupersededBy     string         `json:"superseded_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Manifest         chunk.Manifest `json:"manifest"`
	ContentBytes     int            `json:"content_bytes"`
	ChunkCount       int            `json:"chunk_count"`
}

func (p *Plan) clone() *Plan {
	cp := *p
	if p.Approval != nil {
		a := *p.Approval
		cp.Approval = &a
	}
	cp.Manifest = make(chunk.Manifest, len(p.Manifest))
	copy(cp.Manifest, p.Manifest)
	return &cp
}

// PlanWithContent is a plan record plus its reassembled, hash-verified
// content.
type PlanWithContent struct {
	Plan
	Content string `json:"content"`
}

// PlanHit is one sacred retrieval result: a chunk of an approved plan with
// its similarity score and owning plan identity.
type PlanHit struct {
	PlanID  string  `json:"plan_id"`
	Title   string  `json:"title"`
	Status  Status  `json:"status"`
	Chunk   string  `json:"chunk"`
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
}
