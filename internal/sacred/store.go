package sacred

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/chunk"
	"contextkeeper/internal/embedding"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/store"
)

const (
	recordExt  = ".json"
	contentExt = ".content"

	defaultQueryK = 5
	maxQueryK     = 20
)

// Store owns plan records under a dedicated directory and their chunk sets
// inside per-project sacred collections. It is the only writer of either.
type Store struct {
	dir         string
	vectors     *store.Store
	engine      embedding.EmbeddingEngine
	chunker     *chunk.Chunker
	approvalKey string
	bus         *bus.Bus

	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewStore loads existing plan records from dir and re-applies any chunk
// metadata rewrites left pending by an interrupted mutation. The approval
// key is the mandatory second factor for plan approval; its value is never
// logged.
func NewStore(dir string, vectors *store.Store, engine embedding.EmbeddingEngine, chunker *chunk.Chunker, approvalKey string, b *bus.Bus) (*Store, error) {
	if approvalKey == "" {
		return nil, fault.New(fault.InvalidInput, "sacred approval key is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "creating sacred plans directory")
	}

	s := &Store{
		dir:         dir,
		vectors:     vectors,
		engine:      engine,
		chunker:     chunker,
		approvalKey: approvalKey,
		bus:         b,
		plans:       make(map[string]*Plan),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refreshMetricsLocked()
	s.mu.Unlock()

	if applied, err := s.Reconcile(context.Background()); err != nil {
		logging.SacredWarn("Reconciliation incomplete: %v", err)
	} else if applied > 0 {
		logging.Sacred("Reconciled %d pending metadata rewrite(s)", applied)
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "reading sacred plans directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.SacredWarn("Skipping unreadable plan record %s: %v", entry.Name(), err)
			continue
		}
		var p Plan
		if err := json.Unmarshal(data, &p); err != nil {
			logging.SacredWarn("Skipping malformed plan record %s: %v", entry.Name(), err)
			continue
		}
		if p.SchemaVersion > SchemaVersion {
			logging.SacredWarn("Skipping plan record %s: schema version %d is newer than supported %d",
				entry.Name(), p.SchemaVersion, SchemaVersion)
			continue
		}
		if p.ID == "" || !p.Status.Valid() {
			logging.SacredWarn("Skipping plan record %s: missing id or invalid status", entry.Name())
			continue
		}
		s.plans[p.ID] = &p
	}
	logging.Sacred("Loaded %d plan record(s) from %s", len(s.plans), s.dir)
	return nil
}

func collectionName(projectID string) string {
	return "sacred_" + projectID
}

// CreatePlan chunks and embeds the content, writes the chunk set to the
// project's sacred collection, and persists a draft plan record. Content
// hash and verification code are computed over canonical bytes and frozen
// at creation. Fails AlreadyExists when the hash matches a plan that is
// still draft, pending or approved in the same project.
func (s *Store) CreatePlan(ctx context.Context, projectID, title, content string) (*Plan, error) {
	if projectID == "" {
		return nil, fault.New(fault.InvalidInput, "project_id is required")
	}
	if strings.TrimSpace(title) == "" {
		return nil, fault.New(fault.InvalidInput, "plan title is required")
	}
	canonical := chunk.Canonicalize(content)
	if strings.TrimSpace(canonical) == "" {
		return nil, fault.New(fault.InvalidInput, "plan content is empty")
	}

	hash := chunk.HashString(canonical)
	chunks := s.chunker.Split(content)
	if len(chunks) == 0 {
		return nil, fault.New(fault.InvalidInput, "plan content produced no chunks")
	}

	timer := logging.StartTimer(logging.CategorySacred, fmt.Sprintf("embed plan (%d chunks)", len(chunks)))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.engine.EmbedBatch(ctx, texts)
	timer.Stop()
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "embedding plan content")
	}
	if len(vectors) != len(chunks) {
		return nil, fault.New(fault.Internal, "embedding returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	now := time.Now().UTC()
	planID := "plan_" + uuid.NewString()[:8]
	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkRecord{
			SourcePath: planID,
			Ordinal:    c.Ordinal,
			Content:    c.Content,
			ChunkHash:  c.Hash,
			DocHash:    hash,
			Start:      c.Start,
			End:        c.End,
			Embedding:  vectors[i],
			Metadata: map[string]interface{}{
				"plan_id": planID,
				"ordinal": c.Ordinal,
				"status":  string(StatusDraft),
				"type":    "sacred_plan",
			},
		}
	}

	plan := &Plan{
		SchemaVersion:    SchemaVersion,
		ID:               planID,
		ProjectID:        projectID,
		Title:            strings.TrimSpace(title),
		ContentHash:      hash,
		Status:           StatusDraft,
		VerificationCode: VerificationCode(hash, now),
		CreatedAt:        now,
		Manifest:         chunk.BuildManifest(chunks),
		ContentBytes:     len(canonical),
		ChunkCount:       len(chunks),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.plans {
		if existing.ProjectID == projectID && existing.ContentHash == hash && existing.Status.active() {
			return nil, fault.New(fault.AlreadyExists, "content matches active plan %s", existing.ID)
		}
	}

	col, err := s.vectors.Collection(collectionName(projectID))
	if err != nil {
		return nil, err
	}
	if err := col.ReplaceSource(ctx, planID, hash, records); err != nil {
		return nil, err
	}

	s.plans[planID] = plan
	if err := s.persistLocked(plan); err != nil {
		delete(s.plans, planID)
		if _, derr := col.DeleteSource(ctx, planID); derr != nil {
			logging.SacredError("Rollback of plan %s chunks failed: %v", planID, derr)
		}
		return nil, err
	}
	s.writeContentLocked(planID, canonical)
	s.refreshMetricsLocked()

	logging.Sacred("Plan %s created in %s: %q (%d chunks, %d bytes)",
		planID, projectID, plan.Title, len(chunks), plan.ContentBytes)
	s.publish(&bus.Event{
		Type:      bus.EventSacredPlanCreated,
		ProjectID: projectID,
		Payload: map[string]interface{}{
			"project_id": projectID,
			"plan_id":    planID,
			"title":      plan.Title,
		},
	})
	return plan.clone(), nil
}

// SubmitForApproval moves a draft to pending_approval. Optional step: a
// draft may be approved directly when the approval call carries both
// factors.
func (s *Store) SubmitForApproval(planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, fault.New(fault.NotFound, "plan %s not found", planID)
	}
	switch p.Status {
	case StatusDraft:
	case StatusApproved:
		return nil, fault.New(fault.Immutable, "plan %s is approved and cannot be modified", planID)
	default:
		return nil, fault.New(fault.StateConflict, "plan %s is %s, expected draft", planID, p.Status)
	}

	prior := p.Status
	p.Status = StatusPendingApproval
	if err := s.persistLocked(p); err != nil {
		p.Status = prior
		return nil, err
	}
	s.refreshMetricsLocked()
	logging.Sacred("Plan %s submitted for approval", planID)
	return p.clone(), nil
}

// ApprovePlan performs the two-factor approval. Both factors are compared
// in constant time and both must match. On success the record and every
// chunk's metadata flip to approved; the two writes are bridged by a
// pending-commit marker so an interruption between them is repaired at the
// next startup. Once approved, content-mutating calls fail Immutable.
func (s *Store) ApprovePlan(ctx context.Context, planID, verificationCode, secondaryKey, approver string) (*Plan, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fault.New(fault.InvalidInput, "approver is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, fault.New(fault.NotFound, "plan %s not found", planID)
	}
	switch p.Status {
	case StatusDraft, StatusPendingApproval:
	case StatusApproved:
		return nil, fault.New(fault.Immutable, "plan %s is already approved", planID)
	default:
		return nil, fault.New(fault.StateConflict, "plan %s is %s and cannot be approved", planID, p.Status)
	}

	if !verifyFactors(verificationCode, p.VerificationCode, secondaryKey, s.approvalKey) {
		logging.SacredWarn("Approval of %s rejected: factor mismatch", planID)
		return nil, fault.New(fault.VerificationFailed, "verification failed")
	}

	if err := s.writeMarkerLocked(planID, StatusApproved); err != nil {
		return nil, err
	}

	priorStatus := p.Status
	p.Status = StatusApproved
	p.Approval = &Approval{
		Approver:   strings.TrimSpace(approver),
		ApprovedAt: time.Now().UTC(),
		Method:     "two_factor",
	}
	if err := s.persistLocked(p); err != nil {
		p.Status = priorStatus
		p.Approval = nil
		s.removeMarkerLocked(planID)
		return nil, err
	}

	// The record is durable from here. A metadata rewrite failure leaves the
	// marker in place for the startup reconciliation pass instead of undoing
	// the approval.
	if err := s.rewriteChunkStatusLocked(ctx, p, StatusApproved); err != nil {
		logging.SacredError("Chunk metadata rewrite for %s deferred to reconciliation: %v", planID, err)
	} else {
		s.removeMarkerLocked(planID)
	}
	s.refreshMetricsLocked()

	logging.Sacred("Plan %s approved by %s", planID, p.Approval.Approver)
	s.publish(&bus.Event{
		Type:      bus.EventSacredPlanApproved,
		ProjectID: p.ProjectID,
		Payload: map[string]interface{}{
			"project_id": p.ProjectID,
			"plan_id":    planID,
			"approver":   p.Approval.Approver,
			"timestamp":  p.Approval.ApprovedAt.Format(time.RFC3339),
		},
	})
	return p.clone(), nil
}

// GetPlan returns the plan with its content reassembled from the chunk
// collection and verified against the stored content hash. A hash mismatch
// is an integrity fault, never silently repaired.
func (s *Store) GetPlan(ctx context.Context, planID string) (*PlanWithContent, error) {
	s.mu.RLock()
	p, ok := s.plans[planID]
	if !ok {
		s.mu.RUnlock()
		return nil, fault.New(fault.NotFound, "plan %s not found", planID)
	}
	plan := p.clone()
	s.mu.RUnlock()

	col, err := s.vectors.Collection(collectionName(plan.ProjectID))
	if err != nil {
		return nil, err
	}
	records, err := col.ChunksBySource(ctx, planID)
	if err != nil {
		return nil, err
	}
	byOrdinal := make(map[int]string, len(records))
	for _, rec := range records {
		byOrdinal[rec.Ordinal] = rec.Content
	}

	content, err := chunk.Reassemble(plan.Manifest, func(ordinal int) (string, error) {
		c, ok := byOrdinal[ordinal]
		if !ok {
			return "", fmt.Errorf("ordinal %d missing from collection", ordinal)
		}
		return c, nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityError, err, "reassembling plan %s", planID)
	}
	if got := chunk.HashString(content); got != plan.ContentHash {
		return nil, fault.New(fault.IntegrityError,
			"plan %s reconstructed hash %s does not match stored %s", planID, got[:12], plan.ContentHash[:12])
	}
	return &PlanWithContent{Plan: *plan, Content: content}, nil
}

// ListPlans returns plan records for a project ordered by creation time.
// An empty status filter returns everything except archived plans.
func (s *Store) ListPlans(projectID string, statusFilter string) ([]*Plan, error) {
	var filter Status
	if statusFilter != "" {
		filter = Status(statusFilter)
		if !filter.Valid() {
			return nil, fault.New(fault.InvalidInput, "unknown status filter %q", statusFilter)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Plan, 0)
	for _, p := range s.plans {
		if projectID != "" && p.ProjectID != projectID {
			continue
		}
		if filter == "" {
			if p.Status == StatusArchived {
				continue
			}
		} else if p.Status != filter {
			continue
		}
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// QueryPlans searches the project's sacred collection, restricted to chunks
// of approved plans, and joins hits back to their owning plan records.
func (s *Store) QueryPlans(ctx context.Context, projectID, query string, k int) ([]PlanHit, error) {
	if projectID == "" {
		return nil, fault.New(fault.InvalidInput, "project_id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.InvalidInput, "query text is required")
	}
	if k < 0 {
		return nil, fault.New(fault.InvalidInput, "k must be non-negative")
	}
	if k == 0 {
		k = defaultQueryK
	}
	if k > maxQueryK {
		k = maxQueryK
	}

	timer := logging.StartTimer(logging.CategorySacred, "sacred query")
	defer timer.StopWithThreshold(2 * time.Second)

	if !s.vectors.Has(collectionName(projectID)) {
		return []PlanHit{}, nil
	}
	col, err := s.vectors.Collection(collectionName(projectID))
	if err != nil {
		return nil, err
	}

	vec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "embedding sacred query")
	}

	results, err := col.Search(ctx, vec, k, func(rec *store.ChunkRecord) bool {
		return rec.Metadata["type"] == "sacred_plan" && rec.Metadata["status"] == string(StatusApproved)
	})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]PlanHit, 0, len(results))
	for _, res := range results {
		p, ok := s.plans[res.Chunk.SourcePath]
		if !ok {
			logging.SacredWarn("Search hit for unknown plan %s skipped", res.Chunk.SourcePath)
			continue
		}
		hits = append(hits, PlanHit{
			PlanID:  p.ID,
			Title:   p.Title,
			Status:  p.Status,
			Chunk:   res.Chunk.Content,
			Ordinal: res.Chunk.Ordinal,
			Score:   res.Similarity,
		})
	}
	return hits, nil
}

// Supersede marks the old plan as superseded by the new one. Both plans
// must be approved. The supersedes chain must remain acyclic; traversal is
// checked before linking.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return fault.New(fault.InvalidInput, "a plan cannot supersede itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldPlan, ok := s.plans[oldID]
	if !ok {
		return fault.New(fault.NotFound, "plan %s not found", oldID)
	}
	newPlan, ok := s.plans[newID]
	if !ok {
		return fault.New(fault.NotFound, "plan %s not found", newID)
	}
	if oldPlan.Status != StatusApproved {
		return fault.New(fault.StateConflict, "plan %s is %s, only approved plans can be superseded", oldID, oldPlan.Status)
	}
	if newPlan.Status != StatusApproved {
		return fault.New(fault.StateConflict, "plan %s is %s, only an approved plan can supersede", newID, newPlan.Status)
	}
	if s.wouldCycleLocked(oldID, newID) {
		return fault.New(fault.StateConflict, "superseding %s with %s would create a cycle", oldID, newID)
	}

	if err := s.writeMarkerLocked(oldID, StatusSuperseded); err != nil {
		return err
	}

	oldPlan.Status = StatusSuperseded
	oldPlan.SupersededBy = newID
	newPlan.Supersedes = oldID
	if err := s.persistLocked(oldPlan); err != nil {
		oldPlan.Status = StatusApproved
		oldPlan.SupersededBy = ""
		newPlan.Supersedes = ""
		s.removeMarkerLocked(oldID)
		return err
	}
	if err := s.persistLocked(newPlan); err != nil {
		// Old record is already superseded on disk; keep memory consistent
		// with disk and surface the partial write.
		newPlan.Supersedes = ""
		s.removeMarkerLocked(oldID)
		return fault.Wrap(fault.Internal, err, "persisting superseding plan %s", newID)
	}

	if err := s.rewriteChunkStatusLocked(ctx, oldPlan, StatusSuperseded); err != nil {
		logging.SacredError("Chunk metadata rewrite for %s deferred to reconciliation: %v", oldID, err)
	} else {
		s.removeMarkerLocked(oldID)
	}
	s.refreshMetricsLocked()

	logging.Sacred("Plan %s superseded by %s", oldID, newID)
	return nil
}

// Archive removes a plan from default retrieval. Archived is terminal.
func (s *Store) Archive(ctx context.Context, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, fault.New(fault.NotFound, "plan %s not found", planID)
	}
	if p.Status == StatusArchived {
		return nil, fault.New(fault.StateConflict, "plan %s is already archived", planID)
	}

	if err := s.writeMarkerLocked(planID, StatusArchived); err != nil {
		return nil, err
	}

	prior := p.Status
	p.Status = StatusArchived
	if err := s.persistLocked(p); err != nil {
		p.Status = prior
		s.removeMarkerLocked(planID)
		return nil, err
	}

	if err := s.rewriteChunkStatusLocked(ctx, p, StatusArchived); err != nil {
		logging.SacredError("Chunk metadata rewrite for %s deferred to reconciliation: %v", planID, err)
	} else {
		s.removeMarkerLocked(planID)
	}
	s.refreshMetricsLocked()

	logging.Sacred("Plan %s archived (was %s)", planID, prior)
	return p.clone(), nil
}

// ApprovedPlans returns approved, non-superseded plans for a project. This
// is the drift engine's working set.
func (s *Store) ApprovedPlans(projectID string) []*Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Plan, 0)
	for _, p := range s.plans {
		if p.ProjectID == projectID && p.Status == StatusApproved {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PlanChunks returns the stored chunk records for a plan, ordinal order.
func (s *Store) PlanChunks(ctx context.Context, planID string) ([]store.ChunkRecord, error) {
	s.mu.RLock()
	p, ok := s.plans[planID]
	if !ok {
		s.mu.RUnlock()
		return nil, fault.New(fault.NotFound, "plan %s not found", planID)
	}
	projectID := p.ProjectID
	s.mu.RUnlock()

	col, err := s.vectors.Collection(collectionName(projectID))
	if err != nil {
		return nil, err
	}
	return col.ChunksBySource(ctx, planID)
}

// wouldCycleLocked walks the supersedes chain from oldID and reports whether
// it reaches newID. Visited tracking bounds the walk even on corrupt chains.
func (s *Store) wouldCycleLocked(oldID, newID string) bool {
	visited := make(map[string]bool)
	current := oldID
	for current != "" && !visited[current] {
		visited[current] = true
		if current == newID {
			return true
		}
		p, ok := s.plans[current]
		if !ok {
			return false
		}
		current = p.Supersedes
	}
	return current != ""
}

func (s *Store) persistLocked(p *Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encoding plan %s", p.ID)
	}
	if err := atomicWrite(filepath.Join(s.dir, p.ID+recordExt), data); err != nil {
		return fault.Wrap(fault.Internal, err, "writing plan record %s", p.ID)
	}
	return nil
}

// writeContentLocked drops the canonical content next to the record so
// read-only tooling can render plans without opening the collection.
func (s *Store) writeContentLocked(planID, canonical string) {
	if err := atomicWrite(filepath.Join(s.dir, planID+contentExt), []byte(canonical)); err != nil {
		logging.SacredWarn("Plan %s content sidecar not written: %v", planID, err)
	}
}

func (s *Store) refreshMetricsLocked() {
	counts := map[Status]int{
		StatusDraft:           0,
		StatusPendingApproval: 0,
		StatusApproved:        0,
		StatusSuperseded:      0,
		StatusArchived:        0,
	}
	for _, p := range s.plans {
		counts[p.Status]++
	}
	for status, n := range counts {
		metrics.PlansTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (s *Store) publish(ev *bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
