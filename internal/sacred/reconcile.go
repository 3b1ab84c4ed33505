package sacred

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

const markerExt = ".pending"

// commitMarker bridges the two writes of a status change: it is created
// before the plan record is rewritten and removed after the chunk metadata
// rewrite lands. A marker found at startup means the second write may be
// missing.
type commitMarker struct {
	PlanID    string    `json:"plan_id"`
	Status    Status    `json:"status"`
	WrittenAt time.Time `json:"written_at"`
}

func (s *Store) writeMarkerLocked(planID string, target Status) error {
	data, err := json.Marshal(commitMarker{PlanID: planID, Status: target, WrittenAt: time.Now().UTC()})
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encoding commit marker for %s", planID)
	}
	if err := atomicWrite(filepath.Join(s.dir, planID+markerExt), data); err != nil {
		return fault.Wrap(fault.Internal, err, "writing commit marker for %s", planID)
	}
	return nil
}

func (s *Store) removeMarkerLocked(planID string) {
	if err := os.Remove(filepath.Join(s.dir, planID+markerExt)); err != nil && !os.IsNotExist(err) {
		logging.SacredWarn("Commit marker for %s not removed: %v", planID, err)
	}
}

// rewriteChunkStatusLocked mirrors the plan's status onto every chunk in
// its collection. Idempotent.
func (s *Store) rewriteChunkStatusLocked(ctx context.Context, p *Plan, target Status) error {
	name := collectionName(p.ProjectID)
	if !s.vectors.Has(name) {
		logging.SacredWarn("Plan %s has no collection %s, nothing to rewrite", p.ID, name)
		return nil
	}
	col, err := s.vectors.Collection(name)
	if err != nil {
		return err
	}
	n, err := col.UpdateSourceMetadata(ctx, p.ID, map[string]interface{}{"status": string(target)})
	if err != nil {
		return err
	}
	if n == 0 {
		logging.SacredWarn("Plan %s status rewrite touched no chunks", p.ID)
	}
	return nil
}

// Reconcile re-applies chunk metadata rewrites recorded by pending-commit
// markers. The plan record is authoritative: chunks are rewritten to the
// record's current status, which also neutralizes markers whose record
// write never landed. Safe to run repeatedly.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "scanning for commit markers")
	}

	applied := 0
	var lastErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markerExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			logging.SacredWarn("Unreadable commit marker %s: %v", entry.Name(), err)
			lastErr = err
			continue
		}
		var m commitMarker
		if err := json.Unmarshal(data, &m); err != nil || m.PlanID == "" {
			logging.SacredWarn("Discarding malformed commit marker %s", entry.Name())
			os.Remove(path)
			continue
		}

		p, ok := s.plans[m.PlanID]
		if !ok {
			logging.SacredWarn("Discarding commit marker for unknown plan %s", m.PlanID)
			os.Remove(path)
			continue
		}

		if err := s.rewriteChunkStatusLocked(ctx, p, p.Status); err != nil {
			logging.SacredWarn("Reconciling plan %s failed, marker kept: %v", m.PlanID, err)
			lastErr = err
			continue
		}
		os.Remove(path)
		applied++
	}
	return applied, lastErr
}
