// Package drift measures how recent development activity lines up with a
// project's approved plans. Commit messages, changed paths, and logged
// developer queries are embedded and scored against plan chunks; activity
// that stays far from every plan while sitting close to a prohibition
// sentence is flagged as a violation. The analysis is deterministic for
// identical inputs: everything is scored in stable order and nothing is
// sampled.
package drift

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"contextkeeper/internal/embedding"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/gitlog"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/project"
	"contextkeeper/internal/retrieval"
	"contextkeeper/internal/sacred"
	"contextkeeper/internal/store"
)

// Status classifies overall alignment.
type Status string

const (
	StatusAligned           Status = "aligned"
	StatusMinorDrift        Status = "minor_drift"
	StatusModerateDrift     Status = "moderate_drift"
	StatusCriticalViolation Status = "critical_violation"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	alignedMin  = 0.80
	minorMin    = 0.60
	moderateMin = 0.40

	// An activity item is a violation candidate when its best similarity
	// to every approved plan stays under the floor; it becomes a violation
	// when it also sits above the ceiling against a prohibition sentence.
	violationFloor   = 0.25
	forbiddenCeiling = 0.55

	// Weight share logged developer queries take when present; message and
	// path weights shrink proportionally to make room.
	queryWeight = 0.10

	defaultWindowHours = 24
)

// Violation is one activity item contradicting an approved plan.
type Violation struct {
	PlanID     string   `json:"plan_id"`
	PlanTitle  string   `json:"plan_title"`
	Evidence   string   `json:"evidence"`
	Detail     string   `json:"detail"`
	Pattern    string   `json:"pattern"`
	Similarity float64  `json:"similarity"`
	Severity   Severity `json:"severity"`
}

// PlanAdherence is one plan's recency-weighted alignment with the window's
// activity.
type PlanAdherence struct {
	PlanID    string  `json:"plan_id"`
	Title     string  `json:"title"`
	Adherence float64 `json:"adherence"`
	Samples   int     `json:"samples"`
}

// ActivitySummary counts the scored inputs.
type ActivitySummary struct {
	Commits int `json:"commits"`
	Paths   int `json:"paths"`
	Queries int `json:"queries"`
}

// Analysis is the drift report for one project window.
type Analysis struct {
	ProjectID       string          `json:"project_id"`
	WindowHours     int             `json:"window_hours"`
	Status          Status          `json:"status"`
	Alignment       float64         `json:"alignment"`
	Plans           []PlanAdherence `json:"plans"`
	Violations      []Violation     `json:"violations"`
	Recommendations []string        `json:"recommendations"`
	Activity        ActivitySummary `json:"activity"`
	Notes           []string        `json:"notes,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// PlanSource supplies approved plans and their indexed chunks. Satisfied by
// *sacred.Store.
type PlanSource interface {
	ApprovedPlans(projectID string) []*sacred.Plan
	PlanChunks(ctx context.Context, planID string) ([]store.ChunkRecord, error)
}

// ProjectSource resolves project roots. Satisfied by *project.Registry.
type ProjectSource interface {
	Get(id string) (*project.Project, error)
}

// QuerySource feeds logged developer questions into the activity corpus.
// Satisfied by *retrieval.Engine; nil when the query log is disabled.
type QuerySource interface {
	RecentQueries(projectID string, since time.Time) []retrieval.QueryRecord
}

// CollectFunc gathers git activity for a root. Defaults to gitlog.Collect.
type CollectFunc func(ctx context.Context, root string, since time.Time) (*gitlog.Activity, error)

// Config weights the activity kinds.
type Config struct {
	// Relative influence of commit messages vs changed paths, defaults
	// 0.5/0.5.
	MessageWeight float64
	PathWeight    float64
}

// Stat summarises a project's analysis history since process start.
type Stat struct {
	Checks          int       `json:"checks"`
	LastStatus      Status    `json:"last_status"`
	LastGeneratedAt time.Time `json:"last_generated_at"`
}

// Engine runs drift analyses.
type Engine struct {
	plans    PlanSource
	projects ProjectSource
	queries  QuerySource
	embedder embedding.EmbeddingEngine
	collect  CollectFunc

	msgWeight  float64
	pathWeight float64
	cache      *embedCache

	statsMu sync.Mutex
	history map[string]Stat
}

// NewEngine wires a drift engine. queries may be nil.
func NewEngine(plans PlanSource, projects ProjectSource, queries QuerySource, embedder embedding.EmbeddingEngine, cfg Config) *Engine {
	if cfg.MessageWeight <= 0 {
		cfg.MessageWeight = 0.5
	}
	if cfg.PathWeight <= 0 {
		cfg.PathWeight = 0.5
	}
	return &Engine{
		plans:      plans,
		projects:   projects,
		queries:    queries,
		embedder:   embedder,
		collect:    gitlog.Collect,
		msgWeight:  cfg.MessageWeight,
		pathWeight: cfg.PathWeight,
		cache:      newEmbedCache(0),
		history:    make(map[string]Stat),
	}
}

// Summary reports a project's analysis history. ok is false when the
// project has never been analysed in this process.
func (e *Engine) Summary(projectID string) (Stat, bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s, ok := e.history[projectID]
	return s, ok
}

type activityKind int

const (
	kindMessage activityKind = iota
	kindPath
	kindQuery
)

type activityItem struct {
	kind     activityKind
	evidence string // commit hash, path, or "query"
	text     string
	key      string // cache key
	at       time.Time
	vec      []float32
}

type forbiddenPattern struct {
	sentence string
	vec      []float32
}

type planVectors struct {
	id        string
	title     string
	vecs      [][]float32
	forbidden []forbiddenPattern
}

// Analyze scores the last windowHours of activity against the project's
// approved plans. windowHours zero means the 24h default.
func (e *Engine) Analyze(ctx context.Context, projectID string, windowHours int) (*Analysis, error) {
	if windowHours < 0 {
		return nil, fault.New(fault.InvalidInput, "window must be non-negative, got %d hours", windowHours)
	}
	if windowHours == 0 {
		windowHours = defaultWindowHours
	}
	proj, err := e.projects.Get(projectID)
	if err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryDrift, fmt.Sprintf("drift analysis %s", projectID))
	defer timer.Stop()

	now := time.Now().UTC()
	out := &Analysis{
		ProjectID:   projectID,
		WindowHours: windowHours,
		Status:      StatusAligned,
		Alignment:   1.0,
		Plans:       []PlanAdherence{},
		Violations:  []Violation{},
		GeneratedAt: now,
	}

	corpus, warnings := e.planCorpus(ctx, projectID)
	out.Warnings = warnings
	if len(corpus) == 0 {
		out.Notes = append(out.Notes, "no approved plans; nothing to measure against")
		return e.finish(out), nil
	}

	window := time.Duration(windowHours) * time.Hour
	since := now.Add(-window)

	items, note := e.activityItems(ctx, proj, since, now)
	if note != "" {
		out.Notes = append(out.Notes, note)
	}
	out.Activity = summarize(items)
	if len(items) == 0 {
		out.Notes = append(out.Notes, "no development activity in window; alignment is vacuous")
		return e.finish(out), nil
	}

	if err := e.embedItems(ctx, items); err != nil {
		return nil, err
	}
	if err := e.embedForbidden(ctx, corpus); err != nil {
		return nil, err
	}

	adherences, bestAny := e.score(corpus, items, now, window)
	out.Plans = adherences
	var sum float64
	for _, pa := range adherences {
		sum += pa.Adherence
	}
	out.Alignment = sum / float64(len(adherences))
	out.Status = classify(out.Alignment)
	out.Violations = violationsFor(corpus, items, bestAny, now, window)

	return e.finish(out), nil
}

func (e *Engine) finish(out *Analysis) *Analysis {
	out.Recommendations = recommend(out)

	e.statsMu.Lock()
	s := e.history[out.ProjectID]
	s.Checks++
	s.LastStatus = out.Status
	s.LastGeneratedAt = out.GeneratedAt
	e.history[out.ProjectID] = s
	e.statsMu.Unlock()

	metrics.DriftChecksTotal.WithLabelValues(string(out.Status)).Inc()
	logging.Drift("Analysis %s: status=%s alignment=%.3f plans=%d commits=%d paths=%d queries=%d violations=%d",
		out.ProjectID, out.Status, out.Alignment, len(out.Plans),
		out.Activity.Commits, out.Activity.Paths, out.Activity.Queries, len(out.Violations))
	return out
}

// planCorpus loads approved plans and their chunk vectors. Plans whose
// chunks cannot be read are excluded with a warning rather than failing
// the whole analysis.
func (e *Engine) planCorpus(ctx context.Context, projectID string) ([]planVectors, []string) {
	var warnings []string
	plans := e.plans.ApprovedPlans(projectID)
	out := make([]planVectors, 0, len(plans))
	for _, p := range plans {
		chunks, err := e.plans.PlanChunks(ctx, p.ID)
		if err != nil {
			logging.Get(logging.CategoryDrift).Warn("Excluding plan %s from analysis: %v", p.ID, err)
			warnings = append(warnings, fmt.Sprintf("plan %s excluded: chunks unavailable", p.ID))
			continue
		}
		pv := planVectors{id: p.ID, title: p.Title}
		seen := make(map[string]bool)
		for _, c := range chunks {
			if len(c.Embedding) > 0 {
				pv.vecs = append(pv.vecs, c.Embedding)
			}
			for _, s := range forbiddenSentences(c.Content) {
				if !seen[s] {
					seen[s] = true
					pv.forbidden = append(pv.forbidden, forbiddenPattern{sentence: s})
				}
			}
		}
		if len(pv.vecs) == 0 {
			warnings = append(warnings, fmt.Sprintf("plan %s excluded: no embedded chunks", p.ID))
			continue
		}
		out = append(out, pv)
	}
	return out, warnings
}

// activityItems builds the activity corpus: commit messages, changed paths,
// working-tree paths, and recent queries. Git being unavailable degrades to
// empty activity with a note, matching the vacuous-alignment contract.
func (e *Engine) activityItems(ctx context.Context, proj *project.Project, since, now time.Time) ([]activityItem, string) {
	var note string

	activity, err := e.collect(ctx, proj.RootPath, since)
	if err != nil {
		logging.Get(logging.CategoryDrift).Warn("Git activity unavailable for %s: %v", proj.ID, err)
		note = fmt.Sprintf("git activity unavailable: %v", err)
		activity = &gitlog.Activity{}
	}

	var items []activityItem
	for _, c := range activity.Commits {
		if msg := strings.TrimSpace(c.Message); msg != "" {
			items = append(items, activityItem{
				kind: kindMessage, evidence: c.Hash, text: msg,
				key: "commit:" + c.Hash, at: c.Time,
			})
		}
		for _, f := range c.Files {
			items = append(items, activityItem{
				kind: kindPath, evidence: f.Path, text: f.Path,
				key: "path:" + f.Path, at: c.Time,
			})
		}
	}
	for _, p := range activity.WorkingTree {
		items = append(items, activityItem{
			kind: kindPath, evidence: p, text: p,
			key: "path:" + p, at: now,
		})
	}
	if e.queries != nil {
		for _, q := range e.queries.RecentQueries(proj.ID, since) {
			items = append(items, activityItem{
				kind: kindQuery, evidence: "query", text: q.Question,
				key: "query:" + q.Question, at: q.Timestamp,
			})
		}
	}
	return items, note
}

func (e *Engine) embedItems(ctx context.Context, items []activityItem) error {
	keys := make([]string, len(items))
	texts := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
		texts[i] = it.text
	}
	vecs, err := e.embedAll(ctx, keys, texts)
	if err != nil {
		return err
	}
	for i := range items {
		items[i].vec = vecs[i]
	}
	return nil
}

func (e *Engine) embedForbidden(ctx context.Context, corpus []planVectors) error {
	var keys, texts []string
	var locs [][2]int
	for pi := range corpus {
		for fi := range corpus[pi].forbidden {
			s := corpus[pi].forbidden[fi].sentence
			keys = append(keys, "forbidden:"+s)
			texts = append(texts, s)
			locs = append(locs, [2]int{pi, fi})
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := e.embedAll(ctx, keys, texts)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		corpus[loc[0]].forbidden[loc[1]].vec = vecs[i]
	}
	return nil
}

// embedAll resolves vectors for texts through the cache, batching misses
// into a single embedding call.
func (e *Engine) embedAll(ctx context.Context, keys, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missKeys, missTexts []string
	var missIdx []int
	for i, key := range keys {
		if vec, ok := e.cache.get(key); ok {
			out[i] = vec
			continue
		}
		missKeys = append(missKeys, key)
		missTexts = append(missTexts, texts[i])
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.embedder.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "embedding activity corpus")
	}
	if len(vecs) != len(missTexts) {
		return nil, fault.New(fault.Internal, "embedding returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		e.cache.put(missKeys[j], vec)
		out[missIdx[j]] = vec
	}
	return out, nil
}

// score computes per-plan adherence and, per item, the best similarity to
// any plan (the violation gate).
func (e *Engine) score(corpus []planVectors, items []activityItem, now time.Time, window time.Duration) ([]PlanAdherence, []float64) {
	wMsg, wPath, wQuery := e.kindWeights(items)
	bestAny := make([]float64, len(items))

	out := make([]PlanAdherence, 0, len(corpus))
	for _, pv := range corpus {
		var num, den float64
		samples := 0
		for i := range items {
			sim := maxSimilarity(items[i].vec, pv.vecs)
			if sim > bestAny[i] {
				bestAny[i] = sim
			}
			w := kindWeight(items[i].kind, wMsg, wPath, wQuery) * recencyWeight(items[i].at, now, window)
			if w <= 0 {
				continue
			}
			num += w * sim
			den += w
			samples++
		}
		adherence := 1.0
		if den > 0 {
			adherence = num / den
		}
		out = append(out, PlanAdherence{PlanID: pv.id, Title: pv.title, Adherence: adherence, Samples: samples})
	}
	return out, bestAny
}

// kindWeights returns the per-kind weights. Queries take a fixed share only
// when present.
func (e *Engine) kindWeights(items []activityItem) (wMsg, wPath, wQuery float64) {
	for _, it := range items {
		if it.kind == kindQuery {
			return e.msgWeight * (1 - queryWeight), e.pathWeight * (1 - queryWeight), queryWeight
		}
	}
	return e.msgWeight, e.pathWeight, 0
}

func kindWeight(k activityKind, wMsg, wPath, wQuery float64) float64 {
	switch k {
	case kindMessage:
		return wMsg
	case kindPath:
		return wPath
	default:
		return wQuery
	}
}

// recencyWeight decays linearly from 1 at now to 0 at the window's far edge.
func recencyWeight(at, now time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 1
	}
	age := now.Sub(at)
	if age <= 0 {
		return 1
	}
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

func maxSimilarity(vec []float32, corpus [][]float32) float64 {
	best := 0.0
	for _, cv := range corpus {
		sim, err := embedding.CosineSimilarity(vec, cv)
		if err != nil {
			continue
		}
		if sim > best {
			best = sim
		}
	}
	return best
}

func classify(alignment float64) Status {
	switch {
	case alignment >= alignedMin:
		return StatusAligned
	case alignment >= minorMin:
		return StatusMinorDrift
	case alignment >= moderateMin:
		return StatusModerateDrift
	default:
		return StatusCriticalViolation
	}
}

// violationsFor flags items far from every plan yet close to a prohibition
// sentence. One violation per offending (item, plan) pair, citing the best
// matching sentence.
func violationsFor(corpus []planVectors, items []activityItem, bestAny []float64, now time.Time, window time.Duration) []Violation {
	var out []Violation
	for i := range items {
		if bestAny[i] >= violationFloor {
			continue
		}
		recency := recencyWeight(items[i].at, now, window)
		for _, pv := range corpus {
			bestSim := 0.0
			bestSentence := ""
			for _, fp := range pv.forbidden {
				if fp.vec == nil {
					continue
				}
				sim, err := embedding.CosineSimilarity(items[i].vec, fp.vec)
				if err != nil {
					continue
				}
				if sim > bestSim {
					bestSim = sim
					bestSentence = fp.sentence
				}
			}
			if bestSim <= forbiddenCeiling {
				continue
			}
			out = append(out, Violation{
				PlanID:     pv.id,
				PlanTitle:  pv.title,
				Evidence:   items[i].evidence,
				Detail:     items[i].text,
				Pattern:    bestSentence,
				Similarity: bestSim,
				Severity:   severityFor(bestSim, recency),
			})
		}
	}
	return out
}

// severityFor ranks by how far above the ceiling the match sits, nudged by
// recency.
func severityFor(sim, recency float64) Severity {
	score := (sim - forbiddenCeiling) + 0.2*recency
	switch {
	case score >= 0.30:
		return SeverityHigh
	case score >= 0.15:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func summarize(items []activityItem) ActivitySummary {
	var s ActivitySummary
	for _, it := range items {
		switch it.kind {
		case kindMessage:
			s.Commits++
		case kindPath:
			s.Paths++
		case kindQuery:
			s.Queries++
		}
	}
	return s
}

func recommend(a *Analysis) []string {
	var out []string
	high := 0
	for _, v := range a.Violations {
		if v.Severity == SeverityHigh {
			high++
		}
	}

	switch a.Status {
	case StatusCriticalViolation:
		if high > 0 {
			out = append(out, "Stop and review: recent activity directly contradicts approved plans.")
		} else {
			out = append(out, "Alignment is critically low; review the approved plans before continuing.")
		}
	case StatusModerateDrift:
		out = append(out, "Recent work has drifted from the approved plans; review before it compounds.")
	case StatusMinorDrift:
		out = append(out, "Minor drift detected; confirm the approved plans still match intent.")
	}
	for _, pa := range a.Plans {
		if pa.Samples > 0 && pa.Adherence < moderateMin {
			out = append(out, fmt.Sprintf("Review plan %q (%s): adherence %.2f.", pa.Title, pa.PlanID, pa.Adherence))
		}
	}
	if n := len(a.Violations); n > 0 {
		out = append(out, fmt.Sprintf("%d activity item(s) match forbidden patterns; see violations.", n))
	}
	if len(out) == 0 {
		out = append(out, "No action needed.")
	}
	return out
}
