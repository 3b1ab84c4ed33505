// Package retrieval owns per-project vector collections and the two
// pipelines over them: ingest (filter, redact, chunk, embed, store) and
// query (embed, search, optionally generate). It is the only writer of
// project collections; sacred collections belong to the sacred store.
package retrieval

import (
	"context"
	"time"

	"contextkeeper/internal/chunk"
	"contextkeeper/internal/embedding"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/generation"
	"contextkeeper/internal/project"
	"contextkeeper/internal/store"
)

const (
	defaultK = 5
	maxK     = 20
)

// ProjectSource resolves project records. Satisfied by *project.Registry.
type ProjectSource interface {
	Get(id string) (*project.Project, error)
	Focused() (*project.Project, bool)
}

// Config bounds the ingest pipeline and the query log.
type Config struct {
	MaxFileBytes    int64
	ChunkTarget     int
	ChunkOverlap    int
	QueryLogEnabled bool
	QueryLogSize    int
	// Directory names excluded from ingestion beyond the built-in set,
	// typically the system's own data root.
	ExtraExcludedDirs []string
}

// Engine is the retrieval pipeline for all projects.
type Engine struct {
	vectors   *store.Store
	embedder  embedding.EmbeddingEngine
	generator generation.Generator
	projects  ProjectSource

	chunker      *chunk.Chunker
	maxFileBytes int64
	extraDirs    []string
	queries      *queryLog
}

// NewEngine wires the pipeline. generator may be nil; query-with-generation
// then degrades to raw retrieval with a note.
func NewEngine(vectors *store.Store, embedder embedding.EmbeddingEngine, generator generation.Generator, projects ProjectSource, cfg Config) *Engine {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 1 << 20
	}
	e := &Engine{
		vectors:      vectors,
		embedder:     embedder,
		generator:    generator,
		projects:     projects,
		chunker:      chunk.NewChunker(cfg.ChunkTarget, cfg.ChunkOverlap),
		maxFileBytes: cfg.MaxFileBytes,
		extraDirs:    cfg.ExtraExcludedDirs,
	}
	if cfg.QueryLogEnabled {
		e.queries = newQueryLog(cfg.QueryLogSize)
	}
	return e
}

func projectCollection(projectID string) string {
	return "project_" + projectID
}

// resolveProject returns the target project: the named one, or the focused
// one when no id is given.
func (e *Engine) resolveProject(projectID string) (*project.Project, error) {
	if projectID != "" {
		return e.projects.Get(projectID)
	}
	p, ok := e.projects.Focused()
	if !ok {
		return nil, fault.New(fault.InvalidInput, "no project_id given and no project focused")
	}
	return p, nil
}

// RecentQueries returns logged queries for a project newer than since.
// Empty when the query log is disabled.
func (e *Engine) RecentQueries(projectID string, since time.Time) []QueryRecord {
	if e.queries == nil {
		return nil
	}
	return e.queries.Recent(projectID, since)
}

// DropProject removes the project's collection and its sacred twin. Used
// when a project is deleted.
func (e *Engine) DropProject(projectID string) error {
	if err := e.vectors.Drop(projectCollection(projectID)); err != nil {
		return err
	}
	return e.vectors.Drop("sacred_" + projectID)
}

// ProjectStats reports collection-level statistics for the context payload.
func (e *Engine) ProjectStats(ctx context.Context, projectID string) (map[string]interface{}, error) {
	name := projectCollection(projectID)
	if !e.vectors.Has(name) {
		return map[string]interface{}{
			"name":            name,
			"dimension":       e.vectors.Dimension(),
			"total_chunks":    int64(0),
			"embedded_chunks": int64(0),
			"sources":         int64(0),
			"content_bytes":   int64(0),
		}, nil
	}
	col, err := e.vectors.Collection(name)
	if err != nil {
		return nil, err
	}
	return col.Stats(ctx)
}
