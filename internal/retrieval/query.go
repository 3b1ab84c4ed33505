package retrieval

import (
	"context"
	"strings"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/store"
)

// QueryHit is one retrieved chunk with its similarity score.
type QueryHit struct {
	Content    string                 `json:"content"`
	SourcePath string                 `json:"source_path"`
	Ordinal    int                    `json:"ordinal"`
	Language   string                 `json:"language,omitempty"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// QueryResult is a raw retrieval response. NoContent marks the structured
// "nothing indexed yet" case, which is a valid answer rather than an error.
type QueryResult struct {
	ProjectID string     `json:"project_id"`
	Question  string     `json:"question"`
	Results   []QueryHit `json:"results"`
	NoContent bool       `json:"no_content,omitempty"`
	Note      string     `json:"note,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// GenResult is a retrieval-plus-generation response. When generation is
// unavailable the retrieved chunks come back verbatim with a note; an
// answer is never synthesised without grounding chunks.
type GenResult struct {
	ProjectID   string     `json:"project_id"`
	Question    string     `json:"question"`
	Answer      string     `json:"answer,omitempty"`
	Sources     []string   `json:"sources"`
	ContextUsed int        `json:"context_used"`
	Results     []QueryHit `json:"results,omitempty"`
	Note        string     `json:"note,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

const genPreamble = "You are a development context assistant. Answer the question " +
	"using only the provided context excerpts. If the context does not contain " +
	"the answer, say so plainly instead of guessing."

const chunkRule = "\n\n---\n\n"

func clampK(k int) (int, error) {
	if k < 0 {
		return 0, fault.New(fault.InvalidInput, "k must be non-negative, got %d", k)
	}
	if k == 0 {
		return defaultK, nil
	}
	if k > maxK {
		return maxK, nil
	}
	return k, nil
}

// Query embeds the question and returns the top-k most similar chunks from
// the project's collection. The project defaults to the focused one.
func (e *Engine) Query(ctx context.Context, projectID, question string, k int) (*QueryResult, error) {
	start := time.Now()

	if strings.TrimSpace(question) == "" {
		return nil, fault.New(fault.InvalidInput, "question is required")
	}
	k, err := clampK(k)
	if err != nil {
		return nil, err
	}
	proj, err := e.resolveProject(projectID)
	if err != nil {
		return nil, err
	}

	col, err := e.vectors.Collection(projectCollection(proj.ID))
	if err != nil {
		return nil, err
	}
	count, err := col.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return &QueryResult{
			ProjectID: proj.ID,
			Question:  question,
			Results:   []QueryHit{},
			NoContent: true,
			Note:      "no indexed content for this project; ingest files first",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "embedding question")
	}
	results, err := col.Search(ctx, vec, k, nil)
	if err != nil {
		return nil, err
	}

	hits := make([]QueryHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hitFromResult(res))
	}

	if e.queries != nil {
		e.queries.Record(proj.ID, question)
	}
	metrics.QueryDuration.WithLabelValues("raw").Observe(time.Since(start).Seconds())
	logging.APIDebug("Query on %s returned %d hits in %v", proj.ID, len(hits), time.Since(start))

	return &QueryResult{
		ProjectID: proj.ID,
		Question:  question,
		Results:   hits,
		Timestamp: time.Now().UTC(),
	}, nil
}

// QueryWithGeneration performs Query and asks the generation client to
// answer from the retrieved chunks. Generation failure degrades to the raw
// chunks plus an explanatory note.
func (e *Engine) QueryWithGeneration(ctx context.Context, projectID, question string, k int) (*GenResult, error) {
	start := time.Now()

	raw, err := e.Query(ctx, projectID, question, k)
	if err != nil {
		return nil, err
	}

	out := &GenResult{
		ProjectID:   raw.ProjectID,
		Question:    question,
		Sources:     uniqueSources(raw.Results),
		ContextUsed: len(raw.Results),
		Timestamp:   time.Now().UTC(),
	}
	if raw.NoContent {
		out.Note = raw.Note
		return out, nil
	}

	if e.generator == nil {
		out.Results = raw.Results
		out.Note = "generation unavailable; returning retrieved context"
		return out, nil
	}

	var sb strings.Builder
	for i, hit := range raw.Results {
		if i > 0 {
			sb.WriteString(chunkRule)
		}
		sb.WriteString(hit.Content)
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)

	answer, err := e.generator.CompleteWithSystem(ctx, genPreamble, sb.String())
	if err != nil {
		logging.GenWarn("Generation failed, returning raw chunks: %v", err)
		out.Results = raw.Results
		out.Note = "generation unavailable; returning retrieved context"
		return out, nil
	}

	out.Answer = answer
	metrics.QueryDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return out, nil
}

func hitFromResult(res store.SearchResult) QueryHit {
	hit := QueryHit{
		Content:    res.Chunk.Content,
		SourcePath: res.Chunk.SourcePath,
		Ordinal:    res.Chunk.Ordinal,
		Score:      res.Similarity,
		Metadata:   res.Chunk.Metadata,
	}
	if lang, ok := res.Chunk.Metadata["language"].(string); ok {
		hit.Language = lang
	}
	return hit
}

func uniqueSources(hits []QueryHit) []string {
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if !seen[h.SourcePath] {
			seen[h.SourcePath] = true
			out = append(out, h.SourcePath)
		}
	}
	return out
}
