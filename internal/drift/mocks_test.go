package drift

import (
	"context"
	"strings"
	"time"

	"contextkeeper/internal/embedding"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/gitlog"
	"contextkeeper/internal/project"
	"contextkeeper/internal/retrieval"
	"contextkeeper/internal/sacred"
	"contextkeeper/internal/store"
)

// mockVector maps database-flavoured text onto fixed directions so plan
// adherence and prohibition matches are knowable. Postgres wins ties on
// purpose: a plan sentence naming both databases embeds with the plan's
// preferred one.
func mockVector(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "postgres"):
		return []float32{1, 0, 0, 0}
	case strings.Contains(lower, "mongo"):
		return []float32{0, 1, 0, 0}
	default:
		return []float32{0, 0, 1, 0}
	}
}

// MockEmbeddingEngine implements embedding.EmbeddingEngine for testing.
type MockEmbeddingEngine struct {
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *MockEmbeddingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return mockVector(text), nil
}

func (m *MockEmbeddingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = mockVector(text)
	}
	return out, nil
}

func (m *MockEmbeddingEngine) Dimensions() int { return 4 }

func (m *MockEmbeddingEngine) Name() string { return "mock-embedding-engine" }

var _ embedding.EmbeddingEngine = (*MockEmbeddingEngine)(nil)

// fakePlans serves canned approved plans and chunks.
type fakePlans struct {
	plans  map[string][]*sacred.Plan
	chunks map[string][]store.ChunkRecord
	errs   map[string]error
}

func newFakePlans() *fakePlans {
	return &fakePlans{
		plans:  make(map[string][]*sacred.Plan),
		chunks: make(map[string][]store.ChunkRecord),
		errs:   make(map[string]error),
	}
}

// add registers an approved plan whose single chunk carries content and its
// mock embedding.
func (f *fakePlans) add(projectID, planID, title, content string) {
	f.plans[projectID] = append(f.plans[projectID], &sacred.Plan{
		ID:        planID,
		ProjectID: projectID,
		Title:     title,
		Status:    sacred.StatusApproved,
	})
	f.chunks[planID] = []store.ChunkRecord{{
		ID:         1,
		SourcePath: planID,
		Content:    content,
		Embedding:  mockVector(content),
	}}
}

func (f *fakePlans) ApprovedPlans(projectID string) []*sacred.Plan {
	return f.plans[projectID]
}

func (f *fakePlans) PlanChunks(ctx context.Context, planID string) ([]store.ChunkRecord, error) {
	if err := f.errs[planID]; err != nil {
		return nil, err
	}
	return f.chunks[planID], nil
}

var _ PlanSource = (*fakePlans)(nil)

// fakeProjects resolves project roots from a map.
type fakeProjects struct {
	roots map[string]string
}

func (f *fakeProjects) Get(id string) (*project.Project, error) {
	root, ok := f.roots[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	return &project.Project{ID: id, RootPath: root}, nil
}

var _ ProjectSource = (*fakeProjects)(nil)

// fakeQueries replays canned query records.
type fakeQueries struct {
	records []retrieval.QueryRecord
}

func (f *fakeQueries) RecentQueries(projectID string, since time.Time) []retrieval.QueryRecord {
	var out []retrieval.QueryRecord
	for _, rec := range f.records {
		if rec.Timestamp.After(since) {
			out = append(out, rec)
		}
	}
	return out
}

var _ QuerySource = (*fakeQueries)(nil)

// stubActivity returns a CollectFunc that always yields the given activity.
func stubActivity(a *gitlog.Activity) CollectFunc {
	return func(ctx context.Context, root string, since time.Time) (*gitlog.Activity, error) {
		return a, nil
	}
}
