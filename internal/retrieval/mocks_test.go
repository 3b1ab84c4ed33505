package retrieval

import (
	"context"
	"strings"

	"contextkeeper/internal/embedding"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/generation"
	"contextkeeper/internal/project"
)

// MockEmbeddingEngine implements embedding.EmbeddingEngine for testing.
// The default mapping gives arithmetic-flavoured text, I/O-flavoured text
// and everything else three distinct directions so rankings are knowable.
type MockEmbeddingEngine struct {
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func mockVector(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "add") || strings.Contains(lower, "sum"):
		return []float32{1, 0, 0, 0}
	case strings.Contains(lower, "file") || strings.Contains(lower, "read"):
		return []float32{0, 1, 0, 0}
	default:
		return []float32{0, 0, 1, 0}
	}
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

// MockGenerator implements generation.Generator for testing.
type MockGenerator struct {
	CompleteFunc func(ctx context.Context, system, prompt string) (string, error)
}

func (m *MockGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *MockGenerator) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, system, prompt)
	}
	return "mock answer", nil
}

func (m *MockGenerator) Name() string { return "mock-generator" }

var _ generation.Generator = (*MockGenerator)(nil)

// fakeProjects is an in-memory ProjectSource.
type fakeProjects struct {
	projects map[string]*project.Project
	focused  string
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{projects: make(map[string]*project.Project)}
}

func (f *fakeProjects) add(id, root string) *project.Project {
	p := &project.Project{ID: id, Name: id, RootPath: root, Status: project.StatusActive}
	f.projects[id] = p
	return p
}

func (f *fakeProjects) Get(id string) (*project.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %s not found", id)
	}
	return p, nil
}

func (f *fakeProjects) Focused() (*project.Project, bool) {
	if f.focused == "" {
		return nil, false
	}
	p, ok := f.projects[f.focused]
	return p, ok
}

var _ ProjectSource = (*fakeProjects)(nil)
