package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"contextkeeper/internal/fault"
)

func ingestSamplePair(t *testing.T, e *Engine, root string) {
	t.Helper()
	ctx := context.Background()
	a := writeFile(t, root, "a.py", "def add(a, b):\n    return a + b\n")
	b := writeFile(t, root, "b.py", "def load(path):\n    return open(path).read()\n")
	for _, p := range []string{a, b} {
		if _, err := e.IngestFile(ctx, "proj_x", p); err != nil {
			t.Fatalf("ingesting %s: %v", p, err)
		}
	}
}

func TestEngine_Query_Ranking(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)

	res, err := e.Query(context.Background(), "proj_x", "function that adds two numbers", 3)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if res.NoContent {
		t.Fatal("indexed project should not report no_content")
	}
	if len(res.Results) == 0 {
		t.Fatal("expected hits")
	}
	if res.Results[0].SourcePath != "a.py" {
		t.Errorf("top hit %s, want a.py", res.Results[0].SourcePath)
	}
	if res.Results[0].Language != "python" {
		t.Errorf("top hit language %s, want python", res.Results[0].Language)
	}
	for i := 1; i < len(res.Results); i++ {
		if res.Results[i].Score > res.Results[i-1].Score {
			t.Error("results must be ordered by descending score")
		}
	}
}

func TestEngine_Query_NoContent(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res, err := e.Query(context.Background(), "proj_x", "anything", 0)
	if err != nil {
		t.Fatalf("empty project query should succeed: %v", err)
	}
	if !res.NoContent || len(res.Results) != 0 || res.Note == "" {
		t.Errorf("expected structured no-content response, got %+v", res)
	}
}

func TestEngine_Query_Validation(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)
	ctx := context.Background()

	if _, err := e.Query(ctx, "proj_x", "   ", 0); !fault.IsKind(err, fault.InvalidInput) {
		t.Errorf("blank question should be InvalidInput, got %v", err)
	}
	if _, err := e.Query(ctx, "proj_x", "q", -1); !fault.IsKind(err, fault.InvalidInput) {
		t.Errorf("negative k should be InvalidInput, got %v", err)
	}
	if _, err := e.Query(ctx, "proj_ghost", "q", 0); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown project should be NotFound, got %v", err)
	}
	if _, err := e.Query(ctx, "", "q", 0); !fault.IsKind(err, fault.InvalidInput) {
		t.Errorf("no project and no focus should be InvalidInput, got %v", err)
	}

	// Oversized k is clamped, not rejected.
	if _, err := e.Query(ctx, "proj_x", "q", 500); err != nil {
		t.Errorf("k over the cap should be clamped: %v", err)
	}
}

func TestEngine_Query_FocusFallback(t *testing.T) {
	e, projects, root := newTestEngine(t)
	ingestSamplePair(t, e, root)
	projects.focused = "proj_x"

	res, err := e.Query(context.Background(), "", "how are numbers added", 0)
	if err != nil {
		t.Fatalf("focused query failed: %v", err)
	}
	if res.ProjectID != "proj_x" {
		t.Errorf("resolved project %s, want proj_x", res.ProjectID)
	}
}

func TestEngine_RecentQueries(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)
	ctx := context.Background()

	if _, err := e.Query(ctx, "proj_x", "first question", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Query(ctx, "proj_x", "second question", 0); err != nil {
		t.Fatal(err)
	}

	recent := e.RecentQueries("proj_x", time.Now().Add(-time.Minute))
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent queries, got %d", len(recent))
	}
	if recent[0].Question != "first question" || recent[1].Question != "second question" {
		t.Errorf("queries out of order: %+v", recent)
	}
	if got := e.RecentQueries("proj_x", time.Now().Add(time.Minute)); len(got) != 0 {
		t.Errorf("future cutoff should return nothing, got %d", len(got))
	}
}

func TestEngine_QueryWithGeneration(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)

	var seenPrompt, seenSystem string
	e.generator = &MockGenerator{
		CompleteFunc: func(ctx context.Context, system, prompt string) (string, error) {
			seenSystem, seenPrompt = system, prompt
			return "the add function sums its arguments", nil
		},
	}

	res, err := e.QueryWithGeneration(context.Background(), "proj_x", "what adds two numbers", 3)
	if err != nil {
		t.Fatalf("QueryWithGeneration failed: %v", err)
	}
	if res.Answer != "the add function sums its arguments" {
		t.Errorf("unexpected answer %q", res.Answer)
	}
	if res.ContextUsed == 0 || len(res.Sources) == 0 {
		t.Errorf("expected grounding context, got %+v", res)
	}
	if res.Sources[0] != "a.py" {
		t.Errorf("first source %s, want a.py", res.Sources[0])
	}
	if len(res.Results) != 0 {
		t.Error("raw chunks should be omitted when an answer is produced")
	}
	if !strings.Contains(seenPrompt, "def add(a, b):") {
		t.Error("prompt must carry the retrieved chunk content")
	}
	if !strings.Contains(seenPrompt, "what adds two numbers") {
		t.Error("prompt must carry the question")
	}
	if seenSystem == "" {
		t.Error("system preamble should be set")
	}
}

func TestEngine_QueryWithGeneration_Degrades(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)
	ctx := context.Background()

	// No generator wired at all.
	res, err := e.QueryWithGeneration(ctx, "proj_x", "what adds numbers", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "" || len(res.Results) == 0 || res.Note == "" {
		t.Errorf("nil generator should fall back to chunks with a note, got %+v", res)
	}

	// Generator present but failing.
	e.generator = &MockGenerator{
		CompleteFunc: func(ctx context.Context, system, prompt string) (string, error) {
			return "", fault.New(fault.DependencyUnavailable, "model offline")
		},
	}
	res, err = e.QueryWithGeneration(ctx, "proj_x", "what adds numbers", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "" || len(res.Results) == 0 || res.Note == "" {
		t.Errorf("generation failure should fall back to chunks with a note, got %+v", res)
	}
}

func TestEngine_QueryWithGeneration_NoContent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.generator = &MockGenerator{
		CompleteFunc: func(ctx context.Context, system, prompt string) (string, error) {
			t.Error("generation must not run without retrieved context")
			return "", nil
		},
	}

	res, err := e.QueryWithGeneration(context.Background(), "proj_x", "anything at all", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "" || res.ContextUsed != 0 || res.Note == "" {
		t.Errorf("empty project should yield a note and no answer, got %+v", res)
	}
}

func TestEngine_ProjectStats(t *testing.T) {
	e, _, root := newTestEngine(t)
	ctx := context.Background()

	stats, err := e.ProjectStats(ctx, "proj_x")
	if err != nil {
		t.Fatal(err)
	}
	if stats["total_chunks"] != int64(0) {
		t.Errorf("fresh project should report zero chunks, got %v", stats["total_chunks"])
	}

	ingestSamplePair(t, e, root)
	stats, err = e.ProjectStats(ctx, "proj_x")
	if err != nil {
		t.Fatal(err)
	}
	if stats["sources"].(int64) != 2 {
		t.Errorf("expected 2 sources, got %v", stats["sources"])
	}
}

func TestEngine_DropProject(t *testing.T) {
	e, _, root := newTestEngine(t)
	ingestSamplePair(t, e, root)

	if err := e.DropProject("proj_x"); err != nil {
		t.Fatalf("DropProject failed: %v", err)
	}
	if e.vectors.Has("project_proj_x") {
		t.Error("collection should be gone after drop")
	}
}
