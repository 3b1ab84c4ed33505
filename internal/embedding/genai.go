package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"contextkeeper/internal/fault"
)

// =============================================================================
// GOOGLE GENAI EMBEDDING ENGINE
// =============================================================================

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
	dims     int
}

// NewGenAIEngine creates a new GenAI embedding engine. The dims argument is
// the dimensionality the configured model is expected to produce; vectors of
// any other length are rejected so collections stay internally consistent.
func NewGenAIEngine(apiKey, model, taskType string, dims int) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fault.New(fault.InvalidInput, "GenAI API key is required")
	}

	if model == "" {
		model = "text-embedding-004"
	}
	if dims <= 0 {
		dims = 768
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fault.Wrap(fault.DependencyUnavailable, err, "failed to create GenAI client")
	}

	return &GenAIEngine{
		client:   client,
		model:    model,
		taskType: parseTaskType(taskType),
		dims:     dims,
	}, nil
}

// parseTaskType maps a config string onto the GenAI task type value.
// Unknown values fall back to semantic similarity.
func parseTaskType(taskType string) string {
	switch taskType {
	case "SEMANTIC_SIMILARITY", "":
		return "SEMANTIC_SIMILARITY"
	case "CLASSIFICATION":
		return "CLASSIFICATION"
	case "CLUSTERING":
		return "CLUSTERING"
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "CODE_RETRIEVAL_QUERY":
		return "CODE_RETRIEVAL_QUERY"
	case "QUESTION_ANSWERING":
		return "QUESTION_ANSWERING"
	case "FACT_VERIFICATION":
		return "FACT_VERIFICATION"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		return nil, classifyGenAIError(err, "GenAI embed failed")
	}

	if len(result.Embeddings) == 0 {
		return nil, fault.New(fault.DependencyUnavailable, "GenAI returned no embeddings")
	}

	vec := result.Embeddings[0].Values
	if len(vec) != e.dims {
		return nil, fault.New(fault.DimensionMismatch, "GenAI model %s returned %d dimensions, expected %d", e.model, len(vec), e.dims)
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
// GenAI has native batch support.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		return nil, classifyGenAIError(err, "GenAI batch embed failed")
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fault.New(fault.DependencyUnavailable, "GenAI returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if len(emb.Values) != e.dims {
			return nil, fault.New(fault.DimensionMismatch, "GenAI model %s returned %d dimensions at index %d, expected %d", e.model, len(emb.Values), i, e.dims)
		}
		embeddings[i] = emb.Values
	}

	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *GenAIEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// Close releases the GenAI client. The SDK client holds no resources that
// need explicit release, so this always succeeds.
func (e *GenAIEngine) Close() error {
	return nil
}

// classifyGenAIError maps SDK errors onto fault kinds so the retry layer can
// distinguish transient failures from permanent ones. The SDK does not expose
// a stable error type across transports, so classification inspects the
// message for the standard status markers.
func classifyGenAIError(err error, msg string) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED"):
		return fault.Wrap(fault.RateLimited, err, "%s", msg)
	case strings.Contains(s, "503") || strings.Contains(s, "UNAVAILABLE") ||
		strings.Contains(s, "502") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "DEADLINE_EXCEEDED"):
		return fault.Wrap(fault.DependencyUnavailable, err, "%s", msg)
	case strings.Contains(s, "context canceled"):
		return fault.Wrap(fault.Cancelled, err, "%s", msg)
	default:
		return fault.Wrap(fault.Internal, err, "%s", msg)
	}
}
