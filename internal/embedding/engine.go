// Package embedding provides vector embedding generation for semantic search.
// Supports multiple backends: Google GenAI (cloud) and Ollama (local).
package embedding

import (
	"context"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for embedding engines that support
// health checks. If an engine implements this interface, the system can
// verify availability before attempting batch operations.
type HealthChecker interface {
	// HealthCheck verifies the embedding service is reachable.
	// Returns nil if healthy, error otherwise.
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "genai" or "ollama"
	Provider string `json:"provider"`

	// Dimension is the expected vector dimensionality. Every collection
	// created by the store inherits this value, so it must stay stable
	// for the lifetime of a data root.
	Dimension int `json:"dimension"`

	// GenAI Configuration
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "text-embedding-004"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `json:"task_type"`

	// Ollama Configuration
	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"

	// Timeout bounds a single backend call.
	Timeout time.Duration `json:"timeout"`

	// Retry governs transient-failure behavior for backend calls.
	Retry RetryPolicy `json:"retry"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "genai",
		Dimension:      768,
		GenAIModel:     "text-embedding-004",
		TaskType:       "SEMANTIC_SIMILARITY",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		Timeout:        30 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration. The returned
// engine retries transient backend failures according to cfg.Retry.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbed, "NewEngine")
	defer timer.Stop()

	logging.Embed("Creating embedding engine with provider=%s", cfg.Provider)
	logging.EmbedDebug("Engine config: provider=%s, dimension=%d, genai_model=%s, task_type=%s, ollama_endpoint=%s, ollama_model=%s",
		cfg.Provider, cfg.Dimension, cfg.GenAIModel, cfg.TaskType, cfg.OllamaEndpoint, cfg.OllamaModel)

	var engine EmbeddingEngine
	var err error

	switch cfg.Provider {
	case "genai":
		logging.Embed("Initializing GenAI embedding engine: model=%s, task_type=%s", cfg.GenAIModel, cfg.TaskType)
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType, cfg.Dimension)
	case "ollama":
		logging.Embed("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimension, cfg.Timeout)
	default:
		err = fault.New(fault.InvalidInput, "unsupported embedding provider: %s (use 'genai' or 'ollama')", cfg.Provider)
		logging.Get(logging.CategoryEmbed).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbed).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embed("Embedding engine created successfully: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return WithRetries(engine, cfg.Retry), nil
}
