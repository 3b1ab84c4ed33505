// Package generation provides LLM completion for answer synthesis over
// retrieved context. Generation is optional: callers degrade to raw chunk
// results when no generator is configured or a call fails.
package generation

import (
	"context"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// Generator produces text completions.
type Generator interface {
	// Complete generates a completion for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem generates a completion with a system instruction.
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)

	// Name returns the generator name.
	Name() string
}

// Config holds generator configuration.
type Config struct {
	APIKey string `json:"api_key"`

	// Model defaults to gemini-2.0-flash.
	Model string `json:"model"`

	// Timeout bounds a single completion call.
	Timeout time.Duration `json:"timeout"`

	// MaxOutputTokens caps the completion length.
	MaxOutputTokens int `json:"max_output_tokens"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.0-flash",
		Timeout:         30 * time.Second,
		MaxOutputTokens: 2048,
	}
}

// NewGenerator creates a generator from configuration.
func NewGenerator(cfg Config) (Generator, error) {
	timer := logging.StartTimer(logging.CategoryGen, "NewGenerator")
	defer timer.Stop()

	if cfg.APIKey == "" {
		return nil, fault.New(fault.InvalidInput, "generation API key is required")
	}

	logging.Gen("Creating generator: model=%s, timeout=%v, max_output_tokens=%d",
		cfg.Model, cfg.Timeout, cfg.MaxOutputTokens)
	return NewGenAIGenerator(cfg)
}
