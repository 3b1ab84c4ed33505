package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// rateLimitRetryDelay is the single fixed pause before retrying a
// rate-limited completion. Generation is best-effort, so one retry is
// enough; callers fall back to raw chunks on failure.
const rateLimitRetryDelay = 500 * time.Millisecond

// GenAIGenerator produces completions using Google's Gemini API.
type GenAIGenerator struct {
	client          *genai.Client
	model           string
	timeout         time.Duration
	maxOutputTokens int
}

// NewGenAIGenerator creates a new GenAI-backed generator.
func NewGenAIGenerator(cfg Config) (*GenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.InvalidInput, "GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fault.Wrap(fault.DependencyUnavailable, err, "failed to create GenAI client")
	}

	return &GenAIGenerator{
		client:          client,
		model:           cfg.Model,
		timeout:         cfg.Timeout,
		maxOutputTokens: cfg.MaxOutputTokens,
	}, nil
}

// Complete generates a completion for the prompt.
func (g *GenAIGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, nil, prompt)
}

// CompleteWithSystem generates a completion with a system instruction.
func (g *GenAIGenerator) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	var instruction *genai.Content
	if system != "" {
		instruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return g.generate(ctx, instruction, prompt)
}

func (g *GenAIGenerator) generate(ctx context.Context, system *genai.Content, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryGen, "generate")
	defer timer.StopWithThreshold(5 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens:   int32(g.maxOutputTokens),
		SystemInstruction: system,
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil && isRateLimited(err) {
		logging.GenWarn("generation rate limited, retrying once: %v", err)
		select {
		case <-ctx.Done():
			return "", fault.Wrap(fault.Cancelled, ctx.Err(), "generation cancelled")
		case <-time.After(rateLimitRetryDelay):
		}
		result, err = g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	}
	if err != nil {
		return "", classifyGenError(err)
	}

	text := result.Text()
	if text == "" {
		return "", fault.New(fault.DependencyUnavailable, "GenAI returned an empty completion")
	}
	return text, nil
}

// Name returns the generator name.
func (g *GenAIGenerator) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

// Close releases the GenAI client. The SDK client holds no resources that
// need explicit release, so this always succeeds.
func (g *GenAIGenerator) Close() error {
	return nil
}

func isRateLimited(err error) bool {
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED")
}

func classifyGenError(err error) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED"):
		return fault.Wrap(fault.RateLimited, err, "GenAI completion rate limited")
	case strings.Contains(s, "context deadline exceeded") || strings.Contains(s, "DEADLINE_EXCEEDED"):
		return fault.Wrap(fault.DependencyUnavailable, err, "GenAI completion timed out")
	case strings.Contains(s, "context canceled"):
		return fault.Wrap(fault.Cancelled, err, "GenAI completion cancelled")
	case strings.Contains(s, "503") || strings.Contains(s, "UNAVAILABLE") || strings.Contains(s, "connection refused"):
		return fault.Wrap(fault.DependencyUnavailable, err, "GenAI unavailable")
	default:
		return fault.Wrap(fault.Internal, err, "GenAI completion failed")
	}
}
