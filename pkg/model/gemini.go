package model

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiBackend runs completions against the Gemini API. Stop token
// handling and sampling map one to one onto GenerateContentConfig.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

// NewGeminiBackend creates a Gemini-backed generator.
func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiBackend{client: client, model: model}, nil
}

// Complete runs one completion call.
func (b *GeminiBackend) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(opts.Temperature)),
		TopP:            genai.Ptr(float32(opts.TopP)),
		MaxOutputTokens: int32(opts.MaxNewTokens),
		StopSequences:   opts.StopTokens,
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini call failed: %w", err)
	}
	return resp.Text(), nil
}

var _ Backend = (*GeminiBackend)(nil)
