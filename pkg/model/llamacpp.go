package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fablehost/fable/pkg/httpclient"
)

// LlamaCppBackend talks to a llama.cpp server's /completion endpoint.
type LlamaCppBackend struct {
	baseURL string
	client  *httpclient.Client
}

// NewLlamaCppBackend creates a backend for the given server address.
func NewLlamaCppBackend(baseURL string) (*LlamaCppBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	return &LlamaCppBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: httpclient.New(
			// Inference can take minutes; the request context still caps it.
			httpclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Minute}),
			httpclient.WithMaxRetries(1),
		),
	}, nil
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content string `json:"content"`
}

// Complete runs one completion call.
func (b *LlamaCppBackend) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	reqBody := completionRequest{
		Prompt:        prompt,
		NPredict:      opts.MaxNewTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		RepeatPenalty: opts.RepetitionPenalty,
		Stop:          opts.StopTokens,
		CachePrompt:   true,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", fmt.Errorf("completion call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading completion response: %w", err)
	}

	var out completionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}
	return out.Content, nil
}

var _ Backend = (*LlamaCppBackend)(nil)
