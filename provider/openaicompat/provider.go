package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	strand "github.com/zbigniewsobiecki/strand"
)

// Provider implements strand.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Stream starts a streaming chat completion and returns the chunk source.
// Non-2xx responses become a typed ErrHTTP so retry middleware can react to
// 429/503 and Retry-After.
func (p *Provider) Stream(ctx context.Context, req strand.Request) (strand.ChunkSource, error) {
	body := BuildBody(req.Messages, p.model, req.Options)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &strand.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &strand.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &strand.ErrLLM{Provider: p.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &strand.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return NewSSESource(resp.Body), nil
}

// Compile-time interface check.
var _ strand.Provider = (*Provider)(nil)
