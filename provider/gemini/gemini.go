// Package gemini implements a strand.Provider for Google Gemini models via
// the streamGenerateContent REST API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	strand "github.com/zbigniewsobiecki/strand"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements strand.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client

	temperature float64
	topP        float64
}

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithBaseURL overrides the API base URL (tests, proxies).
func WithBaseURL(url string) Option {
	return func(g *Gemini) { g.baseURL = strings.TrimSuffix(url, "/") }
}

// New creates a Gemini chat provider.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Stream starts a streaming generateContent call and returns the chunk
// source.
func (g *Gemini) Stream(ctx context.Context, req strand.Request) (strand.ChunkSource, error) {
	body := g.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, g.wrapErr("stream request failed: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &strand.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return &streamSource{body: resp.Body, scanner: scanner}, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &strand.ErrLLM{Provider: "gemini", Message: msg}
}

// buildBody converts a strand request to the Gemini generateContent body.
// System messages become systemInstruction; assistant maps to role "model".
func (g *Gemini) buildBody(req strand.Request) map[string]any {
	var system strings.Builder
	var contents []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case "assistant":
			contents = append(contents, geminiTurn("model", m.Content))
		default:
			contents = append(contents, geminiTurn("user", m.Content))
		}
	}

	genCfg := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	for key, value := range req.Options {
		switch key {
		case "temperature", "topP":
			genCfg[key] = value
		case "maxOutputTokens", "max_tokens":
			genCfg["maxOutputTokens"] = value
		}
	}

	body := map[string]any{
		"contents":         contents,
		"generationConfig": genCfg,
	}
	if system.Len() > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system.String()}},
		}
	}
	return body
}

func geminiTurn(role, text string) map[string]any {
	return map[string]any{
		"role":  role,
		"parts": []map[string]any{{"text": text}},
	}
}

// --- Response stream ---

type streamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

// streamSource adapts the SSE generateContent body to a strand.ChunkSource.
// The finish reason and usage arrive as a final chunk before io.EOF.
type streamSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	finish string
	usage  *strand.Usage
	done   bool
}

func (s *streamSource) Next(ctx context.Context) (strand.Chunk, error) {
	if s.done {
		return strand.Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.close()
		return strand.Chunk{}, err
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var parsed streamResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}
		if parsed.UsageMetadata != nil {
			s.usage = &strand.Usage{
				InputTokens:  parsed.UsageMetadata.PromptTokenCount,
				OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
				CachedTokens: parsed.UsageMetadata.CachedContentTokenCount,
			}
		}
		if len(parsed.Candidates) == 0 {
			continue
		}
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			s.finish = strings.ToLower(cand.FinishReason)
		}
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			return strand.Chunk{Text: text.String()}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return strand.Chunk{}, err
	}

	s.close()
	if s.finish != "" || s.usage != nil {
		return strand.Chunk{FinishReason: s.finish, Usage: s.usage}, nil
	}
	return strand.Chunk{}, io.EOF
}

func (s *streamSource) close() {
	if !s.done {
		s.done = true
		_ = s.body.Close()
	}
}

// Compile-time interface check.
var _ strand.Provider = (*Gemini)(nil)
