// Package web provides a gadget that fetches URLs and extracts readable
// content.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	strand "github.com/zbigniewsobiecki/strand"
)

const maxResult = 8000

// Gadget fetches URLs and extracts readable text.
type Gadget struct {
	client *http.Client
}

// New creates a web gadget with a 15-second HTTP timeout.
func New() *Gadget {
	return &Gadget{client: &http.Client{Timeout: 15 * time.Second}}
}

func (g *Gadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","minLength":1,"description":"URL to fetch"}},"required":["url"]}`),
		Example:     "<gadget>web_fetch<arg>url\nhttps://example.com/article</gadget>",
		// Be polite to remote servers even when the model fans out.
		MaxConcurrency: 4,
	}
}

func (g *Gadget) Execute(ctx context.Context, inv strand.Invocation) (strand.Result, error) {
	content, err := g.Fetch(ctx, inv.Params["url"])
	if err != nil {
		return strand.Result{}, err
	}
	if len(content) > maxResult {
		content = content[:maxResult] + "\n... (truncated)"
	}
	return strand.Result{Text: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other gadgets.
func (g *Gadget) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StrandBot/1.0)")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	// Try readability extraction.
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple HTML stripping.
	return stripHTML(html), nil
}

// Compile-time interface check.
var _ strand.Handler = (*Gadget)(nil)
