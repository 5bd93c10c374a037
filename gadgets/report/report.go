// Package report provides a gadget that renders a markdown report to a
// standalone HTML file in the workspace.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	strand "github.com/zbigniewsobiecki/strand"
)

// Gadget renders markdown to HTML files inside the workspace.
type Gadget struct {
	workspacePath string
	md            goldmark.Markdown
}

// New creates a report gadget writing into workspacePath.
func New(workspacePath string) *Gadget {
	return &Gadget{
		workspacePath: workspacePath,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

func (g *Gadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "report_render",
		Description: "Render a markdown document as a standalone HTML report file in the workspace. Returns the output path.",
		Schema: json.RawMessage(`{"type":"object","properties":{
			"title":{"type":"string","description":"Report title"},
			"markdown":{"type":"string","minLength":1,"description":"Markdown source of the report"},
			"path":{"type":"string","description":"Output path relative to workspace (default report.html)"}},
			"required":["markdown"]}`),
		Example: "<gadget>report_render<arg>title\nWeekly digest<arg>markdown\n# Findings%0A- item one</gadget>",
	}
}

func (g *Gadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	var body bytes.Buffer
	if err := g.md.Convert([]byte(inv.Params["markdown"]), &body); err != nil {
		return strand.Result{}, fmt.Errorf("render markdown: %w", err)
	}

	title := inv.Params["title"]
	if title == "" {
		title = "Report"
	}
	out := inv.Params["path"]
	if out == "" {
		out = "report.html"
	}
	if strings.Contains(out, "..") {
		return strand.Result{}, fmt.Errorf("path escapes workspace: %s", out)
	}

	doc := fmt.Sprintf(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>body{max-width:46rem;margin:2rem auto;padding:0 1rem;font-family:sans-serif;line-height:1.5}</style>
</head>
<body>
<h1>%s</h1>
%s</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), body.String())

	resolved := filepath.Join(g.workspacePath, out)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return strand.Result{}, err
	}
	if err := os.WriteFile(resolved, []byte(doc), 0o644); err != nil {
		return strand.Result{}, err
	}
	return strand.Result{Text: fmt.Sprintf("rendered %d bytes to %s", len(doc), out)}, nil
}

// Compile-time interface check.
var _ strand.Handler = (*Gadget)(nil)
