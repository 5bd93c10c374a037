// Package file provides gadgets for file operations within a sandboxed
// workspace directory. PDF files are read as extracted text.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	strand "github.com/zbigniewsobiecki/strand"
)

const maxReadResult = 8000

// Handlers returns the file gadget set, all restricted to workspacePath.
func Handlers(workspacePath string) []strand.Handler {
	ws := &workspace{root: workspacePath}
	return []strand.Handler{
		&readGadget{ws},
		&writeGadget{ws},
		&listGadget{ws},
		&deleteGadget{ws},
		&statGadget{ws},
	}
}

// workspace resolves and confines paths to the sandbox root.
type workspace struct {
	root string
}

// resolve joins path with the workspace root and rejects escapes.
func (w *workspace) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	resolved := filepath.Join(w.root, filepath.Clean("/"+path))
	rootAbs, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	resolvedAbs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if resolvedAbs != rootAbs && !strings.HasPrefix(resolvedAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolvedAbs, nil
}

func pathSchema(desc string, required bool) json.RawMessage {
	req := ""
	if required {
		req = `,"required":["path"]`
	}
	return json.RawMessage(fmt.Sprintf(
		`{"type":"object","properties":{"path":{"type":"string","description":%q}}%s}`, desc, req))
}

// --- file_read ---

type readGadget struct{ ws *workspace }

func (g *readGadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "file_read",
		Description: "Read a file from the workspace. PDF files are returned as extracted text. Large content is truncated to 8000 chars.",
		Schema:      pathSchema("File path relative to workspace", true),
		Example:     "<gadget>file_read<arg>path\nnotes/todo.md</gadget>",
	}
}

func (g *readGadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	resolved, err := g.ws.resolve(inv.Params["path"])
	if err != nil {
		return strand.Result{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return strand.Result{}, err
	}

	var content string
	if strings.EqualFold(filepath.Ext(resolved), ".pdf") {
		content, err = extractPDF(data)
		if err != nil {
			return strand.Result{}, fmt.Errorf("pdf: %w", err)
		}
	} else {
		content = string(data)
	}

	if len(content) > maxReadResult {
		content = content[:maxReadResult] + "\n... (truncated)"
	}
	return strand.Result{Text: content}, nil
}

// --- file_write ---

type writeGadget struct{ ws *workspace }

func (g *writeGadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "file_write",
		Description: "Write content to a file in the workspace. Creates parent directories if needed.",
		Schema: json.RawMessage(`{"type":"object","properties":{
			"path":{"type":"string","description":"File path relative to workspace"},
			"content":{"type":"string","description":"Content to write"}},
			"required":["path","content"]}`),
		Example: "<gadget>file_write<arg>path\nout.txt<arg>content\nhello</gadget>",
	}
}

func (g *writeGadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	resolved, err := g.ws.resolve(inv.Params["path"])
	if err != nil {
		return strand.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return strand.Result{}, err
	}
	content := inv.Params["content"]
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return strand.Result{}, err
	}
	return strand.Result{Text: fmt.Sprintf("wrote %d bytes to %s", len(content), inv.Params["path"])}, nil
}

// --- file_list ---

type listGadget struct{ ws *workspace }

func (g *listGadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "file_list",
		Description: "List files and directories in a workspace directory. Returns one entry per line with type prefix and name.",
		Schema:      pathSchema("Directory path relative to workspace (empty or '.' for root)", false),
		Example:     "<gadget>file_list<arg>path\n.</gadget>",
	}
}

func (g *listGadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	resolved, err := g.ws.resolve(inv.Params["path"])
	if err != nil {
		return strand.Result{}, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return strand.Result{}, err
	}
	if len(entries) == 0 {
		return strand.Result{Text: "(empty directory)"}, nil
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		// Names can contain newlines or '%'; encode them the same way
		// parameter values are escaped so the listing stays line-oriented.
		fmt.Fprintf(&b, "%s %s\n", kind, strand.EscapeParamValue(e.Name(), strand.Delimiters{}))
	}
	return strand.Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

// --- file_delete ---

type deleteGadget struct{ ws *workspace }

func (g *deleteGadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "file_delete",
		Description: "Delete a file or empty directory from the workspace.",
		Schema:      pathSchema("File or directory path relative to workspace", true),
		Example:     "<gadget>file_delete<arg>path\nold.txt</gadget>",
	}
}

func (g *deleteGadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	resolved, err := g.ws.resolve(inv.Params["path"])
	if err != nil {
		return strand.Result{}, err
	}
	if err := os.Remove(resolved); err != nil {
		return strand.Result{}, err
	}
	return strand.Result{Text: "deleted " + inv.Params["path"]}, nil
}

// --- file_stat ---

type statGadget struct{ ws *workspace }

func (g *statGadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "file_stat",
		Description: "Get metadata for a file or directory in the workspace: name, size, type, modification time.",
		Schema:      pathSchema("File or directory path relative to workspace", true),
		Example:     "<gadget>file_stat<arg>path\nnotes.md</gadget>",
	}
}

func (g *statGadget) Execute(_ context.Context, inv strand.Invocation) (strand.Result, error) {
	resolved, err := g.ws.resolve(inv.Params["path"])
	if err != nil {
		return strand.Result{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return strand.Result{}, err
	}
	kind := "file"
	if info.IsDir() {
		kind = "dir"
	}
	return strand.Result{Text: fmt.Sprintf("name: %s\ntype: %s\nsize: %d\nmodified: %s",
		info.Name(), kind, info.Size(), info.ModTime().UTC().Format("2006-01-02 15:04:05"))}, nil
}
