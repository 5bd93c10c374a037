// Package shell provides a gadget that executes shell commands in a
// sandboxed workspace directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	strand "github.com/zbigniewsobiecki/strand"
)

// Gadget executes shell commands in a sandboxed workspace.
type Gadget struct {
	workspacePath  string
	defaultTimeout int // seconds
}

// New creates a shell gadget. Commands run in workspacePath with the given
// default timeout in seconds (0 means 30).
func New(workspacePath string, defaultTimeout int) *Gadget {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Gadget{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (g *Gadget) Info() strand.HandlerInfo {
	return strand.HandlerInfo{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Schema: json.RawMessage(`{"type":"object","properties":{
			"command":{"type":"string","minLength":1,"description":"Shell command to execute"},
			"timeout":{"type":"string","pattern":"^[0-9]*$","description":"Timeout in seconds (default 30)"}},
			"required":["command"]}`),
		Example: "<gadget>shell_exec<arg>command\nls -la</gadget>",
		// Serialize shell access: concurrent commands in one workspace
		// trample each other's files.
		MaxConcurrency: 1,
		Timeout:        5 * time.Minute,
	}
}

func (g *Gadget) Execute(ctx context.Context, inv strand.Invocation) (strand.Result, error) {
	command := inv.Params["command"]
	if command == "" {
		return strand.Result{}, fmt.Errorf("command is required")
	}

	// Basic blocklist.
	lower := strings.ToLower(command)
	blocked := []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return strand.Result{}, fmt.Errorf("command blocked for safety: %s", b)
		}
	}

	timeout := g.defaultTimeout
	if s := inv.Params["timeout"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			timeout = n
		}
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = g.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return strand.Result{}, fmt.Errorf("command timed out after %ds", timeout)
		}
		if output == "" {
			output = err.Error()
		}
		return strand.Result{}, fmt.Errorf("exit: %v\n%s", err, output)
	}

	if output == "" {
		output = "(no output)"
	}
	return strand.Result{Text: output}, nil
}

// Compile-time interface check.
var _ strand.Handler = (*Gadget)(nil)
