package strand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// HandlerInfo describes a gadget to the runtime and to the model.
type HandlerInfo struct {
	// Name is the invocation name. Lookup is case-insensitive.
	Name string
	// Description is a one-line summary used when prompting the model.
	Description string
	// Schema is a JSON Schema for the parameter map. Empty means any
	// parameters are accepted.
	Schema json.RawMessage
	// Example is a literal example block body shown in validation
	// diagnostics and prompts.
	Example string
	// MaxConcurrency caps simultaneous executions of this handler.
	// Zero means unbounded. The effective cap is the minimum of this and
	// the scheduler's configured cap — a handler's safety requirement can
	// never be relaxed by configuration.
	MaxConcurrency int
	// Timeout overrides the scheduler's default per-invocation timeout.
	Timeout time.Duration
}

// Invocation is what a handler receives: the resolved call plus the runtime
// facilities it may use. Params have already passed schema validation and the
// parameter interceptors.
type Invocation struct {
	ID        string
	Handler   string
	Params    map[string]string
	Iteration int
	Logger    *slog.Logger

	emitSub func(Event)
}

// EmitSub forwards an event from a nested scheduler (sub-agent) into the
// outer session's output, wrapped as a sub-stream event. Safe to call from
// the handler's goroutine; no-op when the runtime did not attach a sink.
func (inv Invocation) EmitSub(ev Event) {
	if inv.emitSub != nil {
		inv.emitSub(ev)
	}
}

// Handler realizes a gadget invocation. Execute runs on its own goroutine
// under the per-invocation timeout; it must honor ctx cancellation at
// blocking points and may call inv.EmitSub to stream nested events.
type Handler interface {
	Info() HandlerInfo
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerInfo
	Fn func(ctx context.Context, inv Invocation) (Result, error)
}

func (h HandlerFunc) Info() HandlerInfo { return h.HandlerInfo }

func (h HandlerFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return h.Fn(ctx, inv)
}

// Registry holds all registered handlers and resolves invocation names.
// Registration happens at setup time; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler           // key: lower-cased name
	schemas  map[string]*jsonschema.Schema // compiled lazily, nil until first use
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Add registers a handler. Duplicate names (case-insensitive) are a caller
// error.
func (r *Registry) Add(h Handler) error {
	info := h.Info()
	if info.Name == "" {
		return fmt.Errorf("strand: handler with empty name")
	}
	key := strings.ToLower(info.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("strand: handler %q already registered", info.Name)
	}
	r.handlers[key] = h
	return nil
}

// MustAdd is Add for setup code that treats duplicates as fatal.
func (r *Registry) MustAdd(h Handler) {
	if err := r.Add(h); err != nil {
		panic(err)
	}
}

// Lookup resolves a handler by name, case-insensitively.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}

// Infos returns every registered handler's info, for prompt building.
func (r *Registry) Infos() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Info())
	}
	return out
}

// schema returns the compiled parameter schema for a handler, compiling and
// caching it on first use. A handler without a schema returns (nil, nil).
func (r *Registry) schema(name string) (*jsonschema.Schema, error) {
	key := strings.ToLower(name)
	r.mu.RLock()
	if sch, ok := r.schemas[key]; ok {
		r.mu.RUnlock()
		return sch, nil
	}
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strand: unknown handler %q", name)
	}
	raw := h.Info().Schema
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	r.schemas[key] = sch
	r.mu.Unlock()
	return sch, nil
}

// usage builds the human-readable usage summary included in validation
// diagnostics: description, parameter schema and one example.
func usage(info HandlerInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage of %s: %s", info.Name, info.Description)
	if len(info.Schema) > 0 {
		fmt.Fprintf(&b, "\nparameters (JSON Schema): %s", compactJSON(info.Schema))
	}
	if info.Example != "" {
		fmt.Fprintf(&b, "\nexample:\n%s", info.Example)
	}
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
