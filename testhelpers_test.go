package strand

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testDelims are the compact markers used by the scheduler tests.
var testDelims = Delimiters{Start: "<S>", Arg: "<A>", End: "<E>"}

// echoHandler returns its "m" parameter (or its own id) after an optional
// delay.
func echoHandler(name string, delay time.Duration) Handler {
	return HandlerFunc{
		HandlerInfo: HandlerInfo{Name: name, Description: "echoes its m parameter"},
		Fn: func(ctx context.Context, inv Invocation) (Result, error) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return Result{}, ctx.Err()
				}
			}
			if m, ok := inv.Params["m"]; ok {
				return Result{Text: m}, nil
			}
			return Result{Text: inv.ID}, nil
		},
	}
}

// failHandler always errors.
func failHandler(name string) Handler {
	return HandlerFunc{
		HandlerInfo: HandlerInfo{Name: name, Description: "always fails"},
		Fn: func(context.Context, Invocation) (Result, error) {
			return Result{}, errors.New("handler broken")
		},
	}
}

// execWindow records when an invocation ran, for ordering assertions.
type execWindow struct {
	start, finish time.Time
}

// windowRecorder is a handler that records per-invocation execution windows.
type windowRecorder struct {
	name  string
	delay time.Duration

	mu      sync.Mutex
	windows map[string]execWindow
}

func newWindowRecorder(name string, delay time.Duration) *windowRecorder {
	return &windowRecorder{name: name, delay: delay, windows: map[string]execWindow{}}
}

func (w *windowRecorder) Info() HandlerInfo {
	return HandlerInfo{Name: w.name, Description: "records execution windows"}
}

func (w *windowRecorder) Execute(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	w.mu.Lock()
	w.windows[inv.ID] = execWindow{start: start, finish: time.Now()}
	w.mu.Unlock()
	return Result{Text: inv.ID}, nil
}

func (w *windowRecorder) window(t *testing.T, id string) execWindow {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	win, ok := w.windows[id]
	if !ok {
		t.Fatalf("no execution window recorded for %s", id)
	}
	return win
}

// runStream runs one scheduler session over the given chunks and returns the
// collected events. Fails the test on a stream error.
func runStream(t *testing.T, registry *Registry, chunks []Chunk, opts ...Option) []Event {
	t.Helper()
	events, err := runStreamErr(t, registry, chunks, opts...)
	if err != nil {
		t.Fatalf("scheduler run: %v", err)
	}
	return events
}

func runStreamErr(t *testing.T, registry *Registry, chunks []Chunk, opts ...Option) ([]Event, error) {
	t.Helper()
	opts = append([]Option{WithDelimiters(testDelims)}, opts...)
	sched := NewScheduler(registry, opts...)
	return collectRun(t, sched, context.Background(), NewSliceSource(chunks...))
}

func collectRun(t *testing.T, sched *Scheduler, ctx context.Context, src ChunkSource) ([]Event, error) {
	t.Helper()
	ch := make(chan Event, 256)
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()
	err := sched.Run(ctx, src, ch)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event consumer did not finish")
	}
	return events, err
}

// eventIndex returns the position of the first event matching type and id
// (id "" matches any), or -1.
func eventIndex(events []Event, typ EventType, id string) int {
	for i, ev := range events {
		if ev.Type == typ && (id == "" || ev.ID == id) {
			return i
		}
	}
	return -1
}

func findEvent(t *testing.T, events []Event, typ EventType, id string) Event {
	t.Helper()
	i := eventIndex(events, typ, id)
	if i < 0 {
		t.Fatalf("no %s event for %q in %s", typ, id, eventSummary(events))
	}
	return events[i]
}

func requireNoEvent(t *testing.T, events []Event, typ EventType, id string) {
	t.Helper()
	if i := eventIndex(events, typ, id); i >= 0 {
		t.Fatalf("unexpected %s event for %q", typ, id)
	}
}

func completion(t *testing.T, events []Event) *Completion {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type != EventComplete || last.Complete == nil {
		t.Fatalf("last event is %s, want %s", last.Type, EventComplete)
	}
	return last.Complete
}

func eventSummary(events []Event) string {
	out := "["
	for i, ev := range events {
		if i > 0 {
			out += " "
		}
		out += string(ev.Type)
		if ev.ID != "" {
			out += fmt.Sprintf("(%s)", ev.ID)
		}
	}
	return out + "]"
}

// textChunks wraps plain strings as chunks, appending a finish chunk.
func textChunks(finish string, texts ...string) []Chunk {
	chunks := make([]Chunk, 0, len(texts)+1)
	for _, s := range texts {
		chunks = append(chunks, Chunk{Text: s})
	}
	chunks = append(chunks, Chunk{FinishReason: finish})
	return chunks
}

// scriptProvider returns one scripted chunk stream per Stream call.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]Chunk
	calls   []Request
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(_ context.Context, req Request) (ChunkSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.scripts) == 0 {
		return nil, &ErrLLM{Provider: "script", Message: "script exhausted"}
	}
	chunks := p.scripts[0]
	p.scripts = p.scripts[1:]
	return NewSliceSource(chunks...), nil
}

func (p *scriptProvider) requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}
