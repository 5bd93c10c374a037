package strand

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestAgent(p Provider, reg *Registry, opts ...Option) *Agent {
	opts = append([]Option{WithDelimiters(testDelims)}, opts...)
	return NewAgent("test", p, reg, opts...)
}

func TestAgentFeedsResultsBack(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "Let me check. <S>Echo:a<A>m\nhi<E>"),
		textChunks("stop", "The gadget said hi."),
	}}
	reg := NewRegistry()
	reg.MustAdd(echoHandler("Echo", 0))

	agent := newTestAgent(provider, reg)
	res, err := agent.Execute(context.Background(), "ask the echo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "The gadget said hi." {
		t.Errorf("output = %q", res.Output)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}

	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	// The second request must carry the gadget result back to the model.
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "[Echo a] succeeded") || !strings.Contains(last.Content, "hi") {
		t.Errorf("result message = %+v", last)
	}
	// The system prompt teaches the session's grammar.
	if sys := reqs[0].Messages[0]; sys.Role != "system" || !strings.Contains(sys.Content, "<S>") {
		t.Errorf("system prompt = %+v", sys)
	}
}

func TestAgentCrossIterationDependency(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "<S>Echo:a<A>m\none<E>"),
		textChunks("stop", "<S>Echo:b:a<A>m\ntwo<E>"),
		textChunks("stop", "done"),
	}}
	reg := NewRegistry()
	reg.MustAdd(echoHandler("Echo", 0))

	agent := newTestAgent(provider, reg)
	events := make(chan Event, 256)
	var collected []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			collected = append(collected, ev)
		}
	}()
	res, err := agent.ExecuteStream(context.Background(), "chain work", events)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "done" {
		t.Errorf("output = %q", res.Output)
	}
	// b referenced a from the previous iteration and must run, not dangle.
	if got := findEvent(t, collected, EventSucceeded, "b").Result.Text; got != "two" {
		t.Errorf("b result = %q", got)
	}
	requireNoEvent(t, collected, EventSkipped, "b")
}

func TestAgentBreakLoop(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{Name: "Finish", Description: "terminates the loop"},
		Fn: func(context.Context, Invocation) (Result, error) {
			return Result{Text: "stored", BreaksLoop: true}, nil
		},
	}
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "Saving. <S>Finish:f<E>"),
		textChunks("stop", "never requested"),
	}}
	reg := NewRegistry()
	reg.MustAdd(h)

	agent := newTestAgent(provider, reg)
	res, err := agent.Execute(context.Background(), "save it")
	if err != nil {
		t.Fatal(err)
	}
	if !res.BrokeLoop {
		t.Error("BrokeLoop not set")
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	if len(provider.requests()) != 1 {
		t.Errorf("provider called %d times after break-loop", len(provider.requests()))
	}
}

func TestAgentMaxIterForcesSynthesis(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "<S>Echo:a<A>m\n1<E>"),
		textChunks("stop", "<S>Echo:b<A>m\n2<E>"),
		textChunks("stop", "Here is what I found."),
	}}
	reg := NewRegistry()
	reg.MustAdd(echoHandler("Echo", 0))

	agent := newTestAgent(provider, reg, WithMaxIter(2))
	res, err := agent.Execute(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "Here is what I found." {
		t.Errorf("output = %q", res.Output)
	}

	reqs := provider.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	if !strings.Contains(last.Content, "Summarize what you found") {
		t.Errorf("synthesis nudge missing: %+v", last)
	}
}

type beforeLLMFunc func(context.Context, HookContext) LLMCallAction

func (f beforeLLMFunc) BeforeLLMCall(ctx context.Context, hc HookContext) LLMCallAction {
	return f(ctx, hc)
}

func TestAgentBeforeLLMSkip(t *testing.T) {
	provider := &scriptProvider{}
	reg := NewRegistry()

	hooks := NewHooks()
	hooks.Add(beforeLLMFunc(func(context.Context, HookContext) LLMCallAction {
		return SkipLLM("cached answer")
	}))

	agent := newTestAgent(provider, reg, WithHooks(hooks))
	res, err := agent.Execute(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "cached answer" {
		t.Errorf("output = %q", res.Output)
	}
	if len(provider.requests()) != 0 {
		t.Error("provider must not be called when the controller skips")
	}
}

type afterLLMFunc func(context.Context, HookContext, string) LLMResponseAction

func (f afterLLMFunc) AfterLLMCall(ctx context.Context, hc HookContext, text string) LLMResponseAction {
	return f(ctx, hc, text)
}

func TestAgentAfterLLMModifyAndAppend(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "raw answer"),
	}}
	reg := NewRegistry()

	hooks := NewHooks()
	hooks.Add(afterLLMFunc(func(_ context.Context, _ HookContext, text string) LLMResponseAction {
		return AppendAndModify("polished answer", SystemMessage("note for next turn"))
	}))

	agent := newTestAgent(provider, reg, WithHooks(hooks))
	res, err := agent.Execute(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "polished answer" {
		t.Errorf("output = %q", res.Output)
	}
	found := false
	for _, m := range res.Transcript {
		if m.Role == "system" && m.Content == "note for next turn" {
			found = true
		}
	}
	if !found {
		t.Errorf("appended message missing from transcript: %+v", res.Transcript)
	}
}

func TestAgentProviderErrorPropagates(t *testing.T) {
	provider := &scriptProvider{} // empty script → ErrLLM on first call
	reg := NewRegistry()
	agent := newTestAgent(provider, reg)
	if _, err := agent.Execute(context.Background(), "q"); err == nil {
		t.Fatal("provider error must propagate without a recovering controller")
	}
}

func TestAgentProviderErrorRecovered(t *testing.T) {
	provider := &scriptProvider{}
	reg := NewRegistry()

	hooks := NewHooks()
	hooks.Add(llmErrFunc(func(context.Context, HookContext, error) LLMErrorAction {
		return RecoverLLM("fallback answer")
	}))

	agent := newTestAgent(provider, reg, WithHooks(hooks))
	res, err := agent.Execute(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "fallback answer" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestAgentTimeoutConfig(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{Name: "Slow", Description: "sleeps"},
		Fn: func(ctx context.Context, _ Invocation) (Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return Result{Text: "late"}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}
	provider := &scriptProvider{scripts: [][]Chunk{
		textChunks("stop", "<S>Slow:s<E>"),
		textChunks("stop", "gave up"),
	}}
	reg := NewRegistry()
	reg.MustAdd(h)

	agent := newTestAgent(provider, reg, WithDefaultTimeout(30*time.Millisecond))
	start := time.Now()
	res, err := agent.Execute(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("default timeout not applied")
	}
	if res.Output != "gave up" {
		t.Errorf("output = %q", res.Output)
	}
	// The failed invocation is reported back to the model.
	reqs := provider.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(last.Content, "failed") || !strings.Contains(last.Content, "timeout") {
		t.Errorf("timeout feedback missing: %q", last.Content)
	}
}
