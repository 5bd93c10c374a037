package strand

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testExecutor(t *testing.T, handlers ...Handler) *executor {
	t.Helper()
	reg := NewRegistry()
	for _, h := range handlers {
		if err := reg.Add(h); err != nil {
			t.Fatal(err)
		}
	}
	return newExecutor(reg, time.Second, slog.New(discardHandler{}))
}

func TestExecutorUnknownHandler(t *testing.T) {
	x := testExecutor(t)
	out := x.execute(context.Background(), call("nope", "a"), nil, 0, nil)
	if out.Err == nil || out.Err.Kind != KindUnknown {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestExecutorCaseInsensitiveLookup(t *testing.T) {
	x := testExecutor(t, echoHandler("Echo", 0))
	out := x.execute(context.Background(), call("ECHO", "a"), map[string]string{"m": "hi"}, 0, nil)
	if out.Err != nil {
		t.Fatalf("err = %v", out.Err)
	}
	if out.Result.Text != "hi" {
		t.Errorf("text = %q", out.Result.Text)
	}
}

func TestExecutorValidation(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{
			Name:        "fetch",
			Description: "fetches a url",
			Schema:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","minLength":1}},"required":["url"]}`),
			Example:     "<S>fetch<A>url\nhttps://example.com<E>",
		},
		Fn: func(context.Context, Invocation) (Result, error) {
			return Result{Text: "fetched"}, nil
		},
	}
	x := testExecutor(t, h)

	out := x.execute(context.Background(), call("fetch", "a"), map[string]string{}, 0, nil)
	if out.Err == nil || out.Err.Kind != KindValidation {
		t.Fatalf("outcome = %+v", out)
	}
	// The diagnostic must teach the model how to call the handler.
	for _, want := range []string{"usage of fetch", "fetches a url", "example", "https://example.com"} {
		if !strings.Contains(out.Err.Message, want) {
			t.Errorf("validation message missing %q:\n%s", want, out.Err.Message)
		}
	}

	out = x.execute(context.Background(), call("fetch", "b"), map[string]string{"url": "https://x"}, 0, nil)
	if out.Err != nil {
		t.Fatalf("valid params rejected: %v", out.Err)
	}
}

func TestExecutorTimeout(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{Name: "slow", Description: "sleeps", Timeout: 30 * time.Millisecond},
		Fn: func(ctx context.Context, _ Invocation) (Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return Result{Text: "done"}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}
	x := testExecutor(t, h)
	start := time.Now()
	out := x.execute(context.Background(), call("slow", "a"), nil, 0, nil)
	if out.Err == nil || out.Err.Kind != KindTimeout {
		t.Fatalf("outcome = %+v", out)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not cut execution short")
	}
}

func TestExecutorCancellation(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{Name: "slow", Description: "sleeps"},
		Fn: func(ctx context.Context, _ Invocation) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	}
	x := testExecutor(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := x.execute(ctx, call("slow", "a"), nil, 0, nil)
	if out.Err == nil || out.Err.Kind != KindCancelled {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestExecutorPanicBecomesExecutionError(t *testing.T) {
	h := HandlerFunc{
		HandlerInfo: HandlerInfo{Name: "boom", Description: "panics"},
		Fn: func(context.Context, Invocation) (Result, error) {
			panic("kaboom")
		},
	}
	x := testExecutor(t, h)
	out := x.execute(context.Background(), call("boom", "a"), nil, 0, nil)
	if out.Err == nil || out.Err.Kind != KindExecution {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Err.Message, "kaboom") {
		t.Errorf("message = %q", out.Err.Message)
	}
}

func TestEffectiveCap(t *testing.T) {
	cases := []struct {
		handler, config, want int
	}{
		{0, 0, 0},
		{2, 0, 2},
		{0, 3, 3},
		{2, 3, 2},
		{5, 3, 3},
	}
	for _, c := range cases {
		if got := effectiveCap(c.handler, c.config); got != c.want {
			t.Errorf("effectiveCap(%d, %d) = %d, want %d", c.handler, c.config, got, c.want)
		}
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add(echoHandler("Echo", 0)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(echoHandler("echo", 0)); err == nil {
		t.Fatal("case-insensitive duplicate must be rejected")
	}
}
