package strand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const defaultMaxIter = 10

// Agent drives the stream processor once per turn iteration: it streams a
// model response, lets the scheduler execute the embedded gadget
// invocations, feeds their results back into the transcript and repeats
// until the model stops invoking gadgets, a handler breaks the loop, or the
// iteration budget runs out. Terminal invocation ids are carried across
// iterations as seeds, so a later turn may depend on an earlier turn's
// invocation by id.
type Agent struct {
	name     string
	provider Provider
	registry *Registry
	cfg      config
}

// NewAgent creates an agent over the given provider and handler registry.
func NewAgent(name string, provider Provider, registry *Registry, opts ...Option) *Agent {
	a := &Agent{
		name:     name,
		provider: provider,
		registry: registry,
		cfg:      buildConfig(opts),
	}
	if a.cfg.maxIter <= 0 {
		a.cfg.maxIter = defaultMaxIter
	}
	a.cfg.hooks.setLogger(a.cfg.logger)
	return a
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// RunResult is the outcome of one agent turn.
type RunResult struct {
	// Output is the final assistant message (post final-message intercept,
	// post after-LLM-call modification).
	Output string
	// Transcript is the full conversation including gadget result messages.
	Transcript []Message
	Usage      Usage
	// Cost sums handler-reported costs across all iterations, in USD.
	Cost float64
	// Iterations is how many scheduler sessions ran.
	Iterations int
	// BrokeLoop is set when a handler signalled loop termination.
	BrokeLoop bool
}

// Execute runs a turn to completion, discarding intermediate events.
func (a *Agent) Execute(ctx context.Context, task string) (RunResult, error) {
	return a.run(ctx, task, nil)
}

// ExecuteStream runs a turn and forwards every scheduler event to events in
// real time. The channel is closed when the turn completes, error included.
func (a *Agent) ExecuteStream(ctx context.Context, task string, events chan<- Event) (RunResult, error) {
	return a.run(ctx, task, events)
}

func (a *Agent) run(ctx context.Context, task string, events chan<- Event) (RunResult, error) {
	// closeEvents closes the streaming channel exactly once across every
	// exit path.
	var closeOnce sync.Once
	closeEvents := func() {
		if events != nil {
			closeOnce.Do(func() { close(events) })
		}
	}
	defer closeEvents()

	hooks, logger := a.cfg.hooks, a.cfg.logger
	runID := NewID()
	startedAt := NowUnix()
	if a.cfg.store != nil {
		if err := a.cfg.store.CreateRun(ctx, RunRecord{
			ID: runID, Agent: a.name, Task: task, StartedAt: startedAt,
		}); err != nil {
			logger.Warn("run store create failed", "error", err)
		}
	}

	system := BuildSystemPrompt(a.cfg.prompt, a.cfg.delims, a.registry.Infos())
	messages := []Message{SystemMessage(system), UserMessage(task)}

	res := RunResult{}
	var seeds Seeds

	for i := 0; i < a.cfg.maxIter; i++ {
		res.Iterations = i + 1
		hc := HookContext{Iteration: i, Logger: logger}

		src, err := a.openStream(ctx, hc, Request{Messages: messages})
		if err != nil {
			res.Transcript = messages
			return res, err
		}

		completion, terminals, err := a.runSession(ctx, i, seeds, src, events)
		if err != nil {
			res.Transcript = messages
			return res, err
		}

		res.Usage.Add(completion.Usage)
		res.Cost += completion.Cost
		hooks.onLLMCallComplete(ctx, hc, completion.FinalMessage, completion.Usage)

		assistant := completion.FinalMessage
		act := hooks.afterLLMCall(ctx, hc, assistant)
		switch act.kind {
		case llmRespModify, llmRespAppendAndModify:
			assistant = act.message
		}
		messages = append(messages, AssistantMessage(assistant))
		if len(act.append) > 0 {
			// Appended messages enter the transcript verbatim; interceptors
			// do not re-run on them.
			messages = append(messages, act.append...)
		}

		seeds.Succeeded = append(seeds.Succeeded, completion.Succeeded...)
		seeds.Failed = append(seeds.Failed, completion.Failed...)
		seeds.Failed = append(seeds.Failed, completion.Skipped...)

		a.persistInvocations(ctx, runID, i, terminals)

		res.Output = assistant
		announced := len(completion.Succeeded) + len(completion.Failed) + len(completion.Skipped)
		if completion.BreaksLoop {
			res.BrokeLoop = true
		}
		if completion.BreaksLoop || announced == 0 {
			res.Transcript = messages
			a.finishRun(ctx, runID, task, res, startedAt)
			return res, nil
		}

		messages = append(messages, UserMessage(formatInvocationResults(terminals)))
	}

	// Iteration budget exhausted — force a synthesis pass without gadget
	// execution, streaming the text straight through.
	logger.Warn("max iterations reached, forcing synthesis", "agent", a.name, "iterations", a.cfg.maxIter)
	messages = append(messages, UserMessage(
		"You have used all available gadget invocations. Summarize what you found and respond to the user."))
	final, usage, err := a.synthesize(ctx, Request{Messages: messages}, events)
	if err != nil {
		res.Transcript = messages
		return res, err
	}
	res.Usage.Add(usage)
	res.Output = final
	messages = append(messages, AssistantMessage(final))
	res.Transcript = messages
	a.finishRun(ctx, runID, task, res, startedAt)
	return res, nil
}

// openStream consults the before-LLM-call controllers and starts the model
// stream (or a synthetic one). Provider errors go through the
// after-LLM-error controllers before propagating.
func (a *Agent) openStream(ctx context.Context, hc HookContext, req Request) (ChunkSource, error) {
	hooks := a.cfg.hooks
	act := hooks.beforeLLMCall(ctx, hc)
	if act.kind == llmCallSkip {
		return NewTextSource(act.synthetic, "synthetic"), nil
	}
	if len(act.options) > 0 {
		req.Options = mergeOptions(req.Options, act.options)
	}
	hooks.onLLMCallStart(ctx, hc)
	src, err := a.provider.Stream(ctx, req)
	if err != nil {
		hooks.onLLMCallError(ctx, hc, err)
		if eact := hooks.afterLLMError(ctx, hc, err); eact.kind == llmErrorRecover {
			return NewTextSource(eact.fallback, "recovered"), nil
		}
		return nil, err
	}
	return src, nil
}

// runSession runs one scheduler session, forwarding its events to the
// caller's channel while capturing the completion and the terminal
// invocation events for transcript building.
func (a *Agent) runSession(ctx context.Context, iteration int, seeds Seeds, src ChunkSource, events chan<- Event) (*Completion, []Event, error) {
	sched := NewScheduler(a.registry,
		WithHooks(a.cfg.hooks),
		WithLogger(a.cfg.logger),
		WithTracer(a.cfg.tracer),
		WithDelimiters(a.cfg.delims),
		WithMaxConcurrency(a.cfg.maxConcurrency),
		WithDefaultTimeout(a.cfg.defaultTimeout),
		WithSeeds(seeds),
		WithIteration(iteration),
	)

	evch := make(chan Event, 64)
	var completion *Completion
	var terminals []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range evch {
			switch ev.Type {
			case EventSucceeded, EventFailed, EventSkipped:
				terminals = append(terminals, ev)
			case EventComplete:
				completion = ev.Complete
			}
			if events != nil {
				events <- ev
			}
		}
	}()

	err := sched.Run(ctx, src, evch)
	<-done
	if err != nil {
		return nil, terminals, err
	}
	if completion == nil {
		return nil, terminals, fmt.Errorf("strand: session ended without completion event")
	}
	return completion, terminals, nil
}

// synthesize consumes a model stream without gadget execution, forwarding
// text events, and returns the accumulated response.
func (a *Agent) synthesize(ctx context.Context, req Request, events chan<- Event) (string, Usage, error) {
	hc := HookContext{Iteration: a.cfg.maxIter, Logger: a.cfg.logger}
	src, err := a.openStream(ctx, hc, req)
	if err != nil {
		return "", Usage{}, err
	}
	var b strings.Builder
	var usage Usage
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", usage, err
		}
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		if events != nil {
			events <- Event{Type: EventText, Text: chunk.Text}
		}
	}
	final := a.cfg.hooks.interceptFinal(b.String())
	return final, usage, nil
}

func (a *Agent) persistInvocations(ctx context.Context, runID string, iteration int, terminals []Event) {
	if a.cfg.store == nil {
		return
	}
	for _, ev := range terminals {
		rec := InvocationRecord{
			RunID:      runID,
			Iteration:  iteration,
			ID:         ev.ID,
			Handler:    ev.Handler,
			DurationMS: ev.Duration.Milliseconds(),
			CreatedAt:  NowUnix(),
		}
		switch ev.Type {
		case EventSucceeded:
			rec.State = "succeeded"
			if ev.Result != nil {
				rec.Detail = ev.Result.Text
			}
		case EventFailed:
			rec.State = "failed"
		case EventSkipped:
			rec.State = "skipped"
		}
		if ev.Err != nil {
			rec.Detail = ev.Err.Message
			rec.ErrorKind = string(ev.Err.Kind)
		}
		if err := a.cfg.store.RecordInvocation(ctx, rec); err != nil {
			a.cfg.logger.Warn("run store invocation record failed", "error", err)
		}
	}
}

func (a *Agent) finishRun(ctx context.Context, runID, task string, res RunResult, startedAt int64) {
	if a.cfg.store == nil {
		return
	}
	err := a.cfg.store.FinishRun(ctx, RunRecord{
		ID:           runID,
		Agent:        a.name,
		Task:         task,
		Output:       res.Output,
		Iterations:   res.Iterations,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Cost:         res.Cost,
		StartedAt:    startedAt,
		FinishedAt:   NowUnix(),
	})
	if err != nil {
		a.cfg.logger.Warn("run store finish failed", "error", err)
	}
}

// formatInvocationResults renders terminal invocation events as the user
// message carrying gadget results back to the model.
func formatInvocationResults(terminals []Event) string {
	var b strings.Builder
	b.WriteString("Gadget results:\n")
	for _, ev := range terminals {
		switch ev.Type {
		case EventSucceeded:
			text := ""
			if ev.Result != nil {
				text = ev.Result.Text
			}
			fmt.Fprintf(&b, "\n[%s %s] succeeded:\n%s\n", ev.Handler, ev.ID, text)
		case EventFailed:
			fmt.Fprintf(&b, "\n[%s %s] failed: %s\n", ev.Handler, ev.ID, errText(ev.Err))
		case EventSkipped:
			fmt.Fprintf(&b, "\n[%s %s] skipped: %s\n", ev.Handler, ev.ID, errText(ev.Err))
		}
	}
	return b.String()
}

func errText(err *InvocationError) string {
	if err == nil {
		return "unknown error"
	}
	if err.Kind == KindParse && err.Raw != "" {
		return fmt.Sprintf("%s\nraw parameters:\n%s", err.Error(), err.Raw)
	}
	return err.Error()
}

func mergeOptions(base, extra map[string]string) map[string]string {
	if len(base) == 0 {
		return extra
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
