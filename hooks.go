package strand

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// HookContext is the read-only snapshot handed to every hook call. A fresh
// context is built per call with copied maps, so hooks cannot retain mutable
// references into the pipeline.
type HookContext struct {
	Iteration    int
	Handler      string
	InvocationID string
	Params       map[string]string
	// AccumulatedText is the model text received so far this session, after
	// raw-chunk interception.
	AccumulatedText string
	Logger          *slog.Logger
}

// --- Observer slots ---
//
// Observers are read-only listeners. All observers in a slot run in
// parallel and are awaited together; a failing observer is logged and
// counted, never propagated.

// ChunkObserver sees every raw stream chunk after interception.
type ChunkObserver interface {
	OnStreamChunk(ctx context.Context, hc HookContext, chunk string) error
}

// LLMObserver sees the lifecycle of each model call.
type LLMObserver interface {
	OnLLMCallStart(ctx context.Context, hc HookContext) error
	OnLLMCallComplete(ctx context.Context, hc HookContext, finalText string, usage Usage) error
	OnLLMCallError(ctx context.Context, hc HookContext, err error) error
}

// InvocationObserver sees the lifecycle of each gadget invocation.
type InvocationObserver interface {
	OnInvocationStart(ctx context.Context, hc HookContext) error
	OnInvocationComplete(ctx context.Context, hc HookContext, outcome Outcome) error
	OnInvocationSkipped(ctx context.Context, hc HookContext, cause *InvocationError) error
}

// --- Interceptor slots ---
//
// Interceptors are synchronous total transformations. The chunk-shaped slots
// return (value, keep); keep=false suppresses the value — a distinguished
// result, not an error. Suppressing a raw chunk removes it from the
// accumulated text too; suppressing a text chunk only drops the emitted
// event.

type RawChunkInterceptor interface {
	InterceptRawChunk(chunk string) (string, bool)
}

type TextChunkInterceptor interface {
	InterceptTextChunk(chunk string) (string, bool)
}

type ParamsInterceptor interface {
	InterceptParams(params map[string]string) map[string]string
}

type ResultInterceptor interface {
	InterceptResult(resultText string) string
}

type FinalMessageInterceptor interface {
	InterceptFinalMessage(accumulated string) string
}

// --- Controller slots ---
//
// Controllers are async deciders returning tagged actions. Actions are
// validated structurally before use; a malformed action degrades to the most
// conservative default (the zero value of each action type).

type llmCallKind int

const (
	llmCallProceed llmCallKind = iota
	llmCallSkip
)

// LLMCallAction is the before-LLM-call decision. The zero value proceeds.
type LLMCallAction struct {
	kind      llmCallKind
	options   map[string]string
	synthetic string
}

// ProceedLLM continues with the model call; options (may be nil) are merged
// into the request options.
func ProceedLLM(options map[string]string) LLMCallAction {
	return LLMCallAction{options: options}
}

// SkipLLM suppresses the model call entirely; the synthetic response is
// processed as if the model had produced it.
func SkipLLM(synthetic string) LLMCallAction {
	return LLMCallAction{kind: llmCallSkip, synthetic: synthetic}
}

func (a LLMCallAction) normalize() LLMCallAction {
	if a.kind == llmCallSkip && a.synthetic == "" {
		return LLMCallAction{}
	}
	return a
}

type llmRespKind int

const (
	llmRespContinue llmRespKind = iota
	llmRespModify
	llmRespAppend
	llmRespAppendAndModify
)

// LLMResponseAction is the after-LLM-call decision. The zero value continues
// unchanged.
type LLMResponseAction struct {
	kind    llmRespKind
	message string
	append  []Message
}

// ContinueLLM keeps the response as-is.
func ContinueLLM() LLMResponseAction { return LLMResponseAction{} }

// ModifyMessage replaces the assistant message recorded in the transcript.
func ModifyMessage(message string) LLMResponseAction {
	return LLMResponseAction{kind: llmRespModify, message: message}
}

// AppendMessages appends messages to the transcript after the assistant
// message. Appended messages do not re-run interceptors.
func AppendMessages(messages ...Message) LLMResponseAction {
	return LLMResponseAction{kind: llmRespAppend, append: messages}
}

// AppendAndModify combines ModifyMessage and AppendMessages.
func AppendAndModify(message string, messages ...Message) LLMResponseAction {
	return LLMResponseAction{kind: llmRespAppendAndModify, message: message, append: messages}
}

func (a LLMResponseAction) normalize() LLMResponseAction {
	switch a.kind {
	case llmRespModify, llmRespAppendAndModify:
		if a.message == "" {
			return LLMResponseAction{}
		}
	case llmRespAppend:
		if len(a.append) == 0 {
			return LLMResponseAction{}
		}
	}
	return a
}

type llmErrorKind int

const (
	llmErrorRethrow llmErrorKind = iota
	llmErrorRecover
)

// LLMErrorAction is the after-LLM-error decision. The zero value rethrows.
type LLMErrorAction struct {
	kind     llmErrorKind
	fallback string
}

// RecoverLLM swallows the stream error; the fallback response is processed
// as if the model had produced it.
func RecoverLLM(fallback string) LLMErrorAction {
	return LLMErrorAction{kind: llmErrorRecover, fallback: fallback}
}

// RethrowLLM propagates the stream error to the caller.
func RethrowLLM() LLMErrorAction { return LLMErrorAction{} }

func (a LLMErrorAction) normalize() LLMErrorAction {
	if a.kind == llmErrorRecover && a.fallback == "" {
		return LLMErrorAction{}
	}
	return a
}

type invocationKind int

const (
	invocationProceed invocationKind = iota
	invocationSkip
)

// InvocationAction is the before-invocation decision. The zero value
// proceeds.
type InvocationAction struct {
	kind      invocationKind
	synthetic *Result
}

// ProceedInvocation lets the invocation execute normally.
func ProceedInvocation() InvocationAction { return InvocationAction{} }

// SkipInvocation suppresses execution; the invocation succeeds with the
// synthetic result.
func SkipInvocation(synthetic Result) InvocationAction {
	return InvocationAction{kind: invocationSkip, synthetic: &synthetic}
}

func (a InvocationAction) normalize() InvocationAction {
	if a.kind == invocationSkip && a.synthetic == nil {
		return InvocationAction{}
	}
	return a
}

type resultKind int

const (
	resultContinue resultKind = iota
	resultRecover
)

// ResultAction is the after-invocation decision. The zero value continues.
type ResultAction struct {
	kind     resultKind
	fallback *Result
}

// ContinueInvocation keeps the outcome as-is.
func ContinueInvocation() ResultAction { return ResultAction{} }

// RecoverInvocation converts a failed outcome into success with the fallback
// result. Only meaningful when the outcome failed; otherwise ignored with a
// warning.
func RecoverInvocation(fallback Result) ResultAction {
	return ResultAction{kind: resultRecover, fallback: &fallback}
}

func (a ResultAction) normalize() ResultAction {
	if a.kind == resultRecover && a.fallback == nil {
		return ResultAction{}
	}
	return a
}

type depSkipKind int

const (
	depSkipSkip depSkipKind = iota
	depSkipExecute
	depSkipFallback
)

// DependencyAction is the on-dependency-skip decision for an invocation
// whose dependency failed or was skipped. The zero value skips.
type DependencyAction struct {
	kind     depSkipKind
	fallback *Result
}

// SkipDependent skips the doomed invocation (the default).
func SkipDependent() DependencyAction { return DependencyAction{} }

// ExecuteAnyway runs the invocation despite the failed dependency.
func ExecuteAnyway() DependencyAction { return DependencyAction{kind: depSkipExecute} }

// UseFallback marks the invocation succeeded with the given result, without
// executing it.
func UseFallback(fallback Result) DependencyAction {
	return DependencyAction{kind: depSkipFallback, fallback: &fallback}
}

func (a DependencyAction) normalize() DependencyAction {
	if a.kind == depSkipFallback && a.fallback == nil {
		return DependencyAction{}
	}
	return a
}

// Controller slot interfaces.

type BeforeLLMController interface {
	BeforeLLMCall(ctx context.Context, hc HookContext) LLMCallAction
}

type AfterLLMController interface {
	AfterLLMCall(ctx context.Context, hc HookContext, finalText string) LLMResponseAction
}

type LLMErrorController interface {
	AfterLLMError(ctx context.Context, hc HookContext, err error) LLMErrorAction
}

type BeforeInvocationController interface {
	BeforeInvocation(ctx context.Context, hc HookContext) InvocationAction
}

type AfterInvocationController interface {
	AfterInvocation(ctx context.Context, hc HookContext, outcome Outcome) ResultAction
}

type DependencySkipController interface {
	OnDependencySkip(ctx context.Context, hc HookContext, cause *InvocationError) DependencyAction
}

// --- Hook bundle ---

// Hooks is the immutable observer/interceptor/controller bundle supplied at
// scheduler construction. Hooks in the same slot run in registration order
// (observers in parallel within their slot). Any slot may be empty.
type Hooks struct {
	hooks []any

	chunkObs []ChunkObserver
	llmObs   []LLMObserver
	invObs   []InvocationObserver

	rawInt    []RawChunkInterceptor
	textInt   []TextChunkInterceptor
	paramsInt []ParamsInterceptor
	resultInt []ResultInterceptor
	finalInt  []FinalMessageInterceptor

	beforeLLM []BeforeLLMController
	afterLLM  []AfterLLMController
	llmError  []LLMErrorController
	beforeInv []BeforeInvocationController
	afterInv  []AfterInvocationController
	depSkip   []DependencySkipController

	observerFailures atomic.Int64
	logger           *slog.Logger
}

// NewHooks creates an empty bundle.
func NewHooks() *Hooks {
	return &Hooks{logger: slog.New(discardHandler{})}
}

// Add registers a hook in every slot it implements. The hook must implement
// at least one slot interface; Add panics otherwise, since a no-op hook is
// always a programming error.
func (h *Hooks) Add(v any) {
	matched := false
	if o, ok := v.(ChunkObserver); ok {
		h.chunkObs = append(h.chunkObs, o)
		matched = true
	}
	if o, ok := v.(LLMObserver); ok {
		h.llmObs = append(h.llmObs, o)
		matched = true
	}
	if o, ok := v.(InvocationObserver); ok {
		h.invObs = append(h.invObs, o)
		matched = true
	}
	if i, ok := v.(RawChunkInterceptor); ok {
		h.rawInt = append(h.rawInt, i)
		matched = true
	}
	if i, ok := v.(TextChunkInterceptor); ok {
		h.textInt = append(h.textInt, i)
		matched = true
	}
	if i, ok := v.(ParamsInterceptor); ok {
		h.paramsInt = append(h.paramsInt, i)
		matched = true
	}
	if i, ok := v.(ResultInterceptor); ok {
		h.resultInt = append(h.resultInt, i)
		matched = true
	}
	if i, ok := v.(FinalMessageInterceptor); ok {
		h.finalInt = append(h.finalInt, i)
		matched = true
	}
	if c, ok := v.(BeforeLLMController); ok {
		h.beforeLLM = append(h.beforeLLM, c)
		matched = true
	}
	if c, ok := v.(AfterLLMController); ok {
		h.afterLLM = append(h.afterLLM, c)
		matched = true
	}
	if c, ok := v.(LLMErrorController); ok {
		h.llmError = append(h.llmError, c)
		matched = true
	}
	if c, ok := v.(BeforeInvocationController); ok {
		h.beforeInv = append(h.beforeInv, c)
		matched = true
	}
	if c, ok := v.(AfterInvocationController); ok {
		h.afterInv = append(h.afterInv, c)
		matched = true
	}
	if c, ok := v.(DependencySkipController); ok {
		h.depSkip = append(h.depSkip, c)
		matched = true
	}
	if !matched {
		panic(fmt.Sprintf("strand: hook %T implements no hook slot interface", v))
	}
	h.hooks = append(h.hooks, v)
}

// Len returns the number of registered hooks.
func (h *Hooks) Len() int { return len(h.hooks) }

// ObserverFailures returns how many observer calls returned an error so far;
// failures are swallowed, this counter is the only trace besides the log.
func (h *Hooks) ObserverFailures() int64 { return h.observerFailures.Load() }

func (h *Hooks) setLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// gather runs every fn in parallel and awaits them all, swallowing and
// counting errors. The gather-all contract means one failing observer never
// hides another's outcome.
func (h *Hooks) gather(slot string, fns []func() error) {
	if len(fns) == 0 {
		return
	}
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for i, fn := range fns {
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("observer panic: %v", p)
				}
			}()
			errs[i] = fn()
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			h.observerFailures.Add(1)
			h.logger.Warn("observer failed", "slot", slot, "error", err)
		}
	}
}

func (h *Hooks) onStreamChunk(ctx context.Context, hc HookContext, chunk string) {
	fns := make([]func() error, len(h.chunkObs))
	for i, o := range h.chunkObs {
		fns[i] = func() error { return o.OnStreamChunk(ctx, hc, chunk) }
	}
	h.gather("on_stream_chunk", fns)
}

func (h *Hooks) onLLMCallStart(ctx context.Context, hc HookContext) {
	fns := make([]func() error, len(h.llmObs))
	for i, o := range h.llmObs {
		fns[i] = func() error { return o.OnLLMCallStart(ctx, hc) }
	}
	h.gather("on_llm_call_start", fns)
}

func (h *Hooks) onLLMCallComplete(ctx context.Context, hc HookContext, finalText string, usage Usage) {
	fns := make([]func() error, len(h.llmObs))
	for i, o := range h.llmObs {
		fns[i] = func() error { return o.OnLLMCallComplete(ctx, hc, finalText, usage) }
	}
	h.gather("on_llm_call_complete", fns)
}

func (h *Hooks) onLLMCallError(ctx context.Context, hc HookContext, err error) {
	fns := make([]func() error, len(h.llmObs))
	for i, o := range h.llmObs {
		fns[i] = func() error { return o.OnLLMCallError(ctx, hc, err) }
	}
	h.gather("on_llm_call_error", fns)
}

func (h *Hooks) onInvocationStart(ctx context.Context, hc HookContext) {
	fns := make([]func() error, len(h.invObs))
	for i, o := range h.invObs {
		fns[i] = func() error { return o.OnInvocationStart(ctx, hc) }
	}
	h.gather("on_invocation_start", fns)
}

func (h *Hooks) onInvocationComplete(ctx context.Context, hc HookContext, outcome Outcome) {
	fns := make([]func() error, len(h.invObs))
	for i, o := range h.invObs {
		fns[i] = func() error { return o.OnInvocationComplete(ctx, hc, outcome) }
	}
	h.gather("on_invocation_complete", fns)
}

func (h *Hooks) onInvocationSkipped(ctx context.Context, hc HookContext, cause *InvocationError) {
	fns := make([]func() error, len(h.invObs))
	for i, o := range h.invObs {
		fns[i] = func() error { return o.OnInvocationSkipped(ctx, hc, cause) }
	}
	h.gather("on_invocation_skipped", fns)
}

// interceptRaw chains the raw-chunk interceptors; keep=false means the chunk
// is suppressed and must not enter the accumulated text.
func (h *Hooks) interceptRaw(chunk string) (string, bool) {
	for _, i := range h.rawInt {
		var keep bool
		if chunk, keep = i.InterceptRawChunk(chunk); !keep {
			return "", false
		}
	}
	return chunk, true
}

func (h *Hooks) interceptText(chunk string) (string, bool) {
	for _, i := range h.textInt {
		var keep bool
		if chunk, keep = i.InterceptTextChunk(chunk); !keep {
			return "", false
		}
	}
	return chunk, true
}

func (h *Hooks) interceptParams(params map[string]string) map[string]string {
	for _, i := range h.paramsInt {
		if out := i.InterceptParams(params); out != nil {
			params = out
		}
	}
	return params
}

func (h *Hooks) interceptResult(text string) string {
	for _, i := range h.resultInt {
		text = i.InterceptResult(text)
	}
	return text
}

func (h *Hooks) interceptFinal(accumulated string) string {
	for _, i := range h.finalInt {
		accumulated = i.InterceptFinalMessage(accumulated)
	}
	return accumulated
}

// Controller chains run sequentially in registration order; the first
// non-default action wins, so later controllers cannot override an earlier
// decision.

func (h *Hooks) beforeLLMCall(ctx context.Context, hc HookContext) LLMCallAction {
	merged := map[string]string{}
	for _, c := range h.beforeLLM {
		act := c.BeforeLLMCall(ctx, hc).normalize()
		if act.kind == llmCallSkip {
			return act
		}
		for k, v := range act.options {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return LLMCallAction{}
	}
	return LLMCallAction{options: merged}
}

func (h *Hooks) afterLLMCall(ctx context.Context, hc HookContext, finalText string) LLMResponseAction {
	for _, c := range h.afterLLM {
		if act := c.AfterLLMCall(ctx, hc, finalText).normalize(); act.kind != llmRespContinue {
			return act
		}
	}
	return LLMResponseAction{}
}

func (h *Hooks) afterLLMError(ctx context.Context, hc HookContext, err error) LLMErrorAction {
	for _, c := range h.llmError {
		if act := c.AfterLLMError(ctx, hc, err).normalize(); act.kind == llmErrorRecover {
			return act
		}
	}
	return LLMErrorAction{}
}

func (h *Hooks) beforeInvocation(ctx context.Context, hc HookContext) InvocationAction {
	for _, c := range h.beforeInv {
		if act := c.BeforeInvocation(ctx, hc).normalize(); act.kind == invocationSkip {
			return act
		}
	}
	return InvocationAction{}
}

func (h *Hooks) afterInvocation(ctx context.Context, hc HookContext, outcome Outcome) ResultAction {
	for _, c := range h.afterInv {
		act := c.AfterInvocation(ctx, hc, outcome).normalize()
		if act.kind != resultRecover {
			continue
		}
		if !outcome.Failed() {
			h.logger.Warn("after-invocation recover ignored: outcome did not fail",
				"invocation", hc.InvocationID)
			continue
		}
		return act
	}
	return ResultAction{}
}

func (h *Hooks) onDependencySkip(ctx context.Context, hc HookContext, cause *InvocationError) DependencyAction {
	for _, c := range h.depSkip {
		if act := c.OnDependencySkip(ctx, hc, cause).normalize(); act.kind != depSkipSkip {
			return act
		}
	}
	return DependencyAction{}
}

// discardHandler is the nop slog fallback so hook code never nil-checks
// loggers.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
