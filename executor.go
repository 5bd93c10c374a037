package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// defaultInvocationTimeout bounds a single handler execution unless the
// handler or the scheduler configuration overrides it.
const defaultInvocationTimeout = 60 * time.Second

// Outcome is the executor's structured report for one invocation: exactly
// one of Result or Err is set.
type Outcome struct {
	Result   *Result
	Err      *InvocationError
	Started  time.Time
	Finished time.Time
}

// Duration is the wall time of the execution.
func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Failed reports whether the invocation ended in a failure (not a skip).
func (o Outcome) Failed() bool { return o.Err != nil && !o.Err.Skip() }

func successOutcome(res Result) Outcome {
	now := time.Now()
	return Outcome{Result: &res, Started: now, Finished: now}
}

// executor resolves calls to registered handlers, validates parameters,
// enforces the per-call timeout and normalizes every possible failure into
// the invocation error taxonomy. Handler errors never escape it.
type executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func newExecutor(registry *Registry, defaultTimeout time.Duration, logger *slog.Logger) *executor {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultInvocationTimeout
	}
	return &executor{registry: registry, defaultTimeout: defaultTimeout, logger: logger}
}

// execute runs one invocation to an Outcome. params is the effective
// (post-interceptor) parameter map; the call's own map is left untouched.
func (x *executor) execute(ctx context.Context, call InvocationCall, params map[string]string, iteration int, emitSub func(Event)) Outcome {
	out := Outcome{Started: time.Now()}
	defer func() { out.Finished = time.Now() }()

	h, ok := x.registry.Lookup(call.Handler)
	if !ok {
		out.Err = &InvocationError{
			Kind:    KindUnknown,
			Message: fmt.Sprintf("no handler registered for %q", call.Handler),
		}
		return out
	}
	info := h.Info()

	if verr := x.validate(info, params); verr != nil {
		out.Err = verr
		return out
	}

	timeout := x.defaultTimeout
	if info.Timeout > 0 {
		timeout = info.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		ID:        call.ID,
		Handler:   info.Name,
		Params:    params,
		Iteration: iteration,
		Logger:    x.logger.With("invocation", call.ID, "handler", info.Name),
		emitSub:   emitSub,
	}

	res, err := x.run(runCtx, h, inv)
	switch {
	case err == nil:
		out.Result = &res
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		out.Err = &InvocationError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("handler %s exceeded %s", info.Name, timeout),
		}
	case ctx.Err() != nil:
		out.Err = &InvocationError{Kind: KindCancelled, Message: "invocation aborted: " + ctx.Err().Error()}
	default:
		out.Err = &InvocationError{Kind: KindExecution, Message: err.Error()}
	}
	return out
}

// run invokes the handler with panic recovery: a panicking gadget becomes an
// execution error instead of crashing the session.
func (x *executor) run(ctx context.Context, h Handler, inv Invocation) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fmt.Errorf("handler %q panic: %v", inv.Handler, p)
		}
	}()
	return h.Execute(ctx, inv)
}

// validate checks params against the handler's declared schema. The failure
// message carries the handler's usage summary and example so the model can
// self-correct on the next iteration.
func (x *executor) validate(info HandlerInfo, params map[string]string) *InvocationError {
	sch, err := x.registry.schema(info.Name)
	if err != nil {
		return &InvocationError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("handler %s has an invalid parameter schema: %v", info.Name, err),
		}
	}
	if sch == nil {
		return nil
	}
	doc := make(map[string]any, len(params))
	for k, v := range params {
		doc[k] = v
	}
	if err := sch.Validate(doc); err != nil {
		return &InvocationError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("invalid parameters: %v\n%s", err, usage(info)),
		}
	}
	return nil
}

// effectiveCap combines the handler's declared concurrency limit with the
// scheduler's configured cap; the minimum wins so a handler's safety
// requirement can never be relaxed by configuration. Zero means unbounded.
func effectiveCap(handlerCap, configCap int) int {
	switch {
	case handlerCap <= 0:
		return configCap
	case configCap <= 0:
		return handlerCap
	case handlerCap < configCap:
		return handlerCap
	default:
		return configCap
	}
}
