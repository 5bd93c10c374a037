package observer

import (
	"context"
	"time"

	strand "github.com/zbigniewsobiecki/strand"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for strand observability metrics and logs.
var (
	AttrModel            = attribute.Key("llm.model")
	AttrInvocationHandler = attribute.Key("invocation.handler")
	AttrInvocationState   = attribute.Key("invocation.state")
)

// Hook implements the strand chunk, LLM and invocation observer slots,
// recording metrics, logs and cost. Register it on a hook bundle:
//
//	inst, shutdown, _ := observer.Init(ctx, pricing)
//	hooks := strand.NewHooks()
//	hooks.Add(observer.NewHook(inst, model))
type Hook struct {
	inst  *Instruments
	model string

	llmStart time.Time
}

// NewHook creates an observer hook. model labels usage and cost metrics.
func NewHook(inst *Instruments, model string) *Hook {
	return &Hook{inst: inst, model: model}
}

func (h *Hook) OnStreamChunk(ctx context.Context, _ strand.HookContext, _ string) error {
	h.inst.StreamChunks.Add(ctx, 1, metric.WithAttributes(AttrModel.String(h.model)))
	return nil
}

func (h *Hook) OnLLMCallStart(ctx context.Context, _ strand.HookContext) error {
	h.llmStart = time.Now()
	h.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(AttrModel.String(h.model)))
	return nil
}

func (h *Hook) OnLLMCallComplete(ctx context.Context, hc strand.HookContext, finalText string, usage strand.Usage) error {
	attrs := metric.WithAttributes(AttrModel.String(h.model))
	h.inst.TokenUsage.Add(ctx, int64(usage.InputTokens+usage.OutputTokens), attrs)
	if !h.llmStart.IsZero() {
		h.inst.LLMDuration.Record(ctx, float64(time.Since(h.llmStart).Milliseconds()), attrs)
	}

	cost := h.inst.Cost.Calculate(h.model, usage.InputTokens, usage.OutputTokens)
	if cost > 0 {
		h.inst.CostTotal.Add(ctx, cost, attrs)
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", h.model),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Int("llm.response_length", len(finalText)),
		otellog.Int("iteration", hc.Iteration),
		otellog.Float64("llm.cost_usd", cost),
	)
	h.inst.Logger.Emit(ctx, rec)
	return nil
}

func (h *Hook) OnLLMCallError(ctx context.Context, hc strand.HookContext, err error) error {
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityError)
	rec.SetBody(otellog.StringValue("llm call failed"))
	rec.AddAttributes(
		otellog.String("llm.model", h.model),
		otellog.Int("iteration", hc.Iteration),
		otellog.String("error", err.Error()),
	)
	h.inst.Logger.Emit(ctx, rec)
	return nil
}

func (h *Hook) OnInvocationStart(_ context.Context, _ strand.HookContext) error {
	return nil
}

func (h *Hook) OnInvocationComplete(ctx context.Context, hc strand.HookContext, outcome strand.Outcome) error {
	state := "succeeded"
	if outcome.Err != nil {
		if outcome.Err.Skip() {
			state = "skipped"
		} else {
			state = "failed"
		}
	}
	h.record(ctx, hc, state, outcome.Duration(), outcome)
	return nil
}

func (h *Hook) OnInvocationSkipped(ctx context.Context, hc strand.HookContext, cause *strand.InvocationError) error {
	h.record(ctx, hc, "skipped", 0, strand.Outcome{Err: cause})
	return nil
}

func (h *Hook) record(ctx context.Context, hc strand.HookContext, state string, dur time.Duration, outcome strand.Outcome) {
	h.inst.Invocations.Add(ctx, 1, metric.WithAttributes(
		AttrInvocationHandler.String(hc.Handler),
		AttrInvocationState.String(state),
	))
	if dur > 0 {
		h.inst.InvocationDuration.Record(ctx, float64(dur.Milliseconds()), metric.WithAttributes(
			AttrInvocationHandler.String(hc.Handler),
		))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	if state == "failed" {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.SetBody(otellog.StringValue("invocation " + state))
	attrs := []otellog.KeyValue{
		otellog.String("invocation.id", hc.InvocationID),
		otellog.String("invocation.handler", hc.Handler),
		otellog.String("invocation.state", state),
		otellog.Float64("invocation.duration_ms", float64(dur.Milliseconds())),
	}
	if outcome.Err != nil {
		attrs = append(attrs,
			otellog.String("invocation.error_kind", string(outcome.Err.Kind)),
			otellog.String("invocation.error", outcome.Err.Message))
	}
	rec.AddAttributes(attrs...)
	h.inst.Logger.Emit(ctx, rec)
}

// compile-time checks
var (
	_ strand.ChunkObserver      = (*Hook)(nil)
	_ strand.LLMObserver        = (*Hook)(nil)
	_ strand.InvocationObserver = (*Hook)(nil)
)
