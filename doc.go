// Package strand is the runtime core of an LLM agent: it turns a streaming
// model response with embedded gadget invocations into a concurrent,
// dependency-ordered execution plan and a single real-time event stream.
//
// The model invokes gadgets by writing delimiter-framed blocks inline in its
// text. The stream processor parses these blocks incrementally as chunks
// arrive, builds a dependency graph from the (possibly forward-referencing)
// invocation ids, executes ready invocations in parallel under per-handler
// concurrency caps, and emits typed events — text, announcements, results,
// sub-agent streams, completion — in real time.
//
// # Quick Start
//
//	registry := strand.NewRegistry()
//	registry.MustAdd(gadgets.NewWeb())
//
//	agent := strand.NewAgent("assistant", provider, registry,
//		strand.WithPrompt("You are a research assistant."),
//		strand.WithLogger(logger),
//	)
//	events := make(chan strand.Event, 64)
//	go render(events)
//	result, err := agent.ExecuteStream(ctx, task, events)
//
// # Core pieces
//
//   - [Parser] — incremental tokenizer for the invocation grammar
//   - [Scheduler] — one session per model stream: parse, schedule, execute, emit
//   - [Registry] / [Handler] — named gadget implementations with JSON Schema
//     parameter validation
//   - [Hooks] — observers (read-only, parallel), interceptors (synchronous
//     transforms) and controllers (tagged-action deciders) around every stage
//   - [Agent] — the outer loop: one scheduler session per iteration, gadget
//     results fed back into the transcript, terminal ids seeded forward
//
// # Included implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible API),
// provider/gemini. Handlers: gadgets/web, gadgets/file, gadgets/shell,
// gadgets/report. Run-log stores: store/sqlite, store/postgres.
// Observability: observer (OpenTelemetry traces, metrics, logs).
//
// See cmd/strand for a complete piped-CLI reference application.
package strand
