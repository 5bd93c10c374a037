package strand

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// drainPollInterval bounds how long queued events (including sub-stream
// events from nested agents) can sit before the final-wait loop flushes
// them. A wake channel usually flushes much sooner.
const drainPollInterval = 100 * time.Millisecond

// emitGrace is how long a post-cancellation emit waits for a consumer that
// stopped reading before the event is dropped.
const emitGrace = time.Second

// Scheduler is the stream processor: it drives a model chunk stream through
// the incremental parser, registers invocations in the dependency graph,
// dispatches ready invocations to handlers under per-handler concurrency
// caps, and merges results and sub-stream events into a single ordered
// event stream.
//
// One Scheduler processes exactly one stream (one agent iteration);
// constructing a new one per turn is cheap. Reusing a Scheduler returns
// ErrSessionReused.
type Scheduler struct {
	registry       *Registry
	hooks          *Hooks
	logger         *slog.Logger
	tracer         Tracer
	delims         Delimiters
	maxConcurrency int
	defaultTimeout time.Duration
	seeds          Seeds
	iteration      int

	ran atomic.Bool
}

// NewScheduler creates a scheduler session over the given handler registry.
// Panics on structurally invalid delimiters, which is always a programming
// error.
func NewScheduler(registry *Registry, opts ...Option) *Scheduler {
	cfg := buildConfig(opts)
	s := &Scheduler{
		registry:       registry,
		hooks:          cfg.hooks,
		logger:         cfg.logger,
		tracer:         cfg.tracer,
		delims:         cfg.delims,
		maxConcurrency: cfg.maxConcurrency,
		defaultTimeout: cfg.defaultTimeout,
		seeds:          cfg.seeds,
		iteration:      cfg.iteration,
	}
	if err := s.delims.validate(); err != nil {
		panic(err)
	}
	s.hooks.setLogger(s.logger)
	return s
}

// Run consumes the chunk source and writes the session's event stream to
// events, closing it when done. The final event is stream-complete unless an
// LLM-stream error goes unrecovered, in which case the error is returned
// instead (all announced invocations still receive a terminal event first).
//
// Cancelling ctx stops chunk consumption, aborts running handlers at their
// next blocking point, skips deferred invocations, and still emits
// stream-complete with finish reason "cancelled". Callers must keep reading
// events until the channel closes.
func (s *Scheduler) Run(ctx context.Context, src ChunkSource, events chan<- Event) error {
	if !s.ran.CompareAndSwap(false, true) {
		close(events)
		return ErrSessionReused
	}

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	ses := &session{
		Scheduler:   s,
		ctx:         ctx,
		taskCtx:     taskCtx,
		cancelTasks: cancelTasks,
		src:         src,
		events:    events,
		parser:    NewParser(s.delims),
		exec:      newExecutor(s.registry, s.defaultTimeout, s.logger),
		graph:     newDepGraph(s.seeds),
		sems:      map[string]chan struct{}{},
		wake:      make(chan struct{}, 1),
	}
	defer close(events)

	if s.tracer != nil {
		var span Span
		ses.taskCtx, span = s.tracer.Start(taskCtx, "strand.session",
			IntAttr("iteration", s.iteration))
		defer span.End()
	}

	return ses.run()
}

// session is the per-run state. The graph, in-flight counter and terminal
// bookkeeping share one mutex; the completed-results queue has its own so
// handler goroutines never contend with graph updates while enqueueing.
type session struct {
	*Scheduler

	ctx         context.Context // caller's cancellation token
	taskCtx     context.Context // cancelled to abort invocation tasks early
	cancelTasks context.CancelFunc
	src         ChunkSource
	events      chan<- Event
	parser  *Parser
	exec    *executor

	mu          sync.Mutex
	graph       *depGraph
	inFlight    int
	sems        map[string]chan struct{}
	accumulated strings.Builder
	usage       Usage
	cost        float64
	breaksLoop  bool
	finish      string
	succeeded   []string
	failed      []string
	skipped     []string
	cancelled   bool

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
}

func (ses *session) run() error {
	streamErr := ses.consume()

	if streamErr != nil {
		// Unrecovered LLM-stream error: no new work, abort handlers, but
		// every announced invocation still gets its terminal event.
		ses.markCancelled()
		ses.cancelTasks()
		ses.cancelPending()
		ses.awaitInFlight()
		ses.cancelPending()
		ses.drain()
		return streamErr
	}

	for _, ev := range ses.parser.Finalize() {
		ses.dispatch(ev)
	}
	ses.drain()

	if ses.isCancelled() {
		ses.cancelPending()
	} else {
		ses.resolveUnresolved()
	}

	// Final wait: poll the completed queue while invocations drain, then
	// settle nodes that were deferred behind them.
	for {
		ses.awaitInFlight()
		if ses.isCancelled() {
			ses.cancelPending()
		} else {
			ses.resolveUnresolved()
		}
		ses.mu.Lock()
		busy := ses.inFlight > 0
		pending := len(ses.graph.pending())
		ses.mu.Unlock()
		if !busy && (pending == 0 || ses.isCancelled()) {
			break
		}
		if !busy && pending > 0 {
			// Nothing can make progress; settle whatever is left.
			ses.cancelPending()
		}
	}
	ses.drain()

	ses.mu.Lock()
	raw := ses.accumulated.String()
	finish := ses.finish
	if ses.cancelled {
		finish = "cancelled"
	} else if finish == "" {
		finish = "stop"
	}
	completion := &Completion{
		FinishReason: finish,
		Usage:        ses.usage,
		RawText:      raw,
		BreaksLoop:   ses.breaksLoop,
		Cost:         ses.cost,
		Succeeded:    ses.succeeded,
		Failed:       ses.failed,
		Skipped:      ses.skipped,
	}
	ses.mu.Unlock()

	completion.FinalMessage = ses.hooks.interceptFinal(raw)
	ses.emit(Event{Type: EventComplete, Complete: completion})
	return nil
}

// consume drives the chunk loop. Returns nil on end-of-stream (including
// recovered errors and cancellation) and the stream error when the
// after-LLM-error controllers chose to rethrow.
func (ses *session) consume() error {
	for {
		if ses.ctx.Err() != nil {
			ses.markCancelled()
			return nil
		}
		chunk, err := ses.src.Next(ses.ctx)
		switch {
		case err == io.EOF:
			return nil
		case err != nil && ses.ctx.Err() != nil:
			ses.markCancelled()
			return nil
		case err != nil:
			hc := ses.hookContext(InvocationCall{})
			ses.hooks.onLLMCallError(ses.taskCtx, hc, err)
			act := ses.hooks.afterLLMError(ses.taskCtx, hc, err)
			if act.kind != llmErrorRecover {
				return err
			}
			ses.processText(act.fallback)
			ses.mu.Lock()
			ses.finish = "recovered"
			ses.mu.Unlock()
			return nil
		}

		if chunk.FinishReason != "" {
			ses.mu.Lock()
			ses.finish = chunk.FinishReason
			ses.mu.Unlock()
		}
		if chunk.Usage != nil {
			ses.mu.Lock()
			ses.usage.Add(*chunk.Usage)
			ses.mu.Unlock()
		}
		if chunk.Text != "" {
			ses.processText(chunk.Text)
		}
		ses.drain()
	}
}

// processText runs one chunk's text through the raw interceptors, the
// chunk observers and the parser, dispatching every completed parse event.
func (ses *session) processText(text string) {
	raw, keep := ses.hooks.interceptRaw(text)
	if !keep {
		return
	}
	ses.mu.Lock()
	ses.accumulated.WriteString(raw)
	ses.mu.Unlock()

	ses.hooks.onStreamChunk(ses.taskCtx, ses.hookContext(InvocationCall{}), raw)

	for _, ev := range ses.parser.Feed(raw) {
		ses.dispatch(ev)
	}
	ses.drain()
}

// dispatch routes one parse event: text through the text interceptors,
// invocation calls into the graph and (when ready) execution.
func (ses *session) dispatch(ev ParseEvent) {
	if ev.Call == nil {
		if text, keep := ses.hooks.interceptText(ev.Text); keep {
			ses.emit(Event{Type: EventText, Text: text})
		}
		return
	}

	call := *ev.Call
	announced := call.Clone()
	ses.emit(Event{Type: EventAnnounced, ID: call.ID, Handler: call.Handler, Call: &announced})

	ses.mu.Lock()
	insertErr := ses.graph.insert(call)
	ses.mu.Unlock()

	if insertErr != nil {
		ses.recordDetached(call, &InvocationError{
			Kind:    KindParse,
			Message: insertErr.Error(),
			Raw:     call.RawParams,
		})
		return
	}

	if call.ParseError != "" {
		ses.finishNode(call, nil, &InvocationError{
			Kind:    KindParse,
			Message: call.ParseError,
			Raw:     call.RawParams,
		})
	}
	ses.pump()
}

// pump launches every ready invocation and settles every doomed one, looping
// until both sets are empty. Safe to call from the chunk loop and from
// invocation goroutines.
func (ses *session) pump() {
	for {
		ses.mu.Lock()
		ready := ses.graph.pollReady()
		doomed := ses.graph.pollDoomed()
		ses.mu.Unlock()
		if len(ready) == 0 && len(doomed) == 0 {
			return
		}
		for _, id := range ready {
			ses.launch(id)
		}
		for _, d := range doomed {
			ses.resolveDoomed(d)
		}
	}
}

// launch spawns the execution goroutine for a ready invocation.
// Fire-and-forget: independent invocations announced in the same chunk run
// in parallel.
func (ses *session) launch(id string) {
	ses.mu.Lock()
	n := ses.graph.node(id)
	if n == nil || n.state != stateReady {
		ses.mu.Unlock()
		return
	}
	call := n.call
	if ses.cancelled {
		ses.mu.Unlock()
		ses.skipNode(call, &InvocationError{Kind: KindCancelled, Message: "session cancelled before dispatch"})
		return
	}
	ses.inFlight++
	ses.mu.Unlock()
	go ses.task(call)
}

// task is one invocation's lifecycle: concurrency gate, hook chain,
// execution, graph update, and the ready-set rescan that wakes dependents.
func (ses *session) task(call InvocationCall) {
	defer func() {
		ses.mu.Lock()
		ses.inFlight--
		ses.mu.Unlock()
		ses.notifyWake()
	}()

	if sem := ses.semaphore(call.Handler); sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ses.taskCtx.Done():
			ses.skipNode(call, &InvocationError{Kind: KindCancelled, Message: "cancelled while waiting for concurrency slot"})
			return
		}
	} else if ses.taskCtx.Err() != nil {
		ses.skipNode(call, &InvocationError{Kind: KindCancelled, Message: "cancelled before dispatch"})
		return
	}

	ses.mu.Lock()
	ses.graph.markRunning(call.ID)
	ses.mu.Unlock()

	ctx := ses.taskCtx
	if ses.tracer != nil {
		var span Span
		ctx, span = ses.tracer.Start(ctx, "strand.invocation",
			StringAttr("invocation", call.ID),
			StringAttr("handler", call.Handler))
		defer span.End()
	}

	hc := ses.hookContext(call)
	var outcome Outcome
	if act := ses.hooks.beforeInvocation(ctx, hc); act.kind == invocationSkip {
		outcome = successOutcome(*act.synthetic)
	} else {
		ses.hooks.onInvocationStart(ctx, hc)
		params := cloneParams(call.Params)
		params = ses.hooks.interceptParams(params)
		outcome = ses.exec.execute(ctx, call, params, ses.iteration, func(ev Event) {
			ses.enqueue(Event{Type: EventSubStream, ID: call.ID, Handler: call.Handler, Sub: &ev})
		})
		if outcome.Result != nil {
			outcome.Result.Text = ses.hooks.interceptResult(outcome.Result.Text)
		}
		if ract := ses.hooks.afterInvocation(ctx, hc, outcome); ract.kind == resultRecover && outcome.Failed() {
			outcome = Outcome{Result: ract.fallback, Started: outcome.Started, Finished: time.Now()}
		}
	}
	ses.hooks.onInvocationComplete(ctx, hc, outcome)

	ses.finishNode(call, outcome.Result, outcome.Err)
	ses.pump()
}

// resolveDoomed settles a pending invocation whose dependency failed or was
// skipped. Self-dependencies skip unconditionally; everything else is put to
// the dependency-skip controllers.
func (ses *session) resolveDoomed(d doomedNode) {
	ses.mu.Lock()
	n := ses.graph.node(d.id)
	if n == nil || n.state != statePending {
		ses.mu.Unlock()
		return
	}
	call := n.call
	ses.mu.Unlock()

	if d.cause.Cause == call.ID || ses.isCancelled() {
		ses.skipNode(call, d.cause)
		return
	}

	act := ses.hooks.onDependencySkip(ses.taskCtx, ses.hookContext(call), d.cause)
	switch act.kind {
	case depSkipExecute:
		ses.mu.Lock()
		ok := ses.graph.forceReady(call.ID)
		ses.mu.Unlock()
		if ok {
			ses.launch(call.ID)
		}
	case depSkipFallback:
		ses.finishNode(call, act.fallback, nil)
		ses.pump()
	default:
		ses.skipNode(call, d.cause)
	}
}

// skipNode marks a node skipped, notifies observers and enqueues the
// terminal event, then settles any dependents doomed by the skip.
func (ses *session) skipNode(call InvocationCall, cause *InvocationError) {
	ses.finishNode(call, nil, cause)
	ses.pump()
}

// finishNode applies a terminal outcome to the graph and enqueues exactly
// one terminal event. No-op when the node already reached a terminal state.
func (ses *session) finishNode(call InvocationCall, result *Result, invErr *InvocationError) {
	ses.mu.Lock()
	n := ses.graph.node(call.ID)
	var duration time.Duration
	if n != nil && !n.started.IsZero() {
		duration = time.Since(n.started)
	}
	if !ses.graph.markTerminal(call.ID, result, invErr) {
		ses.mu.Unlock()
		return
	}
	ev := Event{ID: call.ID, Handler: call.Handler, Duration: duration}
	switch {
	case invErr == nil:
		ev.Type = EventSucceeded
		ev.Result = result
		ses.succeeded = append(ses.succeeded, call.ID)
		if result != nil {
			ses.cost += result.Cost
			if result.BreaksLoop {
				ses.breaksLoop = true
			}
		}
	case invErr.Skip():
		ev.Type = EventSkipped
		ev.Err = invErr
		ses.skipped = append(ses.skipped, call.ID)
	default:
		ev.Type = EventFailed
		ev.Err = invErr
		ses.failed = append(ses.failed, call.ID)
	}
	// Enqueue before releasing the lock so a dependent's skip can never
	// overtake the terminal event that doomed it.
	ses.enqueue(ev)
	ses.mu.Unlock()

	if ev.Type == EventSkipped {
		ses.hooks.onInvocationSkipped(ses.taskCtx, ses.hookContext(call), invErr)
	}
}

// recordDetached emits a terminal failure for a call that never entered the
// graph (duplicate id). The bookkeeping still counts it so the completion
// summary matches the announced set.
func (ses *session) recordDetached(call InvocationCall, invErr *InvocationError) {
	ses.mu.Lock()
	ses.failed = append(ses.failed, call.ID)
	ses.mu.Unlock()
	ses.enqueue(Event{Type: EventFailed, ID: call.ID, Handler: call.Handler, Err: invErr})
}

// resolveUnresolved classifies and settles still-pending nodes that can no
// longer make progress: dangling references and dependency cycles. Cascaded
// dependency failures go through the normal doomed path.
func (ses *session) resolveUnresolved() {
	for {
		ses.mu.Lock()
		list := ses.graph.unresolvedOnClose()
		ses.mu.Unlock()
		if len(list) == 0 {
			return
		}
		for _, d := range list {
			ses.mu.Lock()
			n := ses.graph.node(d.id)
			stillPending := n != nil && n.state == statePending
			var call InvocationCall
			if n != nil {
				call = n.call
			}
			ses.mu.Unlock()
			if !stillPending {
				continue
			}
			ses.skipNode(call, d.cause)
		}
	}
}

// cancelPending skips every node that has not started running, with a
// cancellation diagnostic. New launches are suppressed once the session is
// cancelled.
func (ses *session) cancelPending() {
	cause := &InvocationError{Kind: KindCancelled, Message: "stream cancelled"}
	for {
		ses.mu.Lock()
		ids := ses.graph.pending()
		ids = append(ids, ses.graph.pollReady()...)
		ses.graph.pollDoomed()
		ses.mu.Unlock()
		if len(ids) == 0 {
			return
		}
		sort.Strings(ids)
		for _, id := range ids {
			ses.mu.Lock()
			n := ses.graph.node(id)
			var call InvocationCall
			if n != nil {
				call = n.call
			}
			terminalOrRunning := n == nil || n.state == stateRunning || n.state.terminal()
			ses.mu.Unlock()
			if terminalOrRunning {
				continue
			}
			ses.finishNode(call, nil, cause)
		}
	}
}

// awaitInFlight blocks until no invocation goroutine remains, draining the
// completed queue at least every drainPollInterval so sub-stream and result
// events reach the consumer in real time.
func (ses *session) awaitInFlight() {
	timer := time.NewTimer(drainPollInterval)
	defer timer.Stop()
	for {
		ses.drain()
		ses.mu.Lock()
		busy := ses.inFlight > 0
		ses.mu.Unlock()
		if !busy {
			ses.drain()
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(drainPollInterval)
		if ses.isCancelled() {
			select {
			case <-ses.wake:
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ses.wake:
		case <-timer.C:
		case <-ses.ctx.Done():
			ses.markCancelled()
		}
	}
}

// --- plumbing ---

func (ses *session) markCancelled() {
	ses.mu.Lock()
	ses.cancelled = true
	ses.mu.Unlock()
}

func (ses *session) isCancelled() bool {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	return ses.cancelled
}

// semaphore returns the per-handler gate, creating it on first use with the
// effective cap. Nil means unbounded.
func (ses *session) semaphore(handler string) chan struct{} {
	key := strings.ToLower(handler)
	ses.mu.Lock()
	defer ses.mu.Unlock()
	if sem, ok := ses.sems[key]; ok {
		return sem
	}
	limit := ses.maxConcurrency
	if h, ok := ses.registry.Lookup(handler); ok {
		limit = effectiveCap(h.Info().MaxConcurrency, ses.maxConcurrency)
	}
	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}
	ses.sems[key] = sem
	return sem
}

func (ses *session) hookContext(call InvocationCall) HookContext {
	ses.mu.Lock()
	acc := ses.accumulated.String()
	ses.mu.Unlock()
	return HookContext{
		Iteration:       ses.iteration,
		Handler:         call.Handler,
		InvocationID:    call.ID,
		Params:          cloneParams(call.Params),
		AccumulatedText: acc,
		Logger:          ses.logger,
	}
}

// emit writes an event straight to the consumer. Only the chunk-loop
// goroutine calls emit; invocation goroutines enqueue instead so the output
// stays a single ordered stream.
func (ses *session) emit(ev Event) {
	select {
	case ses.events <- ev:
	case <-ses.ctx.Done():
		select {
		case ses.events <- ev:
		case <-time.After(emitGrace):
			ses.logger.Warn("event dropped, consumer stopped reading", "type", string(ev.Type))
		}
	}
}

// enqueue appends to the completed-results queue and wakes the drain loop.
func (ses *session) enqueue(ev Event) {
	ses.queueMu.Lock()
	ses.queue = append(ses.queue, ev)
	ses.queueMu.Unlock()
	ses.notifyWake()
}

// drain flushes the completed-results queue to the consumer in FIFO order.
func (ses *session) drain() {
	for {
		ses.queueMu.Lock()
		if len(ses.queue) == 0 {
			ses.queueMu.Unlock()
			return
		}
		batch := ses.queue
		ses.queue = nil
		ses.queueMu.Unlock()
		for _, ev := range batch {
			ses.emit(ev)
		}
	}
}

func (ses *session) notifyWake() {
	select {
	case ses.wake <- struct{}{}:
	default:
	}
}

func cloneParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
