package strand

import (
	"log/slog"
	"time"
)

// config holds shared configuration for Scheduler and Agent. Each consumer
// reads the fields that apply to it; WithSeeds and WithIteration only make
// sense on a standalone Scheduler (Agent manages both per turn), WithPrompt,
// WithMaxIter and WithRunStore only on an Agent.
type config struct {
	hooks          *Hooks
	logger         *slog.Logger
	tracer         Tracer
	delims         Delimiters
	maxConcurrency int
	defaultTimeout time.Duration
	seeds          Seeds
	iteration      int
	prompt         string
	maxIter        int
	store          RunStore
}

// Option configures a Scheduler or an Agent.
type Option func(*config)

func buildConfig(opts []Option) config {
	cfg := config{
		hooks:  NewHooks(),
		logger: slog.New(discardHandler{}),
		delims: DefaultDelimiters(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithHooks sets the observer/interceptor/controller bundle.
func WithHooks(h *Hooks) Option {
	return func(c *config) {
		if h != nil {
			c.hooks = h
		}
	}
}

// WithLogger sets the structured logger (default: discard).
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer enables span creation around sessions, invocations and model
// calls.
func WithTracer(t Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithDelimiters overrides the invocation grammar markers.
func WithDelimiters(d Delimiters) Option {
	return func(c *config) { c.delims = d }
}

// WithMaxConcurrency caps simultaneous executions per handler name. The
// effective cap per handler is the minimum of this and the handler's own
// declared limit — configuration can tighten a handler's limit, never relax
// it. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(c *config) { c.maxConcurrency = n }
}

// WithDefaultTimeout sets the per-invocation timeout applied when a handler
// does not declare its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithSeeds pre-populates a scheduler session with invocation ids that
// reached a terminal state in prior iterations, so cross-iteration
// dependencies resolve without placeholder nodes.
func WithSeeds(seeds Seeds) Option {
	return func(c *config) { c.seeds = seeds }
}

// WithIteration tags hook contexts with the outer agent iteration number.
func WithIteration(n int) Option {
	return func(c *config) { c.iteration = n }
}

// WithPrompt sets the agent's system prompt, prepended to the generated
// gadget grammar instructions.
func WithPrompt(s string) Option {
	return func(c *config) { c.prompt = s }
}

// WithMaxIter sets the maximum number of agent iterations (default 10).
func WithMaxIter(n int) Option {
	return func(c *config) { c.maxIter = n }
}

// WithRunStore enables run-log persistence for agent turns.
func WithRunStore(st RunStore) Option {
	return func(c *config) { c.store = st }
}
