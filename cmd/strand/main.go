// Command strand runs one agent turn from the command line: the task comes
// from the arguments (or stdin when piped), events stream to stdout one line
// per event, and the final message prints last.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	strand "github.com/zbigniewsobiecki/strand"
	"github.com/zbigniewsobiecki/strand/gadgets/file"
	"github.com/zbigniewsobiecki/strand/gadgets/report"
	"github.com/zbigniewsobiecki/strand/gadgets/shell"
	"github.com/zbigniewsobiecki/strand/gadgets/web"
	"github.com/zbigniewsobiecki/strand/internal/config"
	"github.com/zbigniewsobiecki/strand/observer"
	"github.com/zbigniewsobiecki/strand/provider/gemini"
	"github.com/zbigniewsobiecki/strand/provider/openaicompat"
	sqlitestore "github.com/zbigniewsobiecki/strand/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	pgstore "github.com/zbigniewsobiecki/strand/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to strand.toml")
	verbose := flag.Bool("v", false, "debug logging to stderr")
	showEvents := flag.Bool("events", false, "print invocation events, not just text")
	flag.Parse()

	if err := run(*configPath, *verbose, *showEvents, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "strand:", err)
		os.Exit(1)
	}
}

func run(configPath string, verbose, showEvents bool, args []string) error {
	cfg := config.Load(configPath)

	task := strings.Join(args, " ")
	if task == "" {
		// Piped mode: read the task from stdin.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		task = strings.TrimSpace(string(data))
	}
	if task == "" {
		return fmt.Errorf("no task given (argument or stdin)")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.WorkspacePath, 0o755); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	registry := strand.NewRegistry()
	registry.MustAdd(web.New())
	registry.MustAdd(shell.New(cfg.Runtime.WorkspacePath, 30))
	registry.MustAdd(report.New(cfg.Runtime.WorkspacePath))
	for _, h := range file.Handlers(cfg.Runtime.WorkspacePath) {
		registry.MustAdd(h)
	}

	hooks := strand.NewHooks()
	hooks.Add(strand.Normalizer{})
	hooks.Add(strand.ResultTruncator{})

	var tracer strand.Tracer
	if cfg.Observer.Enabled {
		pricing := map[string]observer.ModelPricing{}
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		hooks.Add(observer.NewHook(inst, cfg.LLM.Model))
		tracer = observer.NewTracer()
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	opts := []strand.Option{
		strand.WithPrompt(cfg.Runtime.SystemPrompt),
		strand.WithMaxIter(cfg.Runtime.MaxIter),
		strand.WithMaxConcurrency(cfg.Runtime.MaxConcurrency),
		strand.WithDefaultTimeout(time.Duration(cfg.Runtime.InvocationTimeoutSeconds) * time.Second),
		strand.WithLogger(logger),
		strand.WithHooks(hooks),
	}
	if d := cfg.Runtime.Delimiters; d.Start != "" {
		opts = append(opts, strand.WithDelimiters(strand.Delimiters{Start: d.Start, Arg: d.Arg, End: d.End}))
	}
	if tracer != nil {
		opts = append(opts, strand.WithTracer(tracer))
	}
	if store != nil {
		opts = append(opts, strand.WithRunStore(store))
	}

	agent := strand.NewAgent("strand", provider, registry, opts...)

	events := make(chan strand.Event, 64)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(os.Stdout, events, showEvents)
	}()

	res, err := agent.ExecuteStream(ctx, task, events)
	<-rendered
	if err != nil {
		return err
	}
	fmt.Println()
	logger.Info("turn complete",
		"iterations", res.Iterations,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"cost_usd", res.Cost)
	return nil
}

func buildProvider(cfg config.Config) (strand.Provider, error) {
	var p strand.Provider
	switch cfg.LLM.Provider {
	case "openai", "openaicompat", "":
		p = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	case "gemini":
		p = gemini.New(cfg.LLM.APIKey, cfg.LLM.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLM.Provider)
	}
	p = strand.WithRetry(p)
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		p = strand.WithRateLimit(p, strand.RPM(cfg.LLM.RPM), strand.TPM(cfg.LLM.TPM))
	}
	return p, nil
}

func buildStore(ctx context.Context, cfg config.Config) (strand.RunStore, func(), error) {
	switch cfg.Store.Driver {
	case "":
		return nil, nil, nil
	case "sqlite":
		s := sqlitestore.New(cfg.Store.Path)
		if err := s.Init(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		s := pgstore.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// renderEvents prints the event stream: text flows straight through,
// invocation events print as bracketed status lines when enabled.
func renderEvents(w io.Writer, events <-chan strand.Event, showEvents bool) {
	for ev := range events {
		switch ev.Type {
		case strand.EventText:
			fmt.Fprint(w, ev.Text)
		case strand.EventAnnounced:
			if showEvents {
				fmt.Fprintf(w, "\n[%s %s] started\n", ev.Handler, ev.ID)
			}
		case strand.EventSucceeded:
			if showEvents {
				fmt.Fprintf(w, "[%s %s] ok (%s)\n", ev.Handler, ev.ID, ev.Duration.Round(time.Millisecond))
			}
		case strand.EventFailed:
			fmt.Fprintf(w, "\n[%s %s] failed: %s\n", ev.Handler, ev.ID, ev.Err.Message)
		case strand.EventSkipped:
			if showEvents {
				fmt.Fprintf(w, "[%s %s] skipped: %s\n", ev.Handler, ev.ID, ev.Err.Message)
			}
		case strand.EventSubStream:
			if showEvents && ev.Sub != nil && ev.Sub.Type == strand.EventText {
				fmt.Fprintf(w, "[%s %s] %s", ev.Handler, ev.ID, ev.Sub.Text)
			}
		}
	}
}
