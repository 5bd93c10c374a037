// Package sqlite implements strand.RunStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	strand "github.com/zbigniewsobiecki/strand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements strand.RunStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ strand.RunStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// A single shared connection serializes writers, eliminating SQLITE_BUSY
// errors from concurrent invocation records.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			task TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			iterations INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			id TEXT NOT NULL,
			handler TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, iteration, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run at turn start.
func (s *Store) CreateRun(ctx context.Context, run strand.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent, task, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Agent, run.Task, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("run created", "run", run.ID, "agent", run.Agent)
	return nil
}

// FinishRun updates the run with its final output and totals.
func (s *Store) FinishRun(ctx context.Context, run strand.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET output = ?, iterations = ?, input_tokens = ?,
			output_tokens = ?, cost = ?, finished_at = ? WHERE id = ?`,
		run.Output, run.Iterations, run.InputTokens,
		run.OutputTokens, run.Cost, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordInvocation appends one invocation outcome.
func (s *Store) RecordInvocation(ctx context.Context, rec strand.InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO invocations
			(run_id, iteration, id, handler, state, detail, error_kind, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.ID, rec.Handler, rec.State,
		rec.Detail, rec.ErrorKind, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (strand.RunRecord, error) {
	var run strand.RunRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent, task, output, iterations, input_tokens, output_tokens,
			cost, started_at, finished_at FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Agent, &run.Task, &run.Output, &run.Iterations,
			&run.InputTokens, &run.OutputTokens, &run.Cost, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return strand.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListInvocations returns a run's invocation records in recording order.
func (s *Store) ListInvocations(ctx context.Context, runID string) ([]strand.InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, iteration, id, handler, state, detail, error_kind, duration_ms, created_at
			FROM invocations WHERE run_id = ? ORDER BY iteration, created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []strand.InvocationRecord
	for rows.Next() {
		var rec strand.InvocationRecord
		if err := rows.Scan(&rec.RunID, &rec.Iteration, &rec.ID, &rec.Handler,
			&rec.State, &rec.Detail, &rec.ErrorKind, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
