// Package postgres implements strand.RunStore on PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	strand "github.com/zbigniewsobiecki/strand"
)

// Store implements strand.RunStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ strand.RunStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			task TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			iterations INT NOT NULL DEFAULT 0,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS invocations (
			run_id TEXT NOT NULL,
			iteration INT NOT NULL,
			id TEXT NOT NULL,
			handler TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, iteration, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id)`,
	}
	for _, stmt := range tables {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a new run at turn start.
func (s *Store) CreateRun(ctx context.Context, run strand.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, agent, task, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Agent, run.Task, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun updates the run with its final output and totals.
func (s *Store) FinishRun(ctx context.Context, run strand.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET output = $1, iterations = $2, input_tokens = $3,
			output_tokens = $4, cost = $5, finished_at = $6 WHERE id = $7`,
		run.Output, run.Iterations, run.InputTokens,
		run.OutputTokens, run.Cost, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordInvocation appends one invocation outcome.
func (s *Store) RecordInvocation(ctx context.Context, rec strand.InvocationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invocations
			(run_id, iteration, id, handler, state, detail, error_kind, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, iteration, id) DO UPDATE SET
			state = EXCLUDED.state, detail = EXCLUDED.detail,
			error_kind = EXCLUDED.error_kind, duration_ms = EXCLUDED.duration_ms`,
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
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent, task, output, iterations, input_tokens, output_tokens,
			cost, started_at, finished_at FROM runs WHERE id = $1`, id).
		Scan(&run.ID, &run.Agent, &run.Task, &run.Output, &run.Iterations,
			&run.InputTokens, &run.OutputTokens, &run.Cost, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return strand.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListInvocations returns a run's invocation records in recording order.
func (s *Store) ListInvocations(ctx context.Context, runID string) ([]strand.InvocationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, iteration, id, handler, state, detail, error_kind, duration_ms, created_at
			FROM invocations WHERE run_id = $1 ORDER BY iteration, created_at, id`, runID)
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

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }
