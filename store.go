package strand

import "context"

// RunRecord is one agent turn as persisted by a RunStore.
type RunRecord struct {
	ID         string `json:"id"`
	Agent      string `json:"agent"`
	Task       string `json:"task"`
	Output     string `json:"output"`
	Iterations int    `json:"iterations"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// InvocationRecord is one gadget invocation outcome within a run.
type InvocationRecord struct {
	RunID      string `json:"run_id"`
	Iteration  int    `json:"iteration"`
	ID         string `json:"id"`
	Handler    string `json:"handler"`
	State      string `json:"state"` // "succeeded", "failed" or "skipped"
	Detail     string `json:"detail"`  // result text or error message
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// RunStore persists agent runs and invocation outcomes for cross-process
// observability. The runtime only ever writes — nothing here feeds back into
// scheduling, so a nil store simply disables persistence.
//
// Implementations: store/sqlite, store/postgres.
type RunStore interface {
	// Init creates the schema if needed.
	Init(ctx context.Context) error
	// CreateRun inserts a new run at turn start.
	CreateRun(ctx context.Context, run RunRecord) error
	// FinishRun updates the run with its final output and totals.
	FinishRun(ctx context.Context, run RunRecord) error
	// RecordInvocation appends one invocation outcome.
	RecordInvocation(ctx context.Context, rec InvocationRecord) error
	// Close releases the underlying connection.
	Close() error
}
