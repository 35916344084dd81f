package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// LLMClient is the language model port. The pipeline never depends on a
// specific vendor; it only requires that responses parse against the
// expected schema or the call fails.
type LLMClient interface {
	// Complete sends a prompt pair and returns the raw response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// QueryResult holds rows and column names returned by the datastore.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
	Count   int
}

// Store is the datastore port. Statement text is opaque to the pipeline.
type Store interface {
	// Execute runs a statement and returns rows plus column names.
	Execute(ctx context.Context, sql string) (QueryResult, error)
	// FetchSchema returns a formatted description of the datastore schema
	// for query generation prompts.
	FetchSchema(ctx context.Context) (string, error)
}

// ProgressStatus is the status of one progress event.
type ProgressStatus string

const (
	ProgressProcessing ProgressStatus = "processing"
	ProgressSuccess    ProgressStatus = "success"
	ProgressWarning    ProgressStatus = "warning"
	ProgressError      ProgressStatus = "error"
)

// ProgressEvent is one entry of the ordered progress trace emitted during a
// run. Purely observational; never affects control flow.
type ProgressEvent struct {
	Stage   Stage          `json:"stage"`
	Status  ProgressStatus `json:"status"`
	Message string         `json:"message"`
	Elapsed float64        `json:"elapsedSeconds"`
}

// ProgressFunc receives progress events in emission order.
type ProgressFunc func(ProgressEvent)

// RunRecord is the structured audit record emitted once per request. It is
// written for offline auditing and never read back by the pipeline.
type RunRecord struct {
	RequestID         string        `json:"requestId"`
	Question          string        `json:"question"`
	Complexity        *Complexity   `json:"complexity,omitempty"`
	Plans             int           `json:"plans"`
	SuccessfulQueries int           `json:"successfulQueries"`
	FailedQueries     int           `json:"failedQueries"`
	Response          *ResponsePlan `json:"responsePlan,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	FaultKind         FaultKind     `json:"faultKind,omitempty"`
	FinishedAt        time.Time     `json:"finishedAt"`
}

// RunLogSink persists run records.
type RunLogSink interface {
	Record(ctx context.Context, rec RunRecord) error
}

// Config holds all pipeline tuning supplied at orchestrator construction.
// No global mutable configuration exists anywhere in the package.
type Config struct {
	Logger  *slog.Logger
	LLM     LLMClient
	Store   Store
	Prompts *Prompts
	Clock   clockwork.Clock
	RunLog  RunLogSink // optional

	// ExecMaxAttempts bounds transient-fault retries per plan execution.
	ExecMaxAttempts int
	// LLMMaxAttempts bounds generation retries per language model call.
	LLMMaxAttempts int
	// RepairMaxAttempts bounds self-correction rewrites per failed plan.
	RepairMaxAttempts int
	// BackoffInterval is the base interval for linear retry backoff.
	BackoffInterval time.Duration
	// PoolSize bounds the concurrent workers for execution and repair.
	PoolSize int

	// SuggestThreshold and AutoThreshold split confidence into narrative-only,
	// suggested-visual, and automatic-visual compositions.
	SuggestThreshold float64
	AutoThreshold    float64

	// Deadline bounds the whole request. Zero means no deadline.
	Deadline time.Duration

	// FollowUps enables follow-up question suggestions after synthesis.
	FollowUps bool
}

// Validate fills defaults and rejects missing dependencies.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.LLM == nil {
		return fmt.Errorf("LLM client is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Prompts == nil {
		return fmt.Errorf("prompts are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ExecMaxAttempts == 0 {
		cfg.ExecMaxAttempts = 3
	}
	if cfg.LLMMaxAttempts == 0 {
		cfg.LLMMaxAttempts = 2
	}
	if cfg.RepairMaxAttempts == 0 {
		cfg.RepairMaxAttempts = 2
	}
	if cfg.BackoffInterval == 0 {
		cfg.BackoffInterval = 250 * time.Millisecond
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 4
	}
	if cfg.SuggestThreshold == 0 {
		cfg.SuggestThreshold = 0.4
	}
	if cfg.AutoThreshold == 0 {
		cfg.AutoThreshold = 0.7
	}
	if cfg.SuggestThreshold > cfg.AutoThreshold {
		return fmt.Errorf("suggest threshold %v must not exceed auto threshold %v", cfg.SuggestThreshold, cfg.AutoThreshold)
	}
	return nil
}
