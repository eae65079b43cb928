// Package store records call history: one run per connection and one row per
// call made over it. The default implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"time"
)

// Run is one connection to a target.
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Target     string     `json:"target" yaml:"target"`
	Kind       string     `json:"kind" yaml:"kind"` // "process", "unix", "websocket"
	Codec      string     `json:"codec" yaml:"codec"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	Calls      int        `json:"calls" yaml:"calls"`
}

// Call is one request/response exchange within a run.
type Call struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	RequestID uint32        `json:"request_id" yaml:"request_id"`
	Request   string        `json:"request" yaml:"request"`
	Response  string        `json:"response,omitempty" yaml:"response,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Store is the history storage interface. All methods are safe for
// concurrent use.
type Store interface {
	// RunStart records a new run and returns it with a fresh id.
	RunStart(ctx context.Context, target, kind, codec string) (*Run, error)
	// RunFinish stamps a run's end. exitCode is nil for non-process targets.
	RunFinish(ctx context.Context, id string, exitCode *int, errMsg string) error
	RunGet(ctx context.Context, id string) (*Run, error)
	// RunList returns the most recent runs first.
	RunList(ctx context.Context, limit int) ([]Run, error)

	CallRecord(ctx context.Context, call Call) error
	// CallList returns a run's calls in request id order.
	CallList(ctx context.Context, runID string) ([]Call, error)

	// Prune deletes runs started before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
