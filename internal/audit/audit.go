// Package audit records every command decision the gateway makes: denials
// with the violated rule, and executions with their captured outcome. The
// trail is append-only; nothing in the daemon updates or deletes records.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Decision states what the gateway did with a command.
type Decision string

const (
	DecisionDenied   Decision = "denied"
	DecisionExecuted Decision = "executed"
)

// excerptLimit bounds how much captured output a single record stores.
const excerptLimit = 4096

// Record is one audit trail entry.
type Record struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Caller      string    `json:"caller"`
	Channel     string    `json:"channel,omitempty"`
	CommandType string    `json:"command_type"`
	Action      string    `json:"action"`
	Raw         string    `json:"command"`
	Rewritten   string    `json:"rewritten,omitempty"`
	Decision    Decision  `json:"decision"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ExitCode    int       `json:"exit_code"`
	DurationMS  int64     `json:"duration_ms"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
}

// Fill assigns the record identity and clamps output excerpts. Called by
// recorders so every backend stores the same shape.
func (r *Record) Fill() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	r.Stdout = clamp(r.Stdout, excerptLimit)
	r.Stderr = clamp(r.Stderr, excerptLimit)
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// Recorder is the audit sink interface. Record must be safe for concurrent
// use; failures are reported but must never block command handling.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// Querier is implemented by backends that can read the trail back.
type Querier interface {
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Nop discards all records. Used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }
func (Nop) Close() error                         { return nil }
