// Package run implements the run lifecycle: the transition table, the
// compare-and-swap state machine, and the idempotent creation guard.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid run transition")
	ErrNotFound          = errors.New("run not found")
	ErrLiveRunExists     = errors.New("another live run holds this idempotency key")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidInput      = errors.New("invalid run input")

	// ErrDuplicateKey is returned by a Store when a write would leave two live
	// runs with the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate live idempotency key")
	// ErrVersionConflict is returned by Store.Update when the stored version
	// no longer matches the expected one.
	ErrVersionConflict = errors.New("run version conflict")
)

// TransitionError reports an operation attempted from a state where it is not legal.
type TransitionError struct {
	Op   Op
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed from state %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Run is one requested execution of a tool against a target record.
type Run struct {
	RunID          string          `json:"run_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ToolID         string          `json:"tool_id"`
	TargetType     string          `json:"target_type"`
	TargetID       string          `json:"target_id"`
	Input          json.RawMessage `json:"input"`
	ErrorMessage   *string         `json:"error_message"`
	RequestedBy    string          `json:"requested_by"`
	ApprovedBy     *string         `json:"approved_by"`
	State          State           `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	StateChangedAt time.Time       `json:"state_changed_at"`
	Version        int             `json:"version"`
}

// Store persists runs. Implementations must reject, with ErrDuplicateKey, any
// Insert or Update that would leave two live runs sharing an idempotency key.
type Store interface {
	// Insert stores a new run.
	Insert(ctx context.Context, r *Run) error
	// Get returns the run, or nil if it does not exist.
	Get(ctx context.Context, runID string) (*Run, error)
	// FindLive returns the live run holding key, or nil.
	FindLive(ctx context.Context, key string) (*Run, error)
	// Update replaces the run if its stored version equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, r *Run, expectedVersion int) error
}
