package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/triage-ai/runguard/internal/storage"
	"github.com/triage-ai/runguard/internal/window"
	"go.uber.org/zap"
)

// maxCASAttempts bounds re-reads after losing a version race.
const maxCASAttempts = 5

// Machine applies lifecycle operations to stored runs. Each operation reads
// the run, validates the transition, and writes it back conditioned on the
// version it read, so two racing operations from the same state cannot both
// succeed.
type Machine struct {
	store  Store
	clock  window.Clock
	writer storage.EventWriter
	logger *zap.Logger
}

// MachineConfig configures a Machine. Zero values get defaults.
type MachineConfig struct {
	Clock  window.Clock
	Writer storage.EventWriter // nil disables audit events
	Logger *zap.Logger
}

// NewMachine creates a Machine over the given store.
func NewMachine(store Store, cfg MachineConfig) *Machine {
	m := &Machine{store: store, clock: cfg.Clock, writer: cfg.Writer, logger: cfg.Logger}
	if m.clock == nil {
		m.clock = window.SystemClock{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Get returns a run by id.
func (m *Machine) Get(ctx context.Context, runID string) (*Run, error) {
	r, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// RequestApproval parks a queued run until an approver acts on it.
func (m *Machine) RequestApproval(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpRequestApproval, actor, nil)
}

// Approve returns a waiting run to the queue and records the approver.
func (m *Machine) Approve(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpApprove, actor, func(r *Run) {
		a := actor
		r.ApprovedBy = &a
	})
}

// Reject cancels a waiting run.
func (m *Machine) Reject(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpReject, actor, nil)
}

// Cancel cancels a run that is queued, waiting, or failed.
func (m *Machine) Cancel(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpCancel, actor, nil)
}

// Retry re-queues a failed run and clears its error. If another live run has
// taken the key in the meantime, it returns ErrLiveRunExists.
func (m *Machine) Retry(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpRetry, actor, func(r *Run) {
		r.ErrorMessage = nil
	})
}

// Start moves a queued run to running.
func (m *Machine) Start(ctx context.Context, runID, actor string) (*Run, error) {
	return m.apply(ctx, runID, OpStart, actor, nil)
}

// Complete finishes a running run. On failure the message is recorded.
func (m *Machine) Complete(ctx context.Context, runID string, success bool, errMsg string) (*Run, error) {
	if success {
		return m.apply(ctx, runID, OpSucceed, "", nil)
	}
	return m.apply(ctx, runID, OpFail, "", func(r *Run) {
		msg := errMsg
		r.ErrorMessage = &msg
	})
}

func (m *Machine) apply(ctx context.Context, runID string, op Op, actor string, mutate func(*Run)) (*Run, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.store.Get(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if cur == nil {
			return nil, ErrNotFound
		}

		to, err := Next(cur.State, op)
		if err != nil {
			return nil, err
		}

		next := *cur
		next.State = to
		next.StateChangedAt = m.clock.Now()
		next.Version = cur.Version + 1
		if mutate != nil {
			mutate(&next)
		}

		err = m.store.Update(ctx, &next, cur.Version)
		switch {
		case err == nil:
			m.emit(&next, op, cur.State, actor)
			return &next, nil
		case errors.Is(err, ErrVersionConflict):
			m.logger.Debug("run version conflict, re-reading",
				zap.String("run_id", runID),
				zap.String("op", string(op)),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, ErrDuplicateKey):
			return nil, ErrLiveRunExists
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil, fmt.Errorf("%s: %w", op, ErrVersionConflict)
}

func (m *Machine) emit(r *Run, op Op, from State, actor string) {
	if m.writer == nil {
		return
	}
	m.writer.Write(&storage.GovernanceEvent{
		EventID:   uuid.NewString(),
		Timestamp: r.StateChangedAt,
		Kind:      storage.KindRunTransition,
		Principal: actor,
		RunID:     r.RunID,
		ToolID:    r.ToolID,
		Op:        string(op),
		FromState: string(from),
		ToState:   string(r.State),
	})
}
