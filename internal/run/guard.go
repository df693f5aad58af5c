package run

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/runguard/internal/storage"
	"github.com/triage-ai/runguard/internal/window"
	"go.uber.org/zap"
)

const (
	// DefaultBucket is the coarse creation-time bucket for derived keys.
	DefaultBucket = 60 * time.Second

	// DerivedKeyPrefix marks keys computed by the guard.
	DerivedKeyPrefix = "auto:"

	maxCreateAttempts = 5
)

// InputValidator checks that a tool exists, operates on the target type, and
// accepts the given input. It returns an error wrapping ErrUnknownTool or
// ErrInvalidInput.
type InputValidator interface {
	ValidateRunInput(ctx context.Context, toolID, targetType string, input json.RawMessage) error
}

// CreateRequest is a request to execute a tool against a target record.
type CreateRequest struct {
	ToolID         string
	TargetType     string
	TargetID       string
	Input          json.RawMessage
	IdempotencyKey string // empty = derive
	RequestedBy    string
}

// GuardConfig configures a Guard. Zero values get defaults.
type GuardConfig struct {
	Bucket    time.Duration
	Clock     window.Clock
	Validator InputValidator      // nil skips tool validation
	Writer    storage.EventWriter // nil disables audit events
	Logger    *zap.Logger
}

// Guard creates runs so that at most one live run exists per idempotency key.
type Guard struct {
	store     Store
	bucket    time.Duration
	clock     window.Clock
	validator InputValidator
	writer    storage.EventWriter
	logger    *zap.Logger
}

// NewGuard creates a Guard over the given store.
func NewGuard(store Store, cfg GuardConfig) *Guard {
	g := &Guard{
		store:     store,
		bucket:    cfg.Bucket,
		clock:     cfg.Clock,
		validator: cfg.Validator,
		writer:    cfg.Writer,
		logger:    cfg.Logger,
	}
	if g.bucket <= 0 {
		g.bucket = DefaultBucket
	}
	if g.clock == nil {
		g.clock = window.SystemClock{}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// FindOrCreate returns the live run for the request's idempotency key, or
// creates a new queued run. created reports which happened.
//
// The store's uniqueness constraint decides races: a losing insert gets
// ErrDuplicateKey and the guard re-reads the winner instead of failing.
func (g *Guard) FindOrCreate(ctx context.Context, req CreateRequest) (r *Run, created bool, err error) {
	if req.ToolID == "" || req.TargetType == "" || req.TargetID == "" {
		return nil, false, fmt.Errorf("FindOrCreate: %w: tool_id, target_type and target_id are required", ErrInvalidInput)
	}

	now := g.clock.Now()
	key := req.IdempotencyKey
	if key == "" {
		key = DeriveKey(req.ToolID, req.TargetType, req.TargetID, now, g.bucket)
	}

	existing, err := g.store.FindLive(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("FindOrCreate: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	if g.validator != nil {
		if err := g.validator.ValidateRunInput(ctx, req.ToolID, req.TargetType, req.Input); err != nil {
			return nil, false, err
		}
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		nr := &Run{
			RunID:          uuid.NewString(),
			IdempotencyKey: key,
			ToolID:         req.ToolID,
			TargetType:     req.TargetType,
			TargetID:       req.TargetID,
			Input:          input,
			RequestedBy:    req.RequestedBy,
			State:          Queued,
			CreatedAt:      now,
			StateChangedAt: now,
			Version:        1,
		}

		err := g.store.Insert(ctx, nr)
		if err == nil {
			g.emit(nr)
			return nr, true, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, false, fmt.Errorf("FindOrCreate: %w", err)
		}

		// Lost the race. The winner may already have gone terminal, in
		// which case the next insert attempt succeeds.
		winner, err := g.store.FindLive(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("FindOrCreate: %w", err)
		}
		if winner != nil {
			g.logger.Debug("idempotency race lost, returning winner",
				zap.String("idempotency_key", key),
				zap.String("run_id", winner.RunID),
			)
			return winner, false, nil
		}
	}
	return nil, false, fmt.Errorf("FindOrCreate: %w", ErrDuplicateKey)
}

// DeriveKey computes the idempotency key for a request without an explicit
// one. Requests for the same tool and target within one bucket collide.
func DeriveKey(toolID, targetType, targetID string, at time.Time, bucket time.Duration) string {
	slot := at.UTC().Truncate(bucket).Unix()
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		toolID, targetType, targetID, strconv.FormatInt(slot, 10),
	}, "\x00")))
	return DerivedKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (g *Guard) emit(r *Run) {
	if g.writer == nil {
		return
	}
	g.writer.Write(&storage.GovernanceEvent{
		EventID:   uuid.NewString(),
		Timestamp: r.CreatedAt,
		Kind:      storage.KindRunTransition,
		Principal: r.RequestedBy,
		RunID:     r.RunID,
		ToolID:    r.ToolID,
		Op:        "create",
		ToState:   string(r.State),
	})
}
