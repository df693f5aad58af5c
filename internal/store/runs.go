package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/triage-ai/runguard/internal/run"
)

const runColumns = `run_id, idempotency_key, tool_id, target_type, target_id, input,
	error_message, requested_by, approved_by, state, created_at, state_changed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var r run.Run
	var errMsg, approvedBy sql.NullString
	var state string
	var input []byte
	if err := row.Scan(&r.RunID, &r.IdempotencyKey, &r.ToolID, &r.TargetType, &r.TargetID, &input,
		&errMsg, &r.RequestedBy, &approvedBy, &state, &r.CreatedAt, &r.StateChangedAt, &r.Version); err != nil {
		return nil, err
	}
	r.State = run.State(state)
	r.Input = input
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	if approvedBy.Valid {
		r.ApprovedBy = &approvedBy.String
	}
	return &r, nil
}

// Insert stores a new run. A live run with the same idempotency key makes
// the partial unique index reject the row with run.ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.RunID, r.IdempotencyKey, r.ToolID, r.TargetType, r.TargetID, []byte(r.Input),
		r.ErrorMessage, r.RequestedBy, r.ApprovedBy, string(r.State), r.CreatedAt, r.StateChangedAt, r.Version,
	)
	if _, dup := uniqueConstraint(err); dup {
		return run.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

// Get returns a run by id, or nil if not found.
func (s *Store) Get(ctx context.Context, runID string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return r, nil
}

// FindLive returns the live run holding key, or nil.
func (s *Store) FindLive(ctx context.Context, key string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE idempotency_key = $1 AND state IN ('queued', 'waiting_approval', 'running')`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindLive: %w", err)
	}
	return r, nil
}

// Update writes the mutable fields of r if the stored version still equals
// expectedVersion.
func (s *Store) Update(ctx context.Context, r *run.Run, expectedVersion int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			state            = $3,
			error_message    = $4,
			approved_by      = $5,
			state_changed_at = $6,
			version          = $7
		WHERE run_id = $1 AND version = $2`,
		r.RunID, expectedVersion, string(r.State), r.ErrorMessage, r.ApprovedBy, r.StateChangedAt, r.Version,
	)
	if _, dup := uniqueConstraint(err); dup {
		return run.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if n == 0 {
		return run.ErrVersionConflict
	}
	return nil
}

// ListRunsParams filters ListRuns. Empty fields match everything.
type ListRunsParams struct {
	State       string
	RequestedBy string
	Limit       int
}

// ListRuns returns runs ordered by created_at DESC.
func (s *Store) ListRuns(ctx context.Context, params ListRunsParams) ([]*run.Run, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR requested_by = $2)
		ORDER BY created_at DESC LIMIT $3`,
		params.State, params.RequestedBy, limit)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRuns: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
