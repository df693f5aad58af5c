package chread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse governance_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.OpenClickHouse(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Ping checks the ClickHouse connection.
func (r *Reader) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the governance_events table.
type EventRow struct {
	EventID     string
	Timestamp   time.Time
	Kind        string
	Principal   string
	Blocked     uint8
	RuleCode    string
	Reason      string
	Provider    string
	Model       string
	Source      string
	TargetType  string
	ContentHash string
	RunID       string
	ToolID      string
	Op          string
	FromState   string
	ToState     string
}

const eventColumns = "event_id, timestamp, kind, principal, blocked, rule_code, reason, " +
	"provider, model, source, target_type, content_hash, " +
	"run_id, tool_id, op, from_state, to_state"

func (e *EventRow) dest() []any {
	return []any{
		&e.EventID, &e.Timestamp, &e.Kind, &e.Principal, &e.Blocked, &e.RuleCode, &e.Reason,
		&e.Provider, &e.Model, &e.Source, &e.TargetType, &e.ContentHash,
		&e.RunID, &e.ToolID, &e.Op, &e.FromState, &e.ToState,
	}
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	Kind      *string
	Principal *string
	RunID     *string
	RuleCode  *string
	Blocked   *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// whereClause builds the filter for params. An empty filter matches all rows.
func whereClause(params ListEventsParams) (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *params.Kind))
	}
	if params.Principal != nil {
		conditions = append(conditions, "principal = @principal")
		args = append(args, clickhouse.Named("principal", *params.Principal))
	}
	if params.RunID != nil {
		conditions = append(conditions, "run_id = @run_id")
		args = append(args, clickhouse.Named("run_id", *params.RunID))
	}
	if params.RuleCode != nil {
		conditions = append(conditions, "rule_code = @rule_code")
		args = append(args, clickhouse.Named("rule_code", *params.RuleCode))
	}
	if params.Blocked != nil {
		var v uint8
		if *params.Blocked {
			v = 1
		}
		conditions = append(conditions, "blocked = @blocked")
		args = append(args, clickhouse.Named("blocked", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered governance events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	where, args := whereClause(params)
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM governance_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM governance_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(e.dest()...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by id, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, eventID string) (*EventRow, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT "+eventColumns+" FROM governance_events WHERE event_id = @event_id LIMIT 1",
		clickhouse.Named("event_id", eventID),
	)
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e EventRow
	if err := rows.Scan(e.dest()...); err != nil {
		return nil, fmt.Errorf("GetEvent scan: %w", err)
	}
	return &e, nil
}

// Count returns the number of non-blocked policy checks by principal within
// [from, to]. It satisfies policy.Counter.
func (r *Reader) Count(ctx context.Context, principal string, from, to time.Time) (int, error) {
	var n uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() FROM governance_events "+
			"WHERE kind = @kind AND blocked = 0 AND principal = @principal "+
			"AND timestamp >= @from AND timestamp <= @to",
		clickhouse.Named("kind", storage.KindPolicyCheck),
		clickhouse.Named("principal", principal),
		clickhouse.Named("from", from),
		clickhouse.Named("to", to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return int(n), nil
}

// SummaryStats holds aggregate policy check counts.
type SummaryStats struct {
	TotalChecks int `json:"total_checks"`
	Blocked     int `json:"blocked"`
	Allowed     int `json:"allowed"`
	Transitions int `json:"transitions"`
}

// TimeSeriesBucket is one hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// KeyCount is a count grouped by a string key (rule code, principal).
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary           SummaryStats       `json:"summary"`
	BlocksOverTime    []TimeSeriesBucket `json:"blocks_over_time"`
	TopRules          []KeyCount         `json:"top_rules"`
	TopBlockedCallers []KeyCount         `json:"top_blocked_principals"`
}

// GetAnalytics returns aggregated governance analytics over the given number of days.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	baseArgs := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{}

	var checks, blocked, allowed, transitions uint64
	err := r.conn.QueryRow(ctx,
		"SELECT countIf(kind = 'policy_check') AS checks, "+
			"countIf(kind = 'policy_check' AND blocked = 1) AS blocked, "+
			"countIf(kind = 'policy_check' AND blocked = 0) AS allowed, "+
			"countIf(kind = 'run_transition') AS transitions "+
			"FROM governance_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&checks, &blocked, &allowed, &transitions)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalChecks: int(checks),
		Blocked:     int(blocked),
		Allowed:     int(allowed),
		Transitions: int(transitions),
	}

	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count "+
			"FROM governance_events "+
			"WHERE kind = 'policy_check' AND blocked = 1 AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	result.TopRules, err = r.topKeys(ctx, "rule_code", baseArgs)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_rules: %w", err)
	}
	result.TopBlockedCallers, err = r.topKeys(ctx, "principal", baseArgs)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_principals: %w", err)
	}

	if result.BlocksOverTime == nil {
		result.BlocksOverTime = []TimeSeriesBucket{}
	}
	return result, nil
}

// topKeys returns the ten most frequent values of column among blocked checks.
// column is always a package constant.
func (r *Reader) topKeys(ctx context.Context, column string, args []any) ([]KeyCount, error) {
	rows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT %[1]s AS key, count() AS count "+
			"FROM governance_events "+
			"WHERE kind = 'policy_check' AND blocked = 1 AND %[1]s != '' "+
			"AND timestamp >= @range_start "+
			"GROUP BY key ORDER BY count DESC LIMIT 10", column),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []KeyCount{}
	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out = append(out, KeyCount{Key: key, Count: int(count)})
	}
	return out, rows.Err()
}
