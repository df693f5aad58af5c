package storage

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const insertEvents = `
	INSERT INTO governance_events (
		event_id, timestamp, kind, principal, blocked, rule_code, reason,
		provider, model, source, target_type, content_hash, content_size,
		run_id, tool_id, op, from_state, to_state
	)`

// batchConn is the subset of driver.Conn the writer needs.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// ClickHouseWriter writes governance events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    batchConn
	buffer  chan *GovernanceEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// OpenClickHouse parses the DSN and opens a pinged connection.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// ParseDSN only sets TLS for ?secure=true; a bare port 9440 is ClickHouse Cloud.
	if opts.TLS == nil && strings.Contains(dsn, ":9440") {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := OpenClickHouse(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return newClickHouseWriter(conn, logger), nil
}

func newClickHouseWriter(conn batchConn, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *GovernanceEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *GovernanceEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", event.EventID),
			zap.String("kind", event.Kind),
		)
	}
}

// Close signals the flush loop to drain remaining events and waits for it to
// finish (up to drainTimeout). Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*GovernanceEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*GovernanceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var blocked uint8
		if e.Blocked {
			blocked = 1
		}
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.Kind,
			e.Principal,
			blocked,
			e.RuleCode,
			e.Reason,
			e.Provider,
			e.Model,
			e.Source,
			e.TargetType,
			e.ContentHash,
			e.ContentSize,
			e.RunID,
			e.ToolID,
			e.Op,
			e.FromState,
			e.ToState,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *GovernanceEvent) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("kind", event.Kind),
		zap.String("principal", event.Principal),
		zap.Bool("blocked", event.Blocked),
	}
	if event.RuleCode != "" {
		fields = append(fields, zap.String("rule_code", event.RuleCode), zap.String("reason", event.Reason))
	}
	if event.RunID != "" {
		fields = append(fields,
			zap.String("run_id", event.RunID),
			zap.String("op", event.Op),
			zap.String("from_state", event.FromState),
			zap.String("to_state", event.ToState),
		)
	}
	w.logger.Info("governance_event", fields...)
}

func (w *LogWriter) Close() {}
