package chread

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

// fakeConn records the last QueryRow call. Unused driver.Conn methods panic.
type fakeConn struct {
	driver.Conn
	query string
	args  []any
	row   fakeRow
}

func (c *fakeConn) QueryRow(_ context.Context, query string, args ...any) driver.Row {
	c.query = query
	c.args = args
	return c.row
}

type fakeRow struct {
	n   uint64
	err error
}

func (r fakeRow) Err() error { return r.err }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*uint64) = r.n
	return nil
}

func (r fakeRow) ScanStruct(any) error { return errors.New("not implemented") }

func TestCount_QueryAndArgs(t *testing.T) {
	conn := &fakeConn{row: fakeRow{n: 4}}
	r := &Reader{conn: conn, logger: zap.NewNop()}
	from := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	n, err := r.Count(context.Background(), "alice", from, to)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4, got %d", n)
	}

	for _, want := range []string{
		"FROM governance_events", "kind = @kind", "blocked = 0", "principal = @principal",
		"timestamp >= @from", "timestamp <= @to",
	} {
		if !strings.Contains(conn.query, want) {
			t.Errorf("expected %q in %q", want, conn.query)
		}
	}

	want := map[string]any{"kind": storage.KindPolicyCheck, "principal": "alice", "from": from, "to": to}
	if len(conn.args) != len(want) {
		t.Fatalf("expected %d args, got %d", len(want), len(conn.args))
	}
	for _, a := range conn.args {
		named, ok := a.(driver.NamedValue)
		if !ok {
			t.Fatalf("expected named arg, got %T", a)
		}
		if want[named.Name] != named.Value {
			t.Errorf("arg %s = %v, want %v", named.Name, named.Value, want[named.Name])
		}
	}
}

func TestCount_Error(t *testing.T) {
	r := &Reader{conn: &fakeConn{row: fakeRow{err: errors.New("connection reset")}}, logger: zap.NewNop()}
	if _, err := r.Count(context.Background(), "alice", time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
