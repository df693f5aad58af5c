package ratecount

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fixedCounter struct {
	n   int
	err error
}

func (f fixedCounter) Count(context.Context, string, time.Time, time.Time) (int, error) {
	return f.n, f.err
}

func TestMax_TakesHighestCount(t *testing.T) {
	mem := NewMemory()
	mem.Record("alice", base)
	mem.Record("alice", base.Add(-time.Minute))

	// The shared store has not seen this instance's unflushed checks yet.
	n, err := Max{mem, fixedCounter{n: 1}}.Count(context.Background(), "alice", base.Add(-time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	n, err = Max{mem, fixedCounter{n: 7}}.Count(context.Background(), "alice", base.Add(-time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("expected 7, got %d", n)
	}
}

func TestMax_PropagatesError(t *testing.T) {
	_, err := Max{NewMemory(), fixedCounter{err: errors.New("clickhouse down")}}.
		Count(context.Background(), "alice", base.Add(-time.Hour), base)
	if err == nil {
		t.Fatal("expected error")
	}
}
