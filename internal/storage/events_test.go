package storage

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []*GovernanceEvent
	closed bool
}

func (w *recordingWriter) Write(e *GovernanceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *recordingWriter) Close() { w.closed = true }

func TestFanout_WritesToAll(t *testing.T) {
	a, b := &recordingWriter{}, &recordingWriter{}
	f := Fanout{a, b}

	f.Write(&GovernanceEvent{EventID: "e1", Kind: KindPolicyCheck})
	f.Close()

	for i, w := range []*recordingWriter{a, b} {
		if len(w.events) != 1 || w.events[0].EventID != "e1" {
			t.Errorf("writer %d: expected e1, got %v", i, w.events)
		}
		if !w.closed {
			t.Errorf("writer %d: expected closed", i)
		}
	}
}

func TestCounts(t *testing.T) {
	cases := []struct {
		e    GovernanceEvent
		want bool
	}{
		{GovernanceEvent{Kind: KindPolicyCheck}, true},
		{GovernanceEvent{Kind: KindPolicyCheck, Blocked: true}, false},
		{GovernanceEvent{Kind: KindRunTransition}, false},
	}
	for _, tc := range cases {
		if got := tc.e.Counts(); got != tc.want {
			t.Errorf("%+v: expected %v, got %v", tc.e, tc.want, got)
		}
	}
}

func TestHashContent(t *testing.T) {
	if HashContent("") != "" {
		t.Error("empty content should hash to empty string")
	}
	h := HashContent("hello")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h != HashContent("hello") {
		t.Error("hash should be deterministic")
	}
}

func TestLogWriter_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&GovernanceEvent{
		EventID:   "e1",
		Kind:      KindRunTransition,
		Principal: "alice",
		RunID:     "run-1",
		Op:        "start",
		FromState: "queued",
		ToState:   "running",
	})

	entries := logs.FilterMessage("governance_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["run_id"] != "run-1" || fields["to_state"] != "running" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, ok := fields["rule_code"]; ok {
		t.Error("rule_code should be omitted when empty")
	}
}
