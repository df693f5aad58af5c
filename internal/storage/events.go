package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventWriter is the interface for writing governance events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *GovernanceEvent)
	Close()
}

// Event kinds.
const (
	KindPolicyCheck   = "policy_check"
	KindRunTransition = "run_transition"
)

// GovernanceEvent is one row of the append-only audit feed. Policy checks feed
// the rate counters; run transitions are recorded for audit only.
type GovernanceEvent struct {
	EventID   string
	Timestamp time.Time
	Kind      string
	Principal string
	Blocked   bool
	RuleCode  string
	Reason    string

	// Policy check context
	Provider    string
	Model       string
	Source      string
	TargetType  string
	ContentHash string // SHA256 of content, never the content itself
	ContentSize uint32

	// Run transition context
	RunID     string
	ToolID    string
	Op        string
	FromState string
	ToState   string
}

// Counts reports whether the event consumes rate-limit quota.
func (e *GovernanceEvent) Counts() bool {
	return e.Kind == KindPolicyCheck && !e.Blocked
}

// HashContent returns the hex SHA256 of content, or "" for empty content.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Fanout writes each event to every wrapped writer.
type Fanout []EventWriter

func (f Fanout) Write(event *GovernanceEvent) {
	for _, w := range f {
		w.Write(event)
	}
}

func (f Fanout) Close() {
	for _, w := range f {
		w.Close()
	}
}
