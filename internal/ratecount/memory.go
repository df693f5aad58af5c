// Package ratecount counts non-blocked policy checks per principal over a
// time window. Each counter also implements storage.EventWriter so it can sit
// on the audit feed and record the events it later counts.
package ratecount

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/triage-ai/runguard/internal/storage"
)

// Retention is how long recorded events are kept. It covers the longest
// rate-limit period (one calendar month) with slack.
const Retention = 32 * 24 * time.Hour

// Memory is an in-process counter for single-instance deployments and tests.
type Memory struct {
	mu     sync.Mutex
	events map[string][]time.Time // sorted ascending per principal
}

// NewMemory creates an empty Memory counter.
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]time.Time)}
}

// Record adds one counted event for principal at time at.
func (m *Memory) Record(principal string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.events[principal]
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at

	cutoff := at.Add(-Retention)
	drop := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	m.events[principal] = ts[drop:]
}

// Count returns the number of events for principal within [from, to].
func (m *Memory) Count(_ context.Context, principal string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.events[principal]
	lo := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(from) })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i].After(to) })
	if hi < lo {
		return 0, nil
	}
	return hi - lo, nil
}

// Write records counted policy-check events. Other events are ignored.
func (m *Memory) Write(event *storage.GovernanceEvent) {
	if event.Counts() {
		m.Record(event.Principal, event.Timestamp)
	}
}

func (m *Memory) Close() {}
