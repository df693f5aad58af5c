package ratecount

import (
	"context"
	"time"
)

// Counter is the counting half of policy.Counter.
type Counter interface {
	Count(ctx context.Context, principal string, from, to time.Time) (int, error)
}

// Max reports the largest count among its counters. It pairs a Memory
// counter, which sees this instance's checks immediately, with a shared
// store that sees every instance but only after its writer flushes.
type Max []Counter

// Count returns the highest count. Any error fails the whole count.
func (m Max) Count(ctx context.Context, principal string, from, to time.Time) (int, error) {
	var best int
	for _, c := range m {
		n, err := c.Count(ctx, principal, from, to)
		if err != nil {
			return 0, err
		}
		best = max(best, n)
	}
	return best, nil
}
