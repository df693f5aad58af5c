package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/runguard/internal/ratecount"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// emptyFeed stands in for a ClickHouse table that has received nothing yet.
type emptyFeed struct{}

func (emptyFeed) Count(context.Context, string, time.Time, time.Time) (int, error) { return 0, nil }

func allowedCheck(id string) *storage.GovernanceEvent {
	return &storage.GovernanceEvent{EventID: id, Kind: storage.KindPolicyCheck, Principal: "alice", Timestamp: now}
}

func TestBuildCounter_MemoryWithoutSharedStore(t *testing.T) {
	counter, writers := buildCounter(nil, nil, zap.NewNop())
	require.Len(t, writers, 1)
	assert.IsType(t, &ratecount.Memory{}, counter)

	storage.Fanout(writers).Write(allowedCheck("e1"))
	n, err := counter.Count(context.Background(), "alice", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuildCounter_ClickHouseCoversUnflushedChecks(t *testing.T) {
	counter, writers := buildCounter(nil, emptyFeed{}, zap.NewNop())
	require.Len(t, writers, 1)
	assert.IsType(t, ratecount.Max{}, counter)

	fan := storage.Fanout(writers)
	fan.Write(allowedCheck("e1"))
	fan.Write(allowedCheck("e2"))
	n, err := counter.Count(context.Background(), "alice", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBuildCounter_RedisPreferred(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	counter, writers := buildCounter(rdb, emptyFeed{}, zap.NewNop())
	require.Len(t, writers, 1)
	assert.IsType(t, &ratecount.Redis{}, counter)

	storage.Fanout(writers).Write(allowedCheck("e1"))
	n, err := counter.Count(context.Background(), "alice", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
