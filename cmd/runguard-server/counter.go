package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/ratecount"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

// buildCounter picks the rate counter and returns the writers that must sit
// on the audit feed so the counter sees allowed checks.
//
// Redis wins when configured. Otherwise the ClickHouse feed is used, but only
// if events are actually being written there (shared is nil when the writer
// fell back to logging); a Memory counter is layered on top so checks still
// buffered by the batch writer are counted. Without either, Memory alone.
func buildCounter(rdb *redis.Client, shared ratecount.Counter, logger *zap.Logger) (policy.Counter, []storage.EventWriter) {
	switch {
	case rdb != nil:
		rc := ratecount.NewRedis(rdb, logger)
		logger.Info("redis rate counter enabled")
		return rc, []storage.EventWriter{rc}
	case shared != nil:
		mc := ratecount.NewMemory()
		logger.Info("clickhouse rate counter enabled")
		return ratecount.Max{mc, shared}, []storage.EventWriter{mc}
	default:
		mc := ratecount.NewMemory()
		logger.Warn("in-memory rate counter enabled, limits are per process")
		return mc, []storage.EventWriter{mc}
	}
}
