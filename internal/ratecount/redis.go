package ratecount

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "rg:rc:"
	writeTimeout  = 2 * time.Second
)

// Redis counts events in one sorted set per principal, scored by unix
// milliseconds. Instances sharing a Redis see each other's events.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis creates a Redis counter.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: defaultPrefix, logger: logger}
}

func (r *Redis) key(principal string) string {
	return r.prefix + principal
}

// Record adds one counted event and trims entries older than Retention.
func (r *Redis) Record(ctx context.Context, principal, eventID string, at time.Time) error {
	key := r.key(principal)
	score := float64(at.UnixMilli())
	cutoff := strconv.FormatInt(at.Add(-Retention).UnixMilli(), 10)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: eventID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.PExpire(ctx, key, Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

// Count returns the number of events for principal within [from, to].
func (r *Redis) Count(ctx context.Context, principal string, from, to time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.key(principal),
		strconv.FormatInt(from.UnixMilli(), 10),
		strconv.FormatInt(to.UnixMilli(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return int(n), nil
}

// Write records counted events before returning, so the next Count in the
// same or another instance already sees them. Failures are logged and the
// event is not counted.
func (r *Redis) Write(event *storage.GovernanceEvent) {
	if !event.Counts() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.Record(ctx, event.Principal, event.EventID, event.Timestamp); err != nil {
		r.logger.Warn("redis rate counter write failed",
			zap.String("principal", event.Principal),
			zap.Error(err),
		)
	}
}

// Close does not close the client; the caller owns it.
func (r *Redis) Close() {}
