package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/client"
	"authwatch/internal/model"
	"authwatch/internal/risk"
)

const (
	aggKeyPrefix    = "agg:"
	aggLastSeenTTL  = 48 * time.Hour
	aggCounterSlack = 5 * time.Minute
)

// AggregateCache keeps the hot per-address counters the risk evaluator
// reads on every event. Counters are expiring keys refreshed on each
// write, so a window's numbers decay once an address goes quiet rather
// than sliding precisely; the analytics store answers exact windowed
// queries.
type AggregateCache struct {
	redis   *client.RedisClient
	windows []time.Duration
}

func NewAggregateCache(redisClient *client.RedisClient, logger *zap.Logger) *AggregateCache {
	return &AggregateCache{
		redis:   redisClient,
		windows: []time.Duration{risk.WindowShort},
	}
}

// RecordEvent bumps every hot-window counter for the event's address.
func (c *AggregateCache) RecordEvent(ctx context.Context, event *model.AuthEvent) error {
	for _, window := range c.windows {
		ttl := window + aggCounterSlack

		if _, err := c.redis.IncrWithExpire(ctx, c.key(event.Address, window, "attempts"), ttl); err != nil {
			return fmt.Errorf("failed to record attempt counter: %w", err)
		}

		if event.Outcome != model.OutcomeSuccess {
			if _, err := c.redis.IncrWithExpire(ctx, c.key(event.Address, window, "failures"), ttl); err != nil {
				return fmt.Errorf("failed to record failure counter: %w", err)
			}
		}

		if event.Username != "" {
			if _, err := c.redis.SAddWithExpire(ctx, c.key(event.Address, window, "users"), ttl, event.Username); err != nil {
				return fmt.Errorf("failed to record username set: %w", err)
			}
		}
		if event.TargetHost != "" {
			if _, err := c.redis.SAddWithExpire(ctx, c.key(event.Address, window, "targets"), ttl, event.TargetHost); err != nil {
				return fmt.Errorf("failed to record target set: %w", err)
			}
		}
	}

	return c.redis.Set(ctx,
		aggKeyPrefix+"last:"+event.Address,
		strconv.FormatInt(event.Timestamp.UnixNano(), 10),
		aggLastSeenTTL)
}

// Covers reports whether this cache tracks counters for the window.
func (c *AggregateCache) Covers(window time.Duration) bool {
	for _, w := range c.windows {
		if w == window {
			return true
		}
	}
	return false
}

func (c *AggregateCache) Aggregate(ctx context.Context, address string, window time.Duration) (*model.AddressAggregate, error) {
	if !c.Covers(window) {
		return nil, fmt.Errorf("window %s is not tracked by the hot counter cache", window)
	}

	attempts, err := c.redis.GetInt64(ctx, c.key(address, window, "attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt counter: %w", err)
	}
	failures, err := c.redis.GetInt64(ctx, c.key(address, window, "failures"))
	if err != nil {
		return nil, fmt.Errorf("failed to read failure counter: %w", err)
	}
	users, err := c.redis.SCard(ctx, c.key(address, window, "users"))
	if err != nil {
		return nil, fmt.Errorf("failed to read username set: %w", err)
	}
	targets, err := c.redis.SCard(ctx, c.key(address, window, "targets"))
	if err != nil {
		return nil, fmt.Errorf("failed to read target set: %w", err)
	}

	agg := &model.AddressAggregate{
		Address:           address,
		Window:            window,
		AttemptCount:      attempts,
		FailureCount:      failures,
		DistinctUsernames: users,
		DistinctTargets:   targets,
	}
	if minutes := window.Minutes(); minutes > 0 {
		agg.VelocityPerMinute = float64(attempts) / minutes
	}

	raw, miss, err := c.redis.GetMiss(ctx, aggKeyPrefix+"last:"+address)
	if err != nil {
		return nil, fmt.Errorf("failed to read last-seen marker: %w", err)
	}
	if !miss {
		if nanos, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			agg.TimeSinceLast = time.Since(time.Unix(0, nanos))
		}
	}

	return agg, nil
}

func (c *AggregateCache) key(address string, window time.Duration, kind string) string {
	return fmt.Sprintf("%s%d:%s:%s", aggKeyPrefix, int64(window.Seconds()), address, kind)
}

var _ model.AggregateRecorder = (*AggregateCache)(nil)
var _ model.AggregateProvider = (*AggregateCache)(nil)
