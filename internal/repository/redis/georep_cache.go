package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/client"
	"authwatch/internal/config"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

const geoRepKeyPrefix = "georep:"

// GeoReputationCache stores per-address geo and reputation records as
// JSON blobs. The redis TTL is the longer of the two halves' TTLs; the
// resolver checks per-half freshness from the record itself, so a key
// can outlive its stale half without serving stale data.
type GeoReputationCache struct {
	redis  *client.RedisClient
	geoTTL time.Duration
	repTTL time.Duration
}

func NewGeoReputationCache(redisClient *client.RedisClient, cfg *config.Config, logger *zap.Logger) *GeoReputationCache {
	return &GeoReputationCache{
		redis:  redisClient,
		geoTTL: cfg.Enrichment.GeoTTL,
		repTTL: cfg.Enrichment.ReputationTTL,
	}
}

// Get returns the cached record for an address, or nil on a miss.
func (c *GeoReputationCache) Get(ctx context.Context, address string) (*model.GeoReputationRecord, error) {
	raw, miss, err := c.redis.GetMiss(ctx, geoRepKeyPrefix+address)
	if err != nil {
		return nil, fmt.Errorf("failed to read geo/reputation cache: %w", err)
	}
	if miss {
		return nil, nil
	}

	record := &model.GeoReputationRecord{}
	if err := json.Unmarshal([]byte(raw), record); err != nil {
		// A corrupt entry is treated as a miss so the resolver refreshes it.
		util.Warn("Discarding corrupt geo/reputation cache entry",
			zap.String("address", address),
			zap.Error(err))
		return nil, nil
	}

	return record, nil
}

func (c *GeoReputationCache) Put(ctx context.Context, record *model.GeoReputationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode geo/reputation record: %w", err)
	}

	ttl := c.geoTTL
	if c.repTTL > ttl {
		ttl = c.repTTL
	}

	if err := c.redis.Set(ctx, geoRepKeyPrefix+record.Address, data, ttl); err != nil {
		return fmt.Errorf("failed to write geo/reputation cache: %w", err)
	}
	return nil
}
