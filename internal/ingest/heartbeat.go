package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"authwatch/internal/client"
)

const (
	heartbeatKeyPrefix = "agent:heartbeat:"
	heartbeatTTL       = 10 * time.Minute
)

// FileProgress is one tailed file's position as reported by the agent.
type FileProgress struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// Heartbeat is the agent's periodic liveness report.
type Heartbeat struct {
	AgentID      string         `json:"agent_id"`
	Hostname     string         `json:"hostname"`
	SentAt       time.Time      `json:"sent_at"`
	LinesShipped int64          `json:"lines_shipped"`
	BatchesSent  int64          `json:"batches_sent"`
	Files        []FileProgress `json:"files,omitempty"`
}

// HeartbeatStore keeps the latest heartbeat per agent with a TTL, so a
// silent agent ages out of the operator view.
type HeartbeatStore struct {
	redis *client.RedisClient
}

func NewHeartbeatStore(redisClient *client.RedisClient) *HeartbeatStore {
	return &HeartbeatStore{redis: redisClient}
}

func (s *HeartbeatStore) Record(ctx context.Context, hb *Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	if err := s.redis.Set(ctx, heartbeatKeyPrefix+hb.AgentID, data, heartbeatTTL); err != nil {
		return fmt.Errorf("failed to store heartbeat: %w", err)
	}
	return nil
}

// Get returns the latest heartbeat for an agent, or nil when the agent
// has gone silent past the TTL.
func (s *HeartbeatStore) Get(ctx context.Context, agentID string) (*Heartbeat, error) {
	raw, miss, err := s.redis.GetMiss(ctx, heartbeatKeyPrefix+agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	if miss {
		return nil, nil
	}

	hb := &Heartbeat{}
	if err := json.Unmarshal([]byte(raw), hb); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat: %w", err)
	}
	return hb, nil
}
