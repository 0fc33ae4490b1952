package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// RedisHotStateStore keeps frequently-touched agent state in the cache
// tier. Keys are namespaced state:{agent_id}; values are JSON. The
// store degrades gracefully: backend loss logs and returns empty
// results instead of propagating errors.
type RedisHotStateStore struct {
	client *core.RedisClient
	logger core.Logger
}

// DefaultHotStateTTL applies when callers pass a zero TTL.
const DefaultHotStateTTL = time.Hour

// NewRedisHotStateStore creates the cache-tier store.
func NewRedisHotStateStore(client *core.RedisClient, logger core.Logger) *RedisHotStateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("state/hot")
	}
	return &RedisHotStateStore{client: client, logger: logger}
}

func hotKey(agentID string) string { return "state:" + agentID }

// SaveHotState writes the agent's hot state with a TTL.
func (s *RedisHotStateStore) SaveHotState(ctx context.Context, agentID string, data core.Value, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHotStateTTL
	}
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("Hot state serialization failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return nil
	}
	if err := s.client.Set(ctx, hotKey(agentID), string(payload), ttl); err != nil {
		s.logger.Warn("Hot state write dropped", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return nil
}

// LoadHotState reads the agent's hot state, or nil if absent.
func (s *RedisHotStateStore) LoadHotState(ctx context.Context, agentID string) (core.Value, error) {
	raw, err := s.client.Get(ctx, hotKey(agentID))
	if err != nil {
		s.logger.Warn("Hot state read failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	if raw == "" {
		return nil, nil
	}
	var data core.Value
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		s.logger.Warn("Hot state undecodable, dropping", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	return data, nil
}

// GetKeys lists hot-state keys matching pattern.
func (s *RedisHotStateStore) GetKeys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, "state:"+pattern)
	if err != nil {
		s.logger.Warn("Hot state key scan failed", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return nil, nil
	}
	return keys, nil
}

// Delete removes the agent's hot state.
func (s *RedisHotStateStore) Delete(ctx context.Context, agentID string) error {
	if err := s.client.Delete(ctx, hotKey(agentID)); err != nil {
		s.logger.Warn("Hot state delete failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return nil
}
