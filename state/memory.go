package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// MemoryCheckpointStore is the in-process CheckpointStore used by tests
// and by deployments without a database. Semantics mirror the Postgres
// store, including the size ceiling and immutability.
type MemoryCheckpointStore struct {
	config core.CheckpointConfig

	mu          sync.RWMutex
	checkpoints map[string]*core.CheckpointSnapshot
	agentState  map[string]*core.CheckpointSnapshot
}

// NewMemoryCheckpointStore creates an in-memory checkpoint store.
func NewMemoryCheckpointStore(config core.CheckpointConfig) *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		config:      config,
		checkpoints: make(map[string]*core.CheckpointSnapshot),
		agentState:  make(map[string]*core.CheckpointSnapshot),
	}
}

func (s *MemoryCheckpointStore) CreateCheckpoint(ctx context.Context, agentID, sessionID, state string, contextData core.Value, metadata core.Value) (string, error) {
	blob, err := json.Marshal(contextData)
	if err != nil {
		return "", fmt.Errorf("serialize context: %w", err)
	}
	if s.config.MaxCheckpointBytes > 0 && int64(len(blob)) > s.config.MaxCheckpointBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", core.ErrCheckpointTooLarge, len(blob), s.config.MaxCheckpointBytes)
	}

	// Deep-copy through JSON so later caller mutations cannot reach the
	// stored snapshot.
	var stored core.Value
	_ = json.Unmarshal(blob, &stored)

	id := uuid.NewString()
	s.mu.Lock()
	s.checkpoints[id] = &core.CheckpointSnapshot{
		CheckpointID: id,
		AgentID:      agentID,
		SessionID:    sessionID,
		State:        state,
		Context:      stored,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
		SizeBytes:    int64(len(blob)),
	}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryCheckpointStore) Restore(ctx context.Context, checkpointID string) (*core.CheckpointSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.checkpoints[checkpointID]
	if !ok {
		return nil, core.ErrCheckpointNotFound
	}
	clone := *snap
	return &clone, nil
}

func (s *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, agentID string, limit int) ([]*core.CheckpointSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	var out []*core.CheckpointSnapshot
	for _, snap := range s.checkpoints {
		if snap.AgentID == agentID {
			clone := *snap
			out = append(out, &clone)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCheckpointStore) SaveAgentState(ctx context.Context, agentID, sessionID, state string, contextData core.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentState[agentID] = &core.CheckpointSnapshot{
		AgentID:   agentID,
		SessionID: sessionID,
		State:     state,
		Context:   contextData,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryCheckpointStore) LoadAgentState(ctx context.Context, agentID string) (*core.CheckpointSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.agentState[agentID]
	if !ok {
		return nil, nil
	}
	clone := *snap
	return &clone, nil
}

func (s *MemoryCheckpointStore) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var deleted int64
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range s.checkpoints {
		if snap.CreatedAt.Before(cutoff) {
			delete(s.checkpoints, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryHotStateStore is the in-process HotStateStore fallback.
type MemoryHotStateStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

type entry struct {
	value     core.Value
	expiresAt time.Time
}

// NewMemoryHotStateStore creates an in-memory hot state store.
func NewMemoryHotStateStore() *MemoryHotStateStore {
	return &MemoryHotStateStore{data: make(map[string]entry)}
}

func (s *MemoryHotStateStore) SaveHotState(ctx context.Context, agentID string, data core.Value, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHotStateTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[hotKey(agentID)] = entry{value: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryHotStateStore) LoadHotState(ctx context.Context, agentID string) (core.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[hotKey(agentID)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.value, nil
}

func (s *MemoryHotStateStore) GetKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var keys []string
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			continue
		}
		if ok, _ := path.Match("state:"+pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryHotStateStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, hotKey(agentID))
	return nil
}
