package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// warmInstance is one pre-spawned, suspended agent in the pool.
type warmInstance struct {
	AgentID   string
	SpawnedAt time.Time
}

// PoolStats reports warm pool health.
type PoolStats struct {
	Size       int   `json:"size"`
	TargetSize int   `json:"target_size"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evicted    int64 `json:"evicted"`
}

// replenishInterval is the cadence of the top-up loop.
const replenishInterval = 30 * time.Second

// WarmPool maintains pre-spawned Suspended agents for fast activation.
// Allocation pops the oldest instance; a miss falls back to cold spawn
// at the caller.
type WarmPool struct {
	config    core.WarmPoolConfig
	lifecycle lifecycle
	logger    core.Logger

	mu        sync.Mutex
	instances []warmInstance
	hits      int64
	misses    int64
	evicted   int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWarmPool creates a warm pool.
func NewWarmPool(config core.WarmPoolConfig, lm lifecycle, logger core.Logger) *WarmPool {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fleet/warmpool")
	}
	return &WarmPool{config: config, lifecycle: lm, logger: logger}
}

// Allocate pops the oldest warm instance and returns its agent id; the
// instance stays suspended until the caller resumes it. Returns
// ("", false) on an empty pool, bumping the miss counter.
func (p *WarmPool) Allocate(ctx context.Context) (string, bool) {
	p.mu.Lock()
	if len(p.instances) == 0 {
		p.misses++
		p.mu.Unlock()
		return "", false
	}
	inst := p.instances[0]
	p.instances = p.instances[1:]
	p.hits++
	p.mu.Unlock()

	p.logger.Debug("Warm instance allocated", map[string]interface{}{
		"agent_id": inst.AgentID,
		"age_s":    time.Since(inst.SpawnedAt).Seconds(),
	})
	return inst.AgentID, true
}

// Return recycles an instance back into the pool. Instances older than
// max_instance_age are terminated instead.
func (p *WarmPool) Return(ctx context.Context, agentID string, spawnedAt time.Time) {
	maxAge := time.Duration(p.config.MaxInstanceAgeSeconds) * time.Second
	if maxAge > 0 && time.Since(spawnedAt) > maxAge {
		p.mu.Lock()
		p.evicted++
		p.mu.Unlock()
		if err := p.lifecycle.Terminate(ctx, agentID, "warm instance expired", true); err != nil {
			p.logger.Warn("Expired warm instance termination failed", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
		}
		return
	}
	p.mu.Lock()
	p.instances = append(p.instances, warmInstance{AgentID: agentID, SpawnedAt: spawnedAt})
	p.mu.Unlock()
}

// Stats returns a snapshot of pool counters.
func (p *WarmPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:       len(p.instances),
		TargetSize: p.config.Size,
		Hits:       p.hits,
		Misses:     p.misses,
		Evicted:    p.evicted,
	}
}

// Start launches the refresh loop (evict stale instances) and the
// replenish loop (top up toward target size).
func (p *WarmPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	refreshInterval := time.Duration(p.config.RefreshIntervalSeconds) * time.Second
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.refresh(ctx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(replenishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.replenish(ctx)
			}
		}
	}()
	go func() {
		wg.Wait()
		close(p.done)
	}()
}

// Stop cancels the maintenance loops.
func (p *WarmPool) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// refresh evicts instances past max_instance_age.
func (p *WarmPool) refresh(ctx context.Context) {
	maxAge := time.Duration(p.config.MaxInstanceAgeSeconds) * time.Second
	if maxAge <= 0 {
		return
	}

	p.mu.Lock()
	var keep []warmInstance
	var stale []warmInstance
	for _, inst := range p.instances {
		if time.Since(inst.SpawnedAt) > maxAge {
			stale = append(stale, inst)
		} else {
			keep = append(keep, inst)
		}
	}
	p.instances = keep
	p.evicted += int64(len(stale))
	p.mu.Unlock()

	for _, inst := range stale {
		if err := p.lifecycle.Terminate(ctx, inst.AgentID, "warm instance expired", true); err != nil {
			p.logger.Warn("Stale warm instance termination failed", map[string]interface{}{
				"agent_id": inst.AgentID,
				"error":    err.Error(),
			})
		}
	}
}

// replenish spawns and suspends instances until the pool reaches its
// target size.
func (p *WarmPool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		deficit := p.config.Size - len(p.instances)
		p.mu.Unlock()
		if deficit <= 0 {
			return
		}

		agentID := "warm-" + uuid.NewString()
		result, err := p.lifecycle.Spawn(ctx, core.AgentConfig{
			AgentID:    agentID,
			TrustLevel: core.TrustStandard,
		})
		if err != nil {
			p.logger.Warn("Warm pool spawn failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if _, err := p.lifecycle.Suspend(ctx, result.AgentID, false); err != nil {
			p.logger.Warn("Warm pool suspend failed, discarding instance", map[string]interface{}{
				"agent_id": result.AgentID,
				"error":    err.Error(),
			})
			_ = p.lifecycle.Terminate(ctx, result.AgentID, "warm pool suspend failed", true)
			return
		}

		p.mu.Lock()
		p.instances = append(p.instances, warmInstance{AgentID: result.AgentID, SpawnedAt: time.Now()})
		size := len(p.instances)
		p.mu.Unlock()

		p.logger.Debug("Warm instance added", map[string]interface{}{
			"agent_id": result.AgentID,
			"size":     size,
		})

		if err := ctx.Err(); err != nil {
			return
		}
	}
}
