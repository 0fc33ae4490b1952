// Package provider contains the SandboxProvider backends. The local
// backend simulates containers in-process; the kubernetes backend is a
// stub satisfying the interface for cluster deployments.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// localContainer is the in-process record of one simulated container.
type localContainer struct {
	handle      string
	agentID     string
	state       core.ContainerState
	env         map[string]string
	checkpoints map[string]map[string]string // checkpoint id -> env snapshot
	createdAt   time.Time
}

// LocalProvider simulates a container engine in-process. Spawned
// "containers" are bookkeeping records with deterministic handles
// (local-<agent_id>), which makes the full lifecycle drivable in tests
// and single-node deployments without a container daemon.
type LocalProvider struct {
	logger core.Logger

	mu         sync.Mutex
	containers map[string]*localContainer
	ckptSeq    int

	// FailNext* inject faults for tests.
	FailNextSpawn bool
	FailNextStop  bool
	SpawnDelay    time.Duration
}

// NewLocalProvider creates a local provider.
func NewLocalProvider(logger core.Logger) *LocalProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("provider/local")
	}
	return &LocalProvider{
		logger:     logger,
		containers: make(map[string]*localContainer),
	}
}

// Spawn creates a simulated container and returns its handle.
func (p *LocalProvider) Spawn(ctx context.Context, config core.AgentConfig, sandbox core.SandboxConfiguration, env map[string]string) (string, error) {
	if p.SpawnDelay > 0 {
		select {
		case <-time.After(p.SpawnDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNextSpawn {
		p.FailNextSpawn = false
		return "", fmt.Errorf("injected spawn failure for %s", config.AgentID)
	}

	handle := "local-" + config.AgentID
	if c, ok := p.containers[handle]; ok && c.state == core.ContainerRunning {
		return "", fmt.Errorf("container %s already running", handle)
	}

	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	p.containers[handle] = &localContainer{
		handle:      handle,
		agentID:     config.AgentID,
		state:       core.ContainerRunning,
		env:         envCopy,
		checkpoints: make(map[string]map[string]string),
		createdAt:   time.Now(),
	}

	p.logger.Debug("Local container spawned", map[string]interface{}{
		"handle":        handle,
		"runtime_class": string(sandbox.RuntimeClass),
		"network":       string(sandbox.NetworkPolicy),
	})
	return handle, nil
}

// Stop transitions a container to stopped. Idempotent on already
// stopped containers.
func (p *LocalProvider) Stop(ctx context.Context, handle string, gracePeriod time.Duration, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNextStop {
		p.FailNextStop = false
		return fmt.Errorf("injected stop failure for %s", handle)
	}

	c, ok := p.containers[handle]
	if !ok {
		return fmt.Errorf("unknown container %s", handle)
	}
	c.state = core.ContainerStopped
	return nil
}

// Pause suspends a running container and takes a lightweight snapshot,
// returning its checkpoint id.
func (p *LocalProvider) Pause(ctx context.Context, handle string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[handle]
	if !ok {
		return "", fmt.Errorf("unknown container %s", handle)
	}
	if c.state != core.ContainerRunning {
		return "", fmt.Errorf("container %s not running (state=%s)", handle, c.state)
	}
	c.state = core.ContainerPaused

	p.ckptSeq++
	ckptID := fmt.Sprintf("%s-ckpt-%d", handle, p.ckptSeq)
	snap := make(map[string]string, len(c.env))
	for k, v := range c.env {
		snap[k] = v
	}
	c.checkpoints[ckptID] = snap
	return ckptID, nil
}

// Resume restarts a paused container, optionally restoring a snapshot.
func (p *LocalProvider) Resume(ctx context.Context, handle string, checkpointID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[handle]
	if !ok {
		return fmt.Errorf("unknown container %s", handle)
	}
	if c.state != core.ContainerPaused {
		return fmt.Errorf("container %s not paused (state=%s)", handle, c.state)
	}
	if checkpointID != "" {
		snap, ok := c.checkpoints[checkpointID]
		if !ok {
			return fmt.Errorf("unknown checkpoint %s for %s", checkpointID, handle)
		}
		restored := make(map[string]string, len(snap))
		for k, v := range snap {
			restored[k] = v
		}
		c.env = restored
	}
	c.state = core.ContainerRunning
	return nil
}

// State reports the container status.
func (p *LocalProvider) State(ctx context.Context, handle string) (core.ContainerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[handle]
	if !ok {
		return core.ContainerUnknown, fmt.Errorf("unknown container %s", handle)
	}
	return c.state, nil
}
