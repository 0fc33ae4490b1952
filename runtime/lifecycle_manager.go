package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// LifecycleManager owns every AgentInstance and serializes its state
// transitions. Per-agent operations are linearizable: concurrent calls
// are ordered at the manager's lock so the state machine stays
// well-defined.
//
// Allowed transitions:
//
//	Pending   -> Running (spawn completes)
//	Running   -> Suspended | Terminated | Failed
//	Suspended -> Running | Terminated | Failed
//
// Terminated and Failed are absorbing.
type LifecycleManager struct {
	config   core.RuntimeConfig
	sandbox  *SandboxManager
	provider core.SandboxProvider
	resource *ResourceManager
	health   *HealthMonitor
	store    core.CheckpointStore
	sink     core.EventSink
	logger   core.Logger

	mu        sync.Mutex
	instances map[string]*core.AgentInstance
}

// NewLifecycleManager wires the lifecycle manager. store and sink may
// be nil (checkpointing and event emission become no-ops).
func NewLifecycleManager(
	config core.RuntimeConfig,
	sandbox *SandboxManager,
	provider core.SandboxProvider,
	resource *ResourceManager,
	health *HealthMonitor,
	store core.CheckpointStore,
	sink core.EventSink,
	logger core.Logger,
) *LifecycleManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("runtime/lifecycle")
	}
	if sink == nil {
		sink = &core.NoOpEventSink{}
	}
	m := &LifecycleManager{
		config:    config,
		sandbox:   sandbox,
		provider:  provider,
		resource:  resource,
		health:    health,
		store:     store,
		sink:      sink,
		logger:    logger,
		instances: make(map[string]*core.AgentInstance),
	}
	if resource != nil {
		resource.SetEnforcementSink(m)
	}
	if health != nil {
		health.SetStateGetter(m)
	}
	return m
}

var validTransitions = map[core.AgentState][]core.AgentState{
	core.StatePending:   {core.StateRunning},
	core.StateRunning:   {core.StateSuspended, core.StateTerminated, core.StateFailed},
	core.StateSuspended: {core.StateRunning, core.StateTerminated, core.StateFailed},
}

func transitionAllowed(from, to core.AgentState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Spawn derives and validates a sandbox, starts a container through the
// provider, and records the instance. The whole pipeline is bounded by
// the configured spawn timeout. Re-spawning an agent_id whose instance
// is still live returns the existing instance, making retries
// idempotent.
func (m *LifecycleManager) Spawn(ctx context.Context, config core.AgentConfig) (*core.SpawnResult, error) {
	const op = "lifecycle.Spawn"

	if config.AgentID == "" {
		config.AgentID = uuid.NewString()
	}

	m.mu.Lock()
	if existing, ok := m.instances[config.AgentID]; ok && !existing.State.Terminal() {
		result := spawnResultOf(existing)
		m.mu.Unlock()
		m.logger.Info("Spawn replay returned existing instance", map[string]interface{}{
			"agent_id": config.AgentID,
			"state":    string(existing.State),
		})
		return result, nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.SpawnTimeout())
	defer cancel()

	sandbox := m.sandbox.Derive(config)
	if err := m.sandbox.Validate(sandbox); err != nil {
		return nil, err
	}

	env := map[string]string{"AGENT_ID": config.AgentID}
	for k, v := range config.Environment {
		env[k] = v
	}
	if config.InitialContext != "" {
		env["INITIAL_CONTEXT"] = config.InitialContext
	}
	if config.Image == "" {
		config.Image = m.config.AgentImage
	}

	handle, err := m.provider.Spawn(ctx, config, sandbox, env)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.CodeSpawnTimeout, core.KindTimeout, op, config.AgentID, core.ErrSpawnTimeout)
		}
		return nil, core.NewError(core.CodeSandboxError, core.KindUnavailable, op, config.AgentID,
			fmt.Errorf("%w: %v", core.ErrSandboxFailure, err))
	}

	now := time.Now()
	inst := &core.AgentInstance{
		AgentID:         config.AgentID,
		SessionID:       uuid.NewString(),
		State:           core.StateRunning,
		Config:          config,
		Sandbox:         sandbox,
		ContainerHandle: handle,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	m.instances[config.AgentID] = inst
	m.mu.Unlock()

	if m.resource != nil {
		if _, err := m.resource.CreateQuota(config.AgentID, ScopeAgent, sandbox.ResourceLimits); err != nil {
			m.logger.Warn("Quota creation failed after spawn", map[string]interface{}{
				"agent_id": config.AgentID,
				"error":    err.Error(),
			})
		}
	}
	if m.health != nil {
		m.health.Register(config.AgentID)
	}

	m.emit(ctx, inst, "agent.spawned", map[string]interface{}{
		"state":        string(core.StateRunning),
		"sandbox_type": string(sandbox.RuntimeClass),
	})

	m.logger.InfoWithContext(ctx, "Agent spawned", map[string]interface{}{
		"agent_id":      config.AgentID,
		"session_id":    inst.SessionID,
		"trust_level":   string(config.TrustLevel),
		"runtime_class": string(sandbox.RuntimeClass),
		"handle":        handle,
	})
	return spawnResultOf(inst), nil
}

// Terminate stops an agent. Graceful termination gives the container
// the configured shutdown window; force kills immediately. Terminating
// an already-Terminated agent succeeds without effect.
func (m *LifecycleManager) Terminate(ctx context.Context, agentID, reason string, force bool) error {
	const op = "lifecycle.Terminate"

	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if !ok {
		m.mu.Unlock()
		return core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if inst.State == core.StateTerminated {
		m.mu.Unlock()
		return nil
	}
	if !transitionAllowed(inst.State, core.StateTerminated) {
		state := inst.State
		m.mu.Unlock()
		return core.NewError(core.CodeTerminateFailed, core.KindConflict, op, agentID,
			fmt.Errorf("%w: %s -> terminated", core.ErrInvalidTransition, state))
	}
	handle := inst.ContainerHandle
	m.mu.Unlock()

	grace := m.config.ShutdownGrace()
	if force {
		grace = 0
	}
	if err := m.provider.Stop(ctx, handle, grace, force); err != nil {
		m.setState(ctx, agentID, core.StateFailed, "terminate failed: "+err.Error())
		return core.NewError(core.CodeTerminateFailed, core.KindUnavailable, op, agentID,
			fmt.Errorf("%w: %v", core.ErrSandboxFailure, err))
	}

	m.setState(ctx, agentID, core.StateTerminated, reason)
	if m.health != nil {
		m.health.Unregister(agentID)
	}
	if m.resource != nil {
		m.resource.CleanupQuota(agentID)
	}

	m.logger.InfoWithContext(ctx, "Agent terminated", map[string]interface{}{
		"agent_id": agentID,
		"reason":   reason,
		"force":    force,
	})
	return nil
}

// Suspend pauses a Running agent and returns the provider checkpoint id
// (empty for paused-only suspensions). When takeCheckpoint is set and a
// checkpoint store is wired, the agent's context is also persisted
// durably.
func (m *LifecycleManager) Suspend(ctx context.Context, agentID string, takeCheckpoint bool) (string, error) {
	const op = "lifecycle.Suspend"

	if !m.config.EnableSuspend {
		return "", core.NewError(core.CodeSuspendFailed, core.KindInvalid, op, agentID, core.ErrSuspendDisabled)
	}

	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if !ok {
		m.mu.Unlock()
		return "", core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if inst.State != core.StateRunning {
		state := inst.State
		m.mu.Unlock()
		return "", core.NewError(core.CodeSuspendFailed, core.KindConflict, op, agentID,
			fmt.Errorf("%w: %s -> suspended", core.ErrInvalidTransition, state))
	}
	handle := inst.ContainerHandle
	sessionID := inst.SessionID
	m.mu.Unlock()

	providerCkpt, err := m.provider.Pause(ctx, handle)
	if err != nil {
		m.setState(ctx, agentID, core.StateFailed, "suspend failed: "+err.Error())
		return "", core.NewError(core.CodeSuspendFailed, core.KindUnavailable, op, agentID,
			fmt.Errorf("%w: %v", core.ErrSandboxFailure, err))
	}

	checkpointID := providerCkpt
	if takeCheckpoint && m.store != nil {
		_, cerr := m.store.CreateCheckpoint(ctx, agentID, sessionID, string(core.StateSuspended),
			core.Value{"provider_checkpoint": providerCkpt}, nil)
		if cerr != nil {
			m.logger.Warn("Durable checkpoint failed on suspend", map[string]interface{}{
				"agent_id": agentID,
				"error":    cerr.Error(),
			})
		}
	}

	m.setState(ctx, agentID, core.StateSuspended, "suspended")
	return checkpointID, nil
}

// Resume restarts a Suspended agent, optionally restoring from a
// checkpoint id.
func (m *LifecycleManager) Resume(ctx context.Context, agentID, checkpointID string) (core.AgentState, error) {
	const op = "lifecycle.Resume"

	if !m.config.EnableSuspend {
		return "", core.NewError(core.CodeResumeFailed, core.KindInvalid, op, agentID, core.ErrSuspendDisabled)
	}

	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if !ok {
		m.mu.Unlock()
		return "", core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if inst.State != core.StateSuspended {
		state := inst.State
		m.mu.Unlock()
		return "", core.NewError(core.CodeResumeFailed, core.KindConflict, op, agentID,
			fmt.Errorf("%w: %s -> running", core.ErrInvalidTransition, state))
	}
	handle := inst.ContainerHandle
	m.mu.Unlock()

	if err := m.provider.Resume(ctx, handle, checkpointID); err != nil {
		m.setState(ctx, agentID, core.StateFailed, "resume failed: "+err.Error())
		return "", core.NewError(core.CodeResumeFailed, core.KindUnavailable, op, agentID,
			fmt.Errorf("%w: %v", core.ErrSandboxFailure, err))
	}

	m.setState(ctx, agentID, core.StateRunning, "resumed")
	if m.health != nil {
		m.health.Heartbeat(agentID)
	}
	return core.StateRunning, nil
}

// Restart force-terminates and re-spawns an agent with its original
// configuration, bounded by max_restart_count.
func (m *LifecycleManager) Restart(ctx context.Context, agentID, reason string) (*core.SpawnResult, error) {
	const op = "lifecycle.Restart"

	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if inst.RestartCount >= m.config.MaxRestartCount {
		count := inst.RestartCount
		m.mu.Unlock()
		return nil, core.NewError(core.CodeSandboxError, core.KindInvalid, op, agentID,
			fmt.Errorf("%w: %d restarts", core.ErrRestartExhausted, count))
	}
	config := inst.Config
	restartCount := inst.RestartCount
	m.mu.Unlock()

	if err := m.Terminate(ctx, agentID, "restart: "+reason, true); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.instances, agentID)
	m.mu.Unlock()

	result, err := m.Spawn(ctx, config)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if fresh, ok := m.instances[agentID]; ok {
		fresh.RestartCount = restartCount + 1
	}
	m.mu.Unlock()

	m.logger.InfoWithContext(ctx, "Agent restarted", map[string]interface{}{
		"agent_id":      agentID,
		"reason":        reason,
		"restart_count": restartCount + 1,
	})
	return result, nil
}

// GetState returns the lifecycle state of an agent.
func (m *LifecycleManager) GetState(agentID string) (core.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[agentID]
	if !ok {
		return "", core.NewError(core.CodeAgentNotFound, core.KindNotFound, "lifecycle.GetState", agentID, core.ErrAgentNotFound)
	}
	return inst.State, nil
}

// GetInstance returns a copy of the instance record.
func (m *LifecycleManager) GetInstance(agentID string) (core.AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[agentID]
	if !ok {
		return core.AgentInstance{}, core.NewError(core.CodeAgentNotFound, core.KindNotFound, "lifecycle.GetInstance", agentID, core.ErrAgentNotFound)
	}
	return *inst, nil
}

// ListInstances returns copies of all instance records.
func (m *LifecycleManager) ListInstances() []core.AgentInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.AgentInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out
}

// UpdateUsage folds a usage observation into the instance record and
// forwards it to the resource manager.
func (m *LifecycleManager) UpdateUsage(ctx context.Context, agentID string, report UsageReport) error {
	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if ok {
		if report.CPUSeconds != nil {
			inst.Usage.CPUSeconds += *report.CPUSeconds
		}
		if report.MemoryMB != nil {
			inst.Usage.MemoryMB = *report.MemoryMB
			if *report.MemoryMB > inst.Usage.MemoryPeakMB {
				inst.Usage.MemoryPeakMB = *report.MemoryMB
			}
		}
		if report.Tokens != nil {
			inst.Usage.TokensConsumed += *report.Tokens
		}
		inst.Usage.UpdatedAt = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return core.ErrAgentNotFound
	}
	if m.resource == nil {
		return nil
	}
	return m.resource.ReportUsage(ctx, agentID, report)
}

// EnforceQuota implements core.QuotaEnforcementSink. The resource
// manager calls back here when a quota breach requires action.
func (m *LifecycleManager) EnforceQuota(ctx context.Context, agentID string, action core.EnforcementAction, reason string) error {
	switch action {
	case core.ActionSuspend:
		_, err := m.Suspend(ctx, agentID, true)
		return err
	case core.ActionTerminate:
		return m.Terminate(ctx, agentID, "quota: "+reason, true)
	case core.ActionThrottle:
		// Throttling at the provider level is not implemented; the
		// breach is recorded and the agent keeps running.
		m.logger.Warn("Throttle requested but not implemented", map[string]interface{}{
			"agent_id": agentID,
			"reason":   reason,
		})
		return nil
	default:
		return nil
	}
}

// Cleanup force-terminates every live agent. Used at process shutdown;
// bounded by the caller's context.
func (m *LifecycleManager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id, inst := range m.instances {
		if !inst.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Terminate(ctx, id, "runtime shutdown", true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// setState applies a transition, stamps timestamps, and emits the
// state-change event. Invalid transitions are dropped with a log line
// because callers have already validated them.
func (m *LifecycleManager) setState(ctx context.Context, agentID string, to core.AgentState, reason string) {
	m.mu.Lock()
	inst, ok := m.instances[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := inst.State
	if from == to {
		m.mu.Unlock()
		return
	}
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		m.logger.Error("Dropped invalid state transition", map[string]interface{}{
			"agent_id": agentID,
			"from":     string(from),
			"to":       string(to),
		})
		return
	}
	now := time.Now()
	inst.State = to
	inst.UpdatedAt = now
	if to.Terminal() {
		inst.TerminatedAt = &now
	}
	snapshot := *inst
	m.mu.Unlock()

	m.emit(ctx, &snapshot, "agent.state_changed", map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

// emit sends a state-change event to the sink. Fire-and-forget:
// failures are logged, never propagated.
func (m *LifecycleManager) emit(ctx context.Context, inst *core.AgentInstance, eventType string, payload map[string]interface{}) {
	payload["session_id"] = inst.SessionID
	event := core.StateChangeEvent{
		EventType:   eventType,
		Layer:       "L02",
		AggregateID: inst.AgentID,
		Payload:     payload,
	}
	if err := m.sink.Emit(ctx, event); err != nil {
		m.logger.Warn("State-change event emission failed", map[string]interface{}{
			"agent_id":   inst.AgentID,
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}

func spawnResultOf(inst *core.AgentInstance) *core.SpawnResult {
	return &core.SpawnResult{
		AgentID:     inst.AgentID,
		SessionID:   inst.SessionID,
		State:       inst.State,
		SandboxType: inst.Sandbox.RuntimeClass,
		ContainerID: inst.ContainerHandle,
		CreatedAt:   inst.CreatedAt,
	}
}
